// Package api implements the HTTP REST layer for the platform server. It
// uses chi as the router and exposes all resources under /api/v1 plus the
// OTLP ingest endpoints under /v1. Authentication is enforced via the
// Authenticate middleware on all routes except login and ingest; fine-grained
// authorization happens in the domain services through the permission engine.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

// envelope is the standard JSON response wrapper.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error maps a domain error onto the wire. Status, code and caller-safe
// message all come from the error taxonomy, so concealment and crypto
// masking are applied in exactly one place.
func Error(w http.ResponseWriter, err error) {
	JSON(w, platerr.HTTPStatus(err), envelope{
		"error": errorResponse{
			Message: platerr.Message(err),
			Code:    platerr.Code(err),
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	Error(w, platerr.New(platerr.KindBadRequest, message))
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	Error(w, platerr.New(platerr.KindUnauthenticated, "authentication required"))
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	Error(w, platerr.New(platerr.KindNotFound, "resource not found"))
}

// ErrInternal writes a 500 with a generic message; detail stays in the logs.
func ErrInternal(w http.ResponseWriter) {
	JSON(w, http.StatusInternalServerError, envelope{
		"error": errorResponse{
			Message: "an internal error occurred",
			Code:    "internal_error",
		},
	})
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// error response when decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// uuidParam parses the chi URL parameter with the given name as a UUID.
// Returns false and writes a 400 on failure.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		ErrBadRequest(w, "invalid "+name)
		return uuid.UUID{}, false
	}
	return id, true
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// paginationOpts reads limit/offset query parameters, clamped to sane values.
func paginationOpts(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: defaultPageSize}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		opts.Limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}
	return opts
}
