package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/secrets"
)

// SecretHandler exposes project and global secret management. Values are
// write-only through this surface: listings return metadata and responses
// never echo plaintext.
type SecretHandler struct {
	engine *secrets.Engine
	authz  *authz.Engine
	logger *zap.Logger
}

func NewSecretHandler(engine *secrets.Engine, authzEngine *authz.Engine, logger *zap.Logger) *SecretHandler {
	return &SecretHandler{
		engine: engine,
		authz:  authzEngine,
		logger: logger.Named("secret_handler"),
	}
}

type upsertSecretRequest struct {
	Value string `json:"value"`
	Scope string `json:"scope"`
}

// scope reads the optional {id} project parameter: present for project
// secrets, absent on the global routes.
func (h *SecretHandler) scope(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	if chi.URLParam(r, "id") == "" {
		return nil, true
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return nil, false
	}
	return &id, true
}

// Upsert handles PUT /api/v1/projects/{id}/secrets/{name} and
// PUT /api/v1/secrets/{name} (global).
func (h *SecretHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.scope(w, r)
	if !ok {
		return
	}
	principal := principalFromCtx(r.Context())
	if err := h.authz.Require(r.Context(), principal, authz.PermSecretWrite, projectID); err != nil {
		Error(w, err)
		return
	}

	var req upsertSecretRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	meta, err := h.engine.Upsert(r.Context(), projectID, chi.URLParam(r, "name"), req.Value, req.Scope, principal.User.ID)
	if err != nil {
		Error(w, err)
		return
	}
	Ok(w, meta)
}

// List handles GET /api/v1/projects/{id}/secrets and GET /api/v1/secrets.
// Metadata only; values are never returned.
func (h *SecretHandler) List(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.scope(w, r)
	if !ok {
		return
	}
	principal := principalFromCtx(r.Context())
	if err := h.authz.Require(r.Context(), principal, authz.PermSecretRead, projectID); err != nil {
		Error(w, err)
		return
	}

	items, err := h.engine.List(r.Context(), projectID)
	if err != nil {
		Error(w, err)
		return
	}
	Ok(w, envelope{"items": items})
}

// Delete handles DELETE /api/v1/projects/{id}/secrets/{name} and the global
// variant.
func (h *SecretHandler) Delete(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.scope(w, r)
	if !ok {
		return
	}
	principal := principalFromCtx(r.Context())
	if err := h.authz.Require(r.Context(), principal, authz.PermSecretWrite, projectID); err != nil {
		Error(w, err)
		return
	}

	existed, err := h.engine.Delete(r.Context(), projectID, chi.URLParam(r, "name"))
	if err != nil {
		Error(w, err)
		return
	}
	if !existed {
		ErrNotFound(w)
		return
	}
	NoContent(w)
}
