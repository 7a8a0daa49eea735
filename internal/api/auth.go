package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/db"
)

// AuthHandler groups login, logout, profile and API token endpoints.
type AuthHandler struct {
	authenticator *auth.Authenticator
	logger        *zap.Logger
	secure        bool
}

func NewAuthHandler(authenticator *auth.Authenticator, logger *zap.Logger, secure bool) *AuthHandler {
	return &AuthHandler{
		authenticator: authenticator,
		logger:        logger.Named("auth_handler"),
		secure:        secure,
	}
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      userResponse `json:"user"`
}

// Login handles POST /api/v1/auth/login. The session token is returned in
// the body and mirrored into an httpOnly cookie for the WebSocket endpoints.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Password == "" {
		ErrBadRequest(w, "name and password are required")
		return
	}

	user, token, err := h.authenticator.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		Error(w, err)
		return
	}

	expiresAt := time.Now().Add(auth.SessionTTL)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	Ok(w, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      userToResponse(user),
	})
}

// Logout handles POST /api/v1/auth/logout. Revoking an already-revoked or
// unknown token is a success.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		if cookie, err := r.Cookie(sessionCookie); err == nil {
			raw = cookie.Value
		}
	}
	if raw != "" {
		if err := h.authenticator.Logout(r.Context(), raw); err != nil {
			h.logger.Warn("logout error", zap.Error(err))
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
	})
	NoContent(w)
}

// Me handles GET /api/v1/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if principal == nil {
		ErrUnauthorized(w)
		return
	}
	Ok(w, userToResponse(principal.User))
}

type createTokenRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createTokenResponse struct {
	apiTokenResponse
	// Token is the raw credential, shown exactly once.
	Token string `json:"token"`
}

// CreateToken handles POST /api/v1/tokens. Requested scopes must already be
// held by the caller; escalation attempts are rejected.
func (h *AuthHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if principal == nil {
		ErrUnauthorized(w)
		return
	}

	var req createTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "token name is required")
		return
	}

	token, raw, err := h.authenticator.CreateAPIToken(r.Context(), principal.User.ID, req.Name, req.Scopes, req.ExpiresAt)
	if err != nil {
		Error(w, err)
		return
	}
	Created(w, createTokenResponse{
		apiTokenResponse: apiTokenToResponse(token),
		Token:            raw,
	})
}

// ListTokens handles GET /api/v1/tokens.
func (h *AuthHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if principal == nil {
		ErrUnauthorized(w)
		return
	}

	tokens, err := h.authenticator.ListAPITokens(r.Context(), principal.User.ID)
	if err != nil {
		Error(w, err)
		return
	}

	items := make([]apiTokenResponse, len(tokens))
	for i := range tokens {
		items[i] = apiTokenToResponse(&tokens[i])
	}
	Ok(w, envelope{"items": items})
}

// RevokeToken handles DELETE /api/v1/tokens/{id}. Only the owner may revoke.
func (h *AuthHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if principal == nil {
		ErrUnauthorized(w)
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.authenticator.RevokeAPIToken(r.Context(), principal.User.ID, id); err != nil {
		Error(w, err)
		return
	}
	NoContent(w)
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

type userResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Email       string     `json:"email,omitempty"`
	Kind        string     `json:"kind"`
	IsActive    bool       `json:"is_active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func userToResponse(u *db.User) userResponse {
	return userResponse{
		ID:          u.ID.String(),
		Name:        u.Name,
		Email:       u.Email,
		Kind:        u.Kind,
		IsActive:    u.IsActive,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

type apiTokenResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Scopes    string     `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func apiTokenToResponse(t *db.ApiToken) apiTokenResponse {
	return apiTokenResponse{
		ID:        t.ID.String(),
		Name:      t.Name,
		Scopes:    t.Scopes,
		ExpiresAt: t.ExpiresAt,
		CreatedAt: t.CreatedAt,
	}
}
