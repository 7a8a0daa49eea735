package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

// UserHandler covers admin user management. All routes require admin:users.
type UserHandler struct {
	users         repositories.UserRepository
	authenticator *auth.Authenticator
	engine        *authz.Engine
	logger        *zap.Logger
}

func NewUserHandler(users repositories.UserRepository, authenticator *auth.Authenticator, engine *authz.Engine, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		users:         users,
		authenticator: authenticator,
		engine:        engine,
		logger:        logger.Named("user_handler"),
	}
}

func (h *UserHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	principal := principalFromCtx(r.Context())
	if err := h.engine.Require(r.Context(), principal, authz.PermAdminUsers, nil); err != nil {
		Error(w, err)
		return false
	}
	return true
}

type createUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Kind     string `json:"kind"`
}

// Create handles POST /api/v1/users.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = db.UserKindHuman
	}
	if kind != db.UserKindHuman && kind != db.UserKindServiceAccount {
		ErrBadRequest(w, "kind must be human or service_account")
		return
	}
	if kind == db.UserKindHuman && req.Password == "" {
		ErrBadRequest(w, "password is required for human users")
		return
	}

	user := &db.User{
		Name:     req.Name,
		Email:    req.Email,
		Kind:     kind,
		IsActive: true,
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			h.logger.Error("password hash failed", zap.Error(err))
			ErrInternal(w)
			return
		}
		user.PasswordHash = hash
	}

	if err := h.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			Error(w, platerr.New(platerr.KindConflict, "user name already taken"))
			return
		}
		h.logger.Error("user create failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, userToResponse(user))
}

// List handles GET /api/v1/users.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	users, total, err := h.users.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("user list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]userResponse, len(users))
	for i := range users {
		items[i] = userToResponse(&users[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// Get handles GET /api/v1/users/{id}.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("user lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, userToResponse(user))
}

// Deactivate handles POST /api/v1/users/{id}/deactivate. Existing sessions
// and API tokens stop working immediately and the permission cache entry is
// dropped.
func (h *UserHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	principal := principalFromCtx(r.Context())
	if principal != nil && principal.User.ID == id {
		ErrBadRequest(w, "cannot deactivate your own account")
		return
	}

	if err := h.users.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("user deactivate failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.authenticator.RevokeCredentials(r.Context(), id); err != nil {
		h.logger.Error("credential revocation failed", zap.String("user_id", id.String()), zap.Error(err))
	}
	h.engine.InvalidateUser(r.Context(), id)
	NoContent(w)
}
