package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

// RoleHandler covers role management and delegations. Role routes require
// admin:roles; delegation checks live in the engine itself.
type RoleHandler struct {
	roles  repositories.RoleRepository
	engine *authz.Engine
	logger *zap.Logger
}

func NewRoleHandler(roles repositories.RoleRepository, engine *authz.Engine, logger *zap.Logger) *RoleHandler {
	return &RoleHandler{
		roles:  roles,
		engine: engine,
		logger: logger.Named("role_handler"),
	}
}

func (h *RoleHandler) requireRoleAdmin(w http.ResponseWriter, r *http.Request) bool {
	principal := principalFromCtx(r.Context())
	if err := h.engine.Require(r.Context(), principal, authz.PermAdminRoles, nil); err != nil {
		Error(w, err)
		return false
	}
	return true
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// Create handles POST /api/v1/roles.
func (h *RoleHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.requireRoleAdmin(w, r) {
		return
	}
	var req createRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	for _, p := range req.Permissions {
		if !authz.ValidPermission(p) {
			Error(w, platerr.Newf(platerr.KindBadRequest, "unknown permission %q", p))
			return
		}
	}

	role := &db.Role{Name: req.Name, Description: req.Description}
	if err := h.roles.Create(r.Context(), role, req.Permissions); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			Error(w, platerr.Newf(platerr.KindConflict, "role %q already exists", req.Name))
			return
		}
		h.logger.Error("role create failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, roleToResponse(role, req.Permissions))
}

// List handles GET /api/v1/roles. Each role carries its permission set.
func (h *RoleHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.requireRoleAdmin(w, r) {
		return
	}
	roles, err := h.roles.List(r.Context())
	if err != nil {
		h.logger.Error("role list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]roleResponse, 0, len(roles))
	for i := range roles {
		perms, err := h.roles.Permissions(r.Context(), roles[i].ID)
		if err != nil {
			h.logger.Error("role permissions lookup failed", zap.Error(err))
			ErrInternal(w)
			return
		}
		items = append(items, roleToResponse(&roles[i], perms))
	}
	Ok(w, envelope{"items": items})
}

// Delete handles DELETE /api/v1/roles/{id}. System roles cannot be deleted.
func (h *RoleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.requireRoleAdmin(w, r) {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	role, err := h.roles.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("role lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if role.IsSystem {
		Error(w, platerr.New(platerr.KindConflict, "system roles cannot be deleted"))
		return
	}
	if err := h.roles.Delete(r.Context(), id); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Error("role delete failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

type assignRoleRequest struct {
	UserID    uuid.UUID  `json:"user_id"`
	ProjectID *uuid.UUID `json:"project_id"`
}

// Assign handles POST /api/v1/roles/{id}/assignments. A nil project_id
// makes the assignment global.
func (h *RoleHandler) Assign(w http.ResponseWriter, r *http.Request) {
	if !h.requireRoleAdmin(w, r) {
		return
	}
	roleID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req assignRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		ErrBadRequest(w, "user_id is required")
		return
	}

	assignment := &db.RoleAssignment{UserID: req.UserID, RoleID: roleID, ProjectID: req.ProjectID}
	if err := h.roles.Assign(r.Context(), assignment); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			Error(w, platerr.New(platerr.KindConflict, "role already assigned at this scope"))
			return
		}
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("role assign failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.engine.InvalidateUser(r.Context(), req.UserID)
	Created(w, assignmentToResponse(assignment))
}

// Unassign handles DELETE /api/v1/roles/{id}/assignments. The scope in the
// body must match the assignment being removed.
func (h *RoleHandler) Unassign(w http.ResponseWriter, r *http.Request) {
	if !h.requireRoleAdmin(w, r) {
		return
	}
	roleID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req assignRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		ErrBadRequest(w, "user_id is required")
		return
	}

	if err := h.roles.Unassign(r.Context(), req.UserID, roleID, req.ProjectID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("role unassign failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.engine.InvalidateUser(r.Context(), req.UserID)
	NoContent(w)
}

type createDelegationRequest struct {
	DelegateID uuid.UUID  `json:"delegate_id"`
	Permission string     `json:"permission"`
	ProjectID  *uuid.UUID `json:"project_id"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Delegate handles POST /api/v1/delegations. The engine enforces that the
// delegator holds admin:delegate plus the delegated permission at the scope.
func (h *RoleHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	var req createDelegationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DelegateID == uuid.Nil {
		ErrBadRequest(w, "delegate_id is required")
		return
	}

	principal := principalFromCtx(r.Context())
	d, err := h.engine.Delegate(r.Context(), principal, req.DelegateID, req.Permission, req.ProjectID, req.ExpiresAt)
	if err != nil {
		Error(w, err)
		return
	}
	Created(w, delegationToResponse(d))
}

// RevokeDelegation handles DELETE /api/v1/delegations/{id}.
func (h *RoleHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.RevokeDelegation(r.Context(), principalFromCtx(r.Context()), id); err != nil {
		Error(w, err)
		return
	}
	NoContent(w)
}

type roleResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	IsSystem    bool     `json:"is_system"`
	Permissions []string `json:"permissions"`
}

func roleToResponse(role *db.Role, permissions []string) roleResponse {
	if permissions == nil {
		permissions = []string{}
	}
	return roleResponse{
		ID:          role.ID.String(),
		Name:        role.Name,
		Description: role.Description,
		IsSystem:    role.IsSystem,
		Permissions: permissions,
	}
}

type assignmentResponse struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	RoleID    string  `json:"role_id"`
	ProjectID *string `json:"project_id,omitempty"`
}

func assignmentToResponse(a *db.RoleAssignment) assignmentResponse {
	resp := assignmentResponse{
		ID:     a.ID.String(),
		UserID: a.UserID.String(),
		RoleID: a.RoleID.String(),
	}
	if a.ProjectID != nil {
		s := a.ProjectID.String()
		resp.ProjectID = &s
	}
	return resp
}

type delegationResponse struct {
	ID          string    `json:"id"`
	DelegatorID string    `json:"delegator_id"`
	DelegateID  string    `json:"delegate_id"`
	Permission  string    `json:"permission"`
	ProjectID   *string   `json:"project_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func delegationToResponse(d *db.Delegation) delegationResponse {
	resp := delegationResponse{
		ID:          d.ID.String(),
		DelegatorID: d.DelegatorID.String(),
		DelegateID:  d.DelegateID.String(),
		Permission:  d.Permission,
		ExpiresAt:   d.ExpiresAt,
	}
	if d.ProjectID != nil {
		s := d.ProjectID.String()
		resp.ProjectID = &s
	}
	return resp
}
