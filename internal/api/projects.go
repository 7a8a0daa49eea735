package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

// validProjectName keeps project names usable as repo directory names and
// workload label values.
var validProjectName = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ProjectHandler groups project CRUD. Reads of private projects by
// principals without access are concealed as 404 by the permission engine.
type ProjectHandler struct {
	projects repositories.ProjectRepository
	engine   *authz.Engine
	gitRoot  string
	logger   *zap.Logger
}

func NewProjectHandler(projects repositories.ProjectRepository, engine *authz.Engine, gitRoot string, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{
		projects: projects,
		engine:   engine,
		gitRoot:  gitRoot,
		logger:   logger.Named("project_handler"),
	}
}

type createProjectRequest struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
}

type updateProjectRequest struct {
	Visibility *string `json:"visibility"`
}

// Create handles POST /api/v1/projects. The caller becomes the owner.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := h.engine.Require(r.Context(), principal, authz.PermProjectWrite, nil); err != nil {
		Error(w, err)
		return
	}

	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validProjectName.MatchString(req.Name) {
		ErrBadRequest(w, "project name must be a lowercase DNS label")
		return
	}
	if req.Visibility == "" {
		req.Visibility = db.VisibilityPrivate
	}
	if req.Visibility != db.VisibilityPublic && req.Visibility != db.VisibilityPrivate {
		ErrBadRequest(w, "visibility must be public or private")
		return
	}

	project := &db.Project{
		Name:       req.Name,
		OwnerID:    principal.User.ID,
		Visibility: req.Visibility,
		RepoPath:   filepath.Join(h.gitRoot, req.Name+".git"),
	}
	if err := h.projects.Create(r.Context(), project); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			Error(w, platerr.Newf(platerr.KindConflict, "project %q already exists", req.Name))
			return
		}
		h.logger.Error("project create failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, projectToResponse(project))
}

// Get handles GET /api/v1/projects/{id}.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	principal := principalFromCtx(r.Context())
	if err := h.engine.Require(r.Context(), principal, authz.PermProjectRead, &id); err != nil {
		Error(w, err)
		return
	}

	project, err := h.projects.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("project lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, projectToResponse(project))
}

// List handles GET /api/v1/projects. Only projects the caller can read are
// returned, so the listing never discloses concealed projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if principal == nil {
		ErrUnauthorized(w)
		return
	}

	projects, _, err := h.projects.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("project list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]projectResponse, 0, len(projects))
	for i := range projects {
		p := &projects[i]
		if h.engine.Require(r.Context(), principal, authz.PermProjectRead, &p.ID) != nil {
			continue
		}
		items = append(items, projectToResponse(p))
	}
	Ok(w, envelope{"items": items})
}

// Update handles PATCH /api/v1/projects/{id}.
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	principal := principalFromCtx(r.Context())
	if err := h.engine.Require(r.Context(), principal, authz.PermProjectWrite, &id); err != nil {
		Error(w, err)
		return
	}

	var req updateProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	project, err := h.projects.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("project lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Visibility != nil {
		if *req.Visibility != db.VisibilityPublic && *req.Visibility != db.VisibilityPrivate {
			ErrBadRequest(w, "visibility must be public or private")
			return
		}
		project.Visibility = *req.Visibility
	}

	if err := h.projects.Update(r.Context(), project); err != nil {
		h.logger.Error("project update failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, projectToResponse(project))
}

// Delete handles DELETE /api/v1/projects/{id}. Soft delete; secrets and
// deployments stay behind for audit.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	principal := principalFromCtx(r.Context())
	if err := h.engine.Require(r.Context(), principal, authz.PermProjectWrite, &id); err != nil {
		Error(w, err)
		return
	}

	if err := h.projects.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("project delete failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

type projectResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OwnerID    string    `json:"owner_id"`
	Visibility string    `json:"visibility"`
	RepoPath   string    `json:"repo_path"`
	CreatedAt  time.Time `json:"created_at"`
}

func projectToResponse(p *db.Project) projectResponse {
	return projectResponse{
		ID:         p.ID.String(),
		Name:       p.Name,
		OwnerID:    p.OwnerID.String(),
		Visibility: p.Visibility,
		RepoPath:   p.RepoPath,
		CreatedAt:  p.CreatedAt,
	}
}
