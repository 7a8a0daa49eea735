package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/deploy"
)

// DeploymentHandler exposes deployment and preview declaration endpoints.
// Handlers only declare desired state; the reconciler converges the cluster.
type DeploymentHandler struct {
	service *deploy.Service
	logger  *zap.Logger
}

func NewDeploymentHandler(service *deploy.Service, logger *zap.Logger) *DeploymentHandler {
	return &DeploymentHandler{
		service: service,
		logger:  logger.Named("deployment_handler"),
	}
}

type deployRequest struct {
	Environment string `json:"environment"`
	ImageRef    string `json:"image_ref"`
}

// Deploy handles POST /api/v1/projects/{id}/deployments.
func (h *DeploymentHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req deployRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Environment == "" || req.ImageRef == "" {
		ErrBadRequest(w, "environment and image_ref are required")
		return
	}

	d, err := h.service.Deploy(r.Context(), principalFromCtx(r.Context()), projectID, req.Environment, req.ImageRef)
	if err != nil {
		Error(w, err)
		return
	}
	Ok(w, deploymentToResponse(d))
}

// List handles GET /api/v1/projects/{id}/deployments.
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	deployments, err := h.service.List(r.Context(), principalFromCtx(r.Context()), projectID)
	if err != nil {
		Error(w, err)
		return
	}
	items := make([]deploymentResponse, len(deployments))
	for i := range deployments {
		items[i] = deploymentToResponse(&deployments[i])
	}
	Ok(w, envelope{"items": items})
}

// Get handles GET /api/v1/deployments/{id}.
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	d, err := h.service.Get(r.Context(), principalFromCtx(r.Context()), id)
	if err != nil {
		Error(w, err)
		return
	}
	Ok(w, deploymentToResponse(d))
}

// Stop handles POST /api/v1/deployments/{id}/stop.
func (h *DeploymentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	d, err := h.service.Stop(r.Context(), principalFromCtx(r.Context()), id)
	if err != nil {
		Error(w, err)
		return
	}
	Ok(w, deploymentToResponse(d))
}

// Rollback handles POST /api/v1/deployments/{id}/rollback. Fails fast with
// a conflict when no earlier image exists to roll back to.
func (h *DeploymentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	d, err := h.service.Rollback(r.Context(), principalFromCtx(r.Context()), id)
	if err != nil {
		Error(w, err)
		return
	}
	Ok(w, deploymentToResponse(d))
}

// History handles GET /api/v1/deployments/{id}/history.
func (h *DeploymentHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	history, err := h.service.History(r.Context(), principalFromCtx(r.Context()), id, paginationOpts(r).Limit)
	if err != nil {
		Error(w, err)
		return
	}
	items := make([]historyResponse, len(history))
	for i := range history {
		items[i] = historyToResponse(&history[i])
	}
	Ok(w, envelope{"items": items})
}

type createPreviewRequest struct {
	Branch   string `json:"branch"`
	ImageRef string `json:"image_ref"`
	TTLHours int    `json:"ttl_hours"`
}

// CreatePreview handles POST /api/v1/projects/{id}/previews.
func (h *DeploymentHandler) CreatePreview(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req createPreviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Branch == "" || req.ImageRef == "" {
		ErrBadRequest(w, "branch and image_ref are required")
		return
	}

	preview, err := h.service.CreatePreview(r.Context(), principalFromCtx(r.Context()), projectID, req.Branch, req.ImageRef, req.TTLHours)
	if err != nil {
		Error(w, err)
		return
	}
	Created(w, previewToResponse(preview))
}

// ListPreviews handles GET /api/v1/projects/{id}/previews.
func (h *DeploymentHandler) ListPreviews(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	previews, err := h.service.ListPreviews(r.Context(), principalFromCtx(r.Context()), projectID)
	if err != nil {
		Error(w, err)
		return
	}
	items := make([]previewResponse, len(previews))
	for i := range previews {
		items[i] = previewToResponse(&previews[i])
	}
	Ok(w, envelope{"items": items})
}

// StopPreview handles DELETE /api/v1/previews/{id}.
func (h *DeploymentHandler) StopPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.StopPreview(r.Context(), principalFromCtx(r.Context()), id); err != nil {
		Error(w, err)
		return
	}
	NoContent(w)
}

type mergeRequest struct {
	Branch string `json:"branch"`
}

// Merge handles POST /api/v1/projects/{id}/merge, the hook called when a
// branch merges. An existing preview for the branch is expired; an unknown
// branch is a no-op success.
func (h *DeploymentHandler) Merge(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req mergeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Branch == "" {
		ErrBadRequest(w, "branch is required")
		return
	}

	if err := h.service.HandleMerge(r.Context(), projectID, req.Branch); err != nil {
		Error(w, err)
		return
	}
	NoContent(w)
}

type deploymentResponse struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Environment   string    `json:"environment"`
	ImageRef      string    `json:"image_ref"`
	DesiredStatus string    `json:"desired_status"`
	CurrentStatus string    `json:"current_status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func deploymentToResponse(d *db.Deployment) deploymentResponse {
	return deploymentResponse{
		ID:            d.ID.String(),
		ProjectID:     d.ProjectID.String(),
		Environment:   d.Environment,
		ImageRef:      d.ImageRef,
		DesiredStatus: d.DesiredStatus,
		CurrentStatus: d.CurrentStatus,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type historyResponse struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	ImageRef  string    `json:"image_ref"`
	ActorID   string    `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}

func historyToResponse(h *db.DeploymentHistory) historyResponse {
	return historyResponse{
		ID:        h.ID.String(),
		Action:    h.Action,
		ImageRef:  h.ImageRef,
		ActorID:   h.ActorID.String(),
		CreatedAt: h.CreatedAt,
	}
}

type previewResponse struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Branch        string    `json:"branch"`
	BranchSlug    string    `json:"branch_slug"`
	ImageRef      string    `json:"image_ref"`
	DesiredStatus string    `json:"desired_status"`
	CurrentStatus string    `json:"current_status"`
	TTLHours      int       `json:"ttl_hours"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func previewToResponse(p *db.PreviewDeployment) previewResponse {
	return previewResponse{
		ID:            p.ID.String(),
		ProjectID:     p.ProjectID.String(),
		Branch:        p.Branch,
		BranchSlug:    p.BranchSlug,
		ImageRef:      p.ImageRef,
		DesiredStatus: p.DesiredStatus,
		CurrentStatus: p.CurrentStatus,
		TTLHours:      p.TTLHours,
		ExpiresAt:     p.ExpiresAt,
		CreatedAt:     p.CreatedAt,
	}
}
