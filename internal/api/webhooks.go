package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/repositories"
	"github.com/platform-io/platform/internal/webhook"
)

// WebhookHandler manages outbound webhook registrations. Target URLs are
// validated against internal address space at registration time; the
// dispatcher re-checks at dial time.
type WebhookHandler struct {
	webhooks repositories.WebhookRepository
	engine   *authz.Engine
	logger   *zap.Logger
}

func NewWebhookHandler(webhooks repositories.WebhookRepository, engine *authz.Engine, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhooks: webhooks,
		engine:   engine,
		logger:   logger.Named("webhook_handler"),
	}
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type updateWebhookRequest struct {
	URL    *string   `json:"url"`
	Events *[]string `json:"events"`
	Secret *string   `json:"secret"`
}

// Create handles POST /api/v1/projects/{id}/webhooks.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	principal := principalFromCtx(r.Context())
	if err := h.engine.Require(r.Context(), principal, authz.PermWebhookManage, &projectID); err != nil {
		Error(w, err)
		return
	}

	var req createWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := webhook.ValidateURL(r.Context(), req.URL); err != nil {
		Error(w, err)
		return
	}

	hook := &db.Webhook{
		ProjectID: projectID,
		URL:       req.URL,
		Events:    strings.Join(req.Events, " "),
		Secret:    db.EncryptedString(req.Secret),
	}
	if err := h.webhooks.Create(r.Context(), hook); err != nil {
		h.logger.Error("webhook create failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, webhookToResponse(hook))
}

// List handles GET /api/v1/projects/{id}/webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	principal := principalFromCtx(r.Context())
	if err := h.engine.Require(r.Context(), principal, authz.PermWebhookManage, &projectID); err != nil {
		Error(w, err)
		return
	}

	hooks, err := h.webhooks.ListByProject(r.Context(), projectID)
	if err != nil {
		h.logger.Error("webhook list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]webhookResponse, len(hooks))
	for i := range hooks {
		items[i] = webhookToResponse(&hooks[i])
	}
	Ok(w, envelope{"items": items})
}

// Update handles PATCH /api/v1/webhooks/{id}.
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.authorized(w, r)
	if !ok {
		return
	}

	var req updateWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL != nil {
		if err := webhook.ValidateURL(r.Context(), *req.URL); err != nil {
			Error(w, err)
			return
		}
		hook.URL = *req.URL
	}
	if req.Events != nil {
		hook.Events = strings.Join(*req.Events, " ")
	}
	if req.Secret != nil {
		hook.Secret = db.EncryptedString(*req.Secret)
	}

	if err := h.webhooks.Update(r.Context(), hook); err != nil {
		h.logger.Error("webhook update failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, webhookToResponse(hook))
}

// Delete handles DELETE /api/v1/webhooks/{id}.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.authorized(w, r)
	if !ok {
		return
	}
	if err := h.webhooks.Delete(r.Context(), hook.ID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Error("webhook delete failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// authorized loads the webhook named in the URL and checks webhook:manage
// on its project. A webhook in a concealed project reads as absent.
func (h *WebhookHandler) authorized(w http.ResponseWriter, r *http.Request) (*db.Webhook, bool) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return nil, false
	}
	hook, err := h.webhooks.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("webhook lookup failed", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}

	principal := principalFromCtx(r.Context())
	if err := h.engine.Require(r.Context(), principal, authz.PermWebhookManage, &hook.ProjectID); err != nil {
		Error(w, err)
		return nil, false
	}
	return hook, true
}

// webhookResponse never includes the signing secret.
type webhookResponse struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	HasSecret bool      `json:"has_secret"`
	CreatedAt time.Time `json:"created_at"`
}

func webhookToResponse(hook *db.Webhook) webhookResponse {
	return webhookResponse{
		ID:        hook.ID.String(),
		ProjectID: hook.ProjectID.String(),
		URL:       hook.URL,
		Events:    strings.Fields(hook.Events),
		HasSecret: hook.Secret != "",
		CreatedAt: hook.CreatedAt,
	}
}
