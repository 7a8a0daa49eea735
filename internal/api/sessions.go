package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/agent"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/stream"
)

// SessionHandler exposes agent session lifecycle endpoints plus the
// per-session event stream.
type SessionHandler struct {
	controller *agent.Controller
	hub        *stream.Hub
	logger     *zap.Logger
}

func NewSessionHandler(controller *agent.Controller, hub *stream.Hub, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		controller: controller,
		hub:        hub,
		logger:     logger.Named("session_handler"),
	}
}

type createSessionRequest struct {
	Prompt   string   `json:"prompt"`
	Branch   string   `json:"branch"`
	Provider string   `json:"provider"`
	Scopes   []string `json:"scopes"`
}

// Create handles POST /api/v1/projects/{id}/sessions.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.controller.Create(r.Context(), principalFromCtx(r.Context()), agent.CreateRequest{
		ProjectID: projectID,
		Prompt:    req.Prompt,
		Branch:    req.Branch,
		Provider:  req.Provider,
		Scopes:    req.Scopes,
	})
	if err != nil {
		Error(w, err)
		return
	}
	Created(w, sessionToResponse(session))
}

// Get handles GET /api/v1/sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	session, err := h.controller.Get(r.Context(), principalFromCtx(r.Context()), id)
	if err != nil {
		Error(w, err)
		return
	}
	Ok(w, sessionToResponse(session))
}

// ListByProject handles GET /api/v1/projects/{id}/sessions.
func (h *SessionHandler) ListByProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	sessions, total, err := h.controller.ListByProject(r.Context(), principalFromCtx(r.Context()), projectID, paginationOpts(r))
	if err != nil {
		Error(w, err)
		return
	}
	items := make([]sessionResponse, len(sessions))
	for i := range sessions {
		items[i] = sessionToResponse(&sessions[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// Stop handles POST /api/v1/sessions/{id}/stop. Stopping a finished session
// is a no-op success.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.controller.Stop(r.Context(), principalFromCtx(r.Context()), id); err != nil {
		Error(w, err)
		return
	}
	NoContent(w)
}

// Events handles GET /api/v1/sessions/{id}/events: a WebSocket pushing the
// session's parsed progress events. The controller's Get applies the same
// read authorization as the REST endpoints before the upgrade.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.controller.Get(r.Context(), principalFromCtx(r.Context()), id); err != nil {
		Error(w, err)
		return
	}

	client, err := stream.NewClient(h.hub, w, r, []string{"session:" + id.String()}, h.logger)
	if err != nil {
		// Upgrade failure has already written the response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

type sessionResponse struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	UserID     string     `json:"user_id"`
	Prompt     string     `json:"prompt"`
	Provider   string     `json:"provider"`
	Branch     string     `json:"branch"`
	Status     string     `json:"status"`
	CostTokens *int64     `json:"cost_tokens,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func sessionToResponse(s *db.AgentSession) sessionResponse {
	return sessionResponse{
		ID:         s.ID.String(),
		ProjectID:  s.ProjectID.String(),
		UserID:     s.UserID.String(),
		Prompt:     s.Prompt,
		Provider:   s.Provider,
		Branch:     s.Branch,
		Status:     s.Status,
		CostTokens: s.CostTokens,
		CreatedAt:  s.CreatedAt,
		FinishedAt: s.FinishedAt,
	}
}
