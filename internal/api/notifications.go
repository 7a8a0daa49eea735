package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/notification"
)

// NotificationHandler serves the authenticated user's notifications. Each
// user only sees and manages their own.
type NotificationHandler struct {
	service *notification.Service
	logger  *zap.Logger
}

func NewNotificationHandler(service *notification.Service, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.Named("notification_handler"),
	}
}

// List handles GET /api/v1/notifications. ?unread=true filters to unread.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if principal == nil {
		ErrUnauthorized(w)
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"
	rows, total, err := h.service.List(r.Context(), principal.User.ID, unreadOnly, paginationOpts(r))
	if err != nil {
		h.logger.Error("notification list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]notificationResponse, len(rows))
	for i := range rows {
		items[i] = notificationToResponse(&rows[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// UnreadCount handles GET /api/v1/notifications/unread-count.
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if principal == nil {
		ErrUnauthorized(w)
		return
	}

	count, err := h.service.CountUnread(r.Context(), principal.User.ID)
	if err != nil {
		h.logger.Error("unread count failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"count": count})
}

// MarkRead handles PATCH /api/v1/notifications/{id}/read.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if principal == nil {
		ErrUnauthorized(w)
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.MarkRead(r.Context(), id, principal.User.ID); err != nil {
		Error(w, err)
		return
	}
	NoContent(w)
}

// MarkAllRead handles PATCH /api/v1/notifications/read-all.
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if principal == nil {
		ErrUnauthorized(w)
		return
	}

	if err := h.service.MarkAllRead(r.Context(), principal.User.ID); err != nil {
		Error(w, err)
		return
	}
	NoContent(w)
}

type notificationResponse struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Subject   string    `json:"subject"`
	Channel   string    `json:"channel"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func notificationToResponse(n *db.Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID.String(),
		Type:      n.Type,
		Subject:   n.Subject,
		Channel:   n.Channel,
		Status:    n.Status,
		CreatedAt: n.CreatedAt,
	}
}
