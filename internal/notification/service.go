// Package notification creates and delivers in-app notifications. Rows are
// persisted first, then pushed to connected clients through the stream hub
// and optionally relayed by email. External delivery is best effort: failures
// are logged and swallowed so they never affect the triggering operation.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
	"github.com/platform-io/platform/internal/stream"
)

// Notification types emitted by the platform.
const (
	TypeSessionCompleted = "session_completed"
	TypeSessionFailed    = "session_failed"
	TypeDeploySynced     = "deployment_synced"
	TypeDeployFailed     = "deployment_failed"
	TypePreviewExpired   = "preview_expired"
)

// Service is the single entry point for creating and delivering
// notifications. Callers use the typed methods so content stays consistent
// across the codebase.
type Service struct {
	notifications repositories.NotificationRepository
	users         repositories.UserRepository
	hub           *stream.Hub
	email         *emailSender
	logger        *zap.Logger
}

// Config holds the dependencies and SMTP relay settings for a Service.
// An empty SMTPHost disables email delivery.
type Config struct {
	Notifications repositories.NotificationRepository
	Users         repositories.UserRepository
	Hub           *stream.Hub
	Logger        *zap.Logger

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
}

func NewService(cfg Config) *Service {
	return &Service{
		notifications: cfg.Notifications,
		users:         cfg.Users,
		hub:           cfg.Hub,
		email:         newEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword),
		logger:        cfg.Logger.Named("notification"),
	}
}

// NotifySessionCompleted tells the session owner their agent run finished.
func (s *Service) NotifySessionCompleted(ctx context.Context, userID, sessionID uuid.UUID, costTokens *int64) error {
	subject := fmt.Sprintf("Agent session %s completed", shortID(sessionID))
	if costTokens != nil {
		subject = fmt.Sprintf("Agent session %s completed (%d tokens)", shortID(sessionID), *costTokens)
	}
	return s.notify(ctx, userID, TypeSessionCompleted, subject)
}

// NotifySessionFailed tells the session owner their agent run failed.
func (s *Service) NotifySessionFailed(ctx context.Context, userID, sessionID uuid.UUID) error {
	return s.notify(ctx, userID, TypeSessionFailed,
		fmt.Sprintf("Agent session %s failed", shortID(sessionID)))
}

// NotifyDeploymentSynced tells the project owner a rollout became healthy.
func (s *Service) NotifyDeploymentSynced(ctx context.Context, userID uuid.UUID, projectName, environment string) error {
	return s.notify(ctx, userID, TypeDeploySynced,
		fmt.Sprintf("Deployment of %s to %s is healthy", projectName, environment))
}

// NotifyDeploymentFailed tells the project owner a rollout missed its deadline.
func (s *Service) NotifyDeploymentFailed(ctx context.Context, userID uuid.UUID, projectName, environment string) error {
	return s.notify(ctx, userID, TypeDeployFailed,
		fmt.Sprintf("Deployment of %s to %s failed", projectName, environment))
}

// NotifyPreviewExpired tells the project owner a preview was torn down.
func (s *Service) NotifyPreviewExpired(ctx context.Context, userID uuid.UUID, projectName, branch string) error {
	return s.notify(ctx, userID, TypePreviewExpired,
		fmt.Sprintf("Preview of %s branch %q expired", projectName, branch))
}

// notify persists the row, pushes it to the hub and fans out to email. Only
// the persistence error is returned; delivery failures are logged.
func (s *Service) notify(ctx context.Context, userID uuid.UUID, notifType, subject string) error {
	n := &db.Notification{
		UserID:  userID,
		Type:    notifType,
		Subject: subject,
		Channel: "in_app",
		Status:  db.NotifPending,
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		return fmt.Errorf("notification: persist: %w", err)
	}

	topic := fmt.Sprintf("notifications:%s", userID)
	s.hub.Publish(topic, stream.Message{
		Type:  stream.MsgNotification,
		Topic: topic,
		Payload: map[string]any{
			"id":         n.ID.String(),
			"type":       n.Type,
			"subject":    n.Subject,
			"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
		},
	})

	if err := s.notifications.UpdateStatus(ctx, n.ID, db.NotifSent); err != nil {
		s.logger.Warn("failed to mark notification sent",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err))
	}

	s.sendEmail(ctx, userID, subject)
	return nil
}

// sendEmail relays the notification to the user's address when SMTP is
// configured and the user has one.
func (s *Service) sendEmail(ctx context.Context, userID uuid.UUID, subject string) {
	if !s.email.configured() {
		return
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil || user.Email == "" {
		return
	}
	if err := s.email.Send(ctx, []string{user.Email}, subject, subject); err != nil {
		s.logger.Warn("email notification delivery failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

// List returns the user's notifications, optionally only unread ones.
func (s *Service) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, opts repositories.ListOptions) ([]db.Notification, int64, error) {
	return s.notifications.ListForUser(ctx, userID, unreadOnly, opts)
}

// CountUnread returns the user's unread notification count.
func (s *Service) CountUnread(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.notifications.CountUnread(ctx, userID)
}

// MarkRead marks one of the user's notifications read. Notifications of
// other users are indistinguishable from missing ones.
func (s *Service) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	if err := s.notifications.MarkRead(ctx, id, userID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return platerr.New(platerr.KindNotFound, "notification not found")
		}
		return fmt.Errorf("notification: mark read: %w", err)
	}
	return nil
}

// MarkAllRead marks every unread notification of the user read.
func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) error {
	if err := s.notifications.MarkAllRead(ctx, userID); err != nil {
		return fmt.Errorf("notification: mark all read: %w", err)
	}
	return nil
}

// shortID is the compact session id used in subjects.
func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
