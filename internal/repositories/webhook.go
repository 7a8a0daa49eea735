package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/platform-io/platform/internal/db"
)

// gormWebhookRepository is the GORM implementation of WebhookRepository.
type gormWebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository returns a WebhookRepository backed by GORM.
func NewWebhookRepository(database *gorm.DB) WebhookRepository {
	return &gormWebhookRepository{db: database}
}

func (r *gormWebhookRepository) Create(ctx context.Context, w *db.Webhook) error {
	if err := r.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

func (r *gormWebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error) {
	var w db.Webhook
	err := r.db.WithContext(ctx).First(&w, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get by id: %w", err)
	}
	return &w, nil
}

func (r *gormWebhookRepository) Update(ctx context.Context, w *db.Webhook) error {
	result := r.db.WithContext(ctx).Save(w)
	if result.Error != nil {
		return fmt.Errorf("webhooks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Webhook{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("webhooks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWebhookRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]db.Webhook, error) {
	var out []db.Webhook
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("webhooks: list by project: %w", err)
	}
	return out, nil
}

// ListMatching filters the subscription set in Go rather than SQL so the
// space-separated events column stays portable across SQLite and Postgres.
func (r *gormWebhookRepository) ListMatching(ctx context.Context, projectID uuid.UUID, event string) ([]db.Webhook, error) {
	hooks, err := r.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	matched := hooks[:0]
	for _, h := range hooks {
		if subscribes(h.Events, event) {
			matched = append(matched, h)
		}
	}
	return matched, nil
}

func (r *gormWebhookRepository) RecordAttempt(ctx context.Context, attempt *db.WebhookAttempt) error {
	if err := r.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("webhooks: record attempt: %w", err)
	}
	return nil
}

// subscribes reports whether the space-separated events set includes the
// event. An empty set subscribes to everything.
func subscribes(events, event string) bool {
	events = strings.TrimSpace(events)
	if events == "" {
		return true
	}
	for _, e := range strings.Fields(events) {
		if e == event {
			return true
		}
	}
	return false
}
