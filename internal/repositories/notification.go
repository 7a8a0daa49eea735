package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/platform-io/platform/internal/db"
)

// gormNotificationRepository is the GORM implementation of NotificationRepository.
type gormNotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository returns a NotificationRepository backed by GORM.
func NewNotificationRepository(database *gorm.DB) NotificationRepository {
	return &gormNotificationRepository{db: database}
}

func (r *gormNotificationRepository) Create(ctx context.Context, n *db.Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("notifications: create: %w", err)
	}
	return nil
}

func (r *gormNotificationRepository) ListForUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, opts ListOptions) ([]db.Notification, int64, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("status <> ?", db.NotifRead)
	}

	var total int64
	if err := q.Model(&db.Notification{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("notifications: list count: %w", err)
	}

	var out []db.Notification
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("notifications: list for user: %w", err)
	}
	return out, total, nil
}

func (r *gormNotificationRepository) CountUnread(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("user_id = ? AND status <> ?", userID, db.NotifRead).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("notifications: count unread: %w", err)
	}
	return count, nil
}

// MarkRead scopes by user so one user cannot mark another's notification.
func (r *gormNotificationRepository) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("status", db.NotifRead)
	if result.Error != nil {
		return fmt.Errorf("notifications: mark read: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormNotificationRepository) MarkAllRead(ctx context.Context, userID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("user_id = ? AND status <> ?", userID, db.NotifRead).
		Update("status", db.NotifRead).Error; err != nil {
		return fmt.Errorf("notifications: mark all read: %w", err)
	}
	return nil
}

func (r *gormNotificationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("notifications: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
