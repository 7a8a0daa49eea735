package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/platform-io/platform/internal/db"
)

// gormAuthSessionRepository is the GORM implementation of AuthSessionRepository.
type gormAuthSessionRepository struct {
	db *gorm.DB
}

// NewAuthSessionRepository returns an AuthSessionRepository backed by GORM.
func NewAuthSessionRepository(database *gorm.DB) AuthSessionRepository {
	return &gormAuthSessionRepository{db: database}
}

func (r *gormAuthSessionRepository) Create(ctx context.Context, session *db.AuthSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("auth_sessions: create: %w", err)
	}
	return nil
}

func (r *gormAuthSessionRepository) GetByHash(ctx context.Context, hash string) (*db.AuthSession, error) {
	var session db.AuthSession
	err := r.db.WithContext(ctx).First(&session, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("auth_sessions: get by hash: %w", err)
	}
	return &session, nil
}

func (r *gormAuthSessionRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.AuthSession{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("auth_sessions: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAuthSessionRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Model(&db.AuthSession{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", time.Now()).Error; err != nil {
		return fmt.Errorf("auth_sessions: revoke all for user: %w", err)
	}
	return nil
}

// DeleteExpired hard-deletes sessions past their expiry. Run periodically so
// the table does not grow without bound.
func (r *gormAuthSessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&db.AuthSession{})
	if result.Error != nil {
		return 0, fmt.Errorf("auth_sessions: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// gormApiTokenRepository is the GORM implementation of ApiTokenRepository.
type gormApiTokenRepository struct {
	db *gorm.DB
}

// NewApiTokenRepository returns an ApiTokenRepository backed by GORM.
func NewApiTokenRepository(database *gorm.DB) ApiTokenRepository {
	return &gormApiTokenRepository{db: database}
}

func (r *gormApiTokenRepository) Create(ctx context.Context, token *db.ApiToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("api_tokens: create: %w", err)
	}
	return nil
}

func (r *gormApiTokenRepository) GetByHash(ctx context.Context, hash string) (*db.ApiToken, error) {
	var token db.ApiToken
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api_tokens: get by hash: %w", err)
	}
	return &token, nil
}

func (r *gormApiTokenRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ApiToken, error) {
	var token db.ApiToken
	err := r.db.WithContext(ctx).First(&token, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api_tokens: get by id: %w", err)
	}
	return &token, nil
}

func (r *gormApiTokenRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.ApiToken, error) {
	var tokens []db.ApiToken
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("api_tokens: list by user: %w", err)
	}
	return tokens, nil
}

func (r *gormApiTokenRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.ApiToken{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("api_tokens: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormApiTokenRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Model(&db.ApiToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", time.Now()).Error; err != nil {
		return fmt.Errorf("api_tokens: revoke all for user: %w", err)
	}
	return nil
}
