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

// gormAgentSessionRepository is the GORM implementation of AgentSessionRepository.
type gormAgentSessionRepository struct {
	db *gorm.DB
}

// NewAgentSessionRepository returns an AgentSessionRepository backed by GORM.
func NewAgentSessionRepository(database *gorm.DB) AgentSessionRepository {
	return &gormAgentSessionRepository{db: database}
}

func (r *gormAgentSessionRepository) Create(ctx context.Context, session *db.AgentSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("agent_sessions: create: %w", err)
	}
	return nil
}

func (r *gormAgentSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AgentSession, error) {
	var session db.AgentSession
	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent_sessions: get by id: %w", err)
	}
	return &session, nil
}

func (r *gormAgentSessionRepository) Update(ctx context.Context, session *db.AgentSession) error {
	result := r.db.WithContext(ctx).Save(session)
	if result.Error != nil {
		return fmt.Errorf("agent_sessions: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAgentSessionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.AgentSession{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("agent_sessions: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish records a terminal status. The status and finished_at writes are
// guarded so a second reaper pass cannot flip completed to failed or move
// the finish timestamp; cost is filled in whenever it is still missing.
func (r *gormAgentSessionRepository) Finish(ctx context.Context, id uuid.UUID, status string, costTokens *int64, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session db.AgentSession
		if err := tx.First(&session, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("agent_sessions: finish: %w", err)
		}

		updates := map[string]interface{}{}
		if session.FinishedAt == nil {
			updates["status"] = status
			updates["finished_at"] = at
		}
		if session.CostTokens == nil && costTokens != nil {
			updates["cost_tokens"] = *costTokens
		}
		if len(updates) == 0 {
			return nil
		}

		if err := tx.Model(&db.AgentSession{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("agent_sessions: finish: %w", err)
		}
		return nil
	})
}

func (r *gormAgentSessionRepository) ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.AgentSession, int64, error) {
	var sessions []db.AgentSession
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.AgentSession{}).
		Where("project_id = ?", projectID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agent_sessions: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("agent_sessions: list by project: %w", err)
	}

	return sessions, total, nil
}

// ListRunning returns sessions the reaper must watch: anything not yet in a
// terminal status that has a pod assigned.
func (r *gormAgentSessionRepository) ListRunning(ctx context.Context) ([]db.AgentSession, error) {
	var sessions []db.AgentSession
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []string{db.SessionStatusPending, db.SessionStatusRunning}).
		Where("pod_name <> ''").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("agent_sessions: list running: %w", err)
	}
	return sessions, nil
}
