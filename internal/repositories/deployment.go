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

// gormDeploymentRepository is the GORM implementation of DeploymentRepository.
type gormDeploymentRepository struct {
	db *gorm.DB
}

// NewDeploymentRepository returns a DeploymentRepository backed by GORM.
func NewDeploymentRepository(database *gorm.DB) DeploymentRepository {
	return &gormDeploymentRepository{db: database}
}

func (r *gormDeploymentRepository) Create(ctx context.Context, d *db.Deployment) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("deployments: create: %w", err)
	}
	return nil
}

func (r *gormDeploymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Deployment, error) {
	var d db.Deployment
	err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deployments: get by id: %w", err)
	}
	return &d, nil
}

func (r *gormDeploymentRepository) GetByProjectEnv(ctx context.Context, projectID uuid.UUID, environment string) (*db.Deployment, error) {
	var d db.Deployment
	err := r.db.WithContext(ctx).
		First(&d, "project_id = ? AND environment = ?", projectID, environment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deployments: get by project env: %w", err)
	}
	return &d, nil
}

func (r *gormDeploymentRepository) Update(ctx context.Context, d *db.Deployment) error {
	result := r.db.WithContext(ctx).Save(d)
	if result.Error != nil {
		return fmt.Errorf("deployments: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeploymentRepository) List(ctx context.Context, projectID uuid.UUID) ([]db.Deployment, error) {
	var out []db.Deployment
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("environment ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("deployments: list: %w", err)
	}
	return out, nil
}

// ListUnreconciled returns every deployment the reconciler still has work
// on. Any desired-state write resets current_status to pending, so pending
// and syncing rows are exactly the unconverged set.
func (r *gormDeploymentRepository) ListUnreconciled(ctx context.Context) ([]db.Deployment, error) {
	var out []db.Deployment
	if err := r.db.WithContext(ctx).
		Where("current_status IN ?", []string{db.CurrentPending, db.CurrentSyncing}).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("deployments: list unreconciled: %w", err)
	}
	return out, nil
}

func (r *gormDeploymentRepository) SetCurrentStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Deployment{}).
		Where("id = ?", id).
		Update("current_status", status)
	if result.Error != nil {
		return fmt.Errorf("deployments: set current status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeploymentRepository) AppendHistory(ctx context.Context, h *db.DeploymentHistory) error {
	if err := r.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("deployments: append history: %w", err)
	}
	return nil
}

func (r *gormDeploymentRepository) History(ctx context.Context, deploymentID uuid.UUID, limit int) ([]db.DeploymentHistory, error) {
	q := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []db.DeploymentHistory
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("deployments: history: %w", err)
	}
	return out, nil
}

func (r *gormDeploymentRepository) LatestRollbackTarget(ctx context.Context, deploymentID uuid.UUID, excludeImage string) (*db.DeploymentHistory, error) {
	var h db.DeploymentHistory
	err := r.db.WithContext(ctx).
		Where("deployment_id = ? AND action = ? AND image_ref <> ?",
			deploymentID, db.HistoryDeploy, excludeImage).
		Order("created_at DESC").
		First(&h).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deployments: latest rollback target: %w", err)
	}
	return &h, nil
}

// gormPreviewRepository is the GORM implementation of PreviewRepository.
type gormPreviewRepository struct {
	db *gorm.DB
}

// NewPreviewRepository returns a PreviewRepository backed by GORM.
func NewPreviewRepository(database *gorm.DB) PreviewRepository {
	return &gormPreviewRepository{db: database}
}

func (r *gormPreviewRepository) Create(ctx context.Context, p *db.PreviewDeployment) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("previews: create: %w", err)
	}
	return nil
}

func (r *gormPreviewRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.PreviewDeployment, error) {
	var p db.PreviewDeployment
	err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("previews: get by id: %w", err)
	}
	return &p, nil
}

func (r *gormPreviewRepository) GetByProjectBranch(ctx context.Context, projectID uuid.UUID, branch string) (*db.PreviewDeployment, error) {
	var p db.PreviewDeployment
	err := r.db.WithContext(ctx).
		First(&p, "project_id = ? AND branch = ?", projectID, branch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("previews: get by project branch: %w", err)
	}
	return &p, nil
}

func (r *gormPreviewRepository) Update(ctx context.Context, p *db.PreviewDeployment) error {
	result := r.db.WithContext(ctx).Save(p)
	if result.Error != nil {
		return fmt.Errorf("previews: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormPreviewRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]db.PreviewDeployment, error) {
	var out []db.PreviewDeployment
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("previews: list by project: %w", err)
	}
	return out, nil
}

func (r *gormPreviewRepository) ListUnreconciled(ctx context.Context) ([]db.PreviewDeployment, error) {
	var out []db.PreviewDeployment
	if err := r.db.WithContext(ctx).
		Where("current_status IN ?", []string{db.CurrentPending, db.CurrentSyncing}).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("previews: list unreconciled: %w", err)
	}
	return out, nil
}

func (r *gormPreviewRepository) ListExpired(ctx context.Context, now time.Time) ([]db.PreviewDeployment, error) {
	var out []db.PreviewDeployment
	if err := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("previews: list expired: %w", err)
	}
	return out, nil
}

func (r *gormPreviewRepository) SetCurrentStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.PreviewDeployment{}).
		Where("id = ?", id).
		Update("current_status", status)
	if result.Error != nil {
		return fmt.Errorf("previews: set current status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormPreviewRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.PreviewDeployment{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("previews: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
