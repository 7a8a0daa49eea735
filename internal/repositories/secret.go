package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/platform-io/platform/internal/db"
)

// gormSecretRepository is the GORM implementation of SecretRepository.
type gormSecretRepository struct {
	db *gorm.DB
}

// NewSecretRepository returns a SecretRepository backed by GORM.
func NewSecretRepository(database *gorm.DB) SecretRepository {
	return &gormSecretRepository{db: database}
}

// Upsert inserts or replaces the secret at its exact scope. On conflict the
// ciphertext, scope and created_by are replaced and version is bumped inside
// a transaction so concurrent upserts cannot skip a version.
func (r *gormSecretRepository) Upsert(ctx context.Context, secret *db.Secret) (*db.Secret, error) {
	var stored db.Secret
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := getExact(tx, secret.ProjectID, secret.Name)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if existing == nil {
			secret.Version = 1
			if err := tx.Create(secret).Error; err != nil {
				return err
			}
			stored = *secret
			return nil
		}

		existing.Ciphertext = secret.Ciphertext
		existing.Scope = secret.Scope
		existing.CreatedBy = secret.CreatedBy
		existing.Version++
		if err := tx.Save(existing).Error; err != nil {
			return err
		}
		stored = *existing
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: upsert: %w", err)
	}
	return &stored, nil
}

func (r *gormSecretRepository) Get(ctx context.Context, projectID *uuid.UUID, name string) (*db.Secret, error) {
	secret, err := getExact(r.db.WithContext(ctx), projectID, name)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("secrets: get: %w", err)
	}
	return secret, nil
}

// Lookup prefers the project-scoped row over the global one when both exist.
func (r *gormSecretRepository) Lookup(ctx context.Context, projectID uuid.UUID, name string) (*db.Secret, error) {
	var secrets []db.Secret
	err := r.db.WithContext(ctx).
		Where("(project_id = ? OR project_id IS NULL) AND name = ?", projectID, name).
		Find(&secrets).Error
	if err != nil {
		return nil, fmt.Errorf("secrets: lookup: %w", err)
	}

	var global *db.Secret
	for i := range secrets {
		if secrets[i].ProjectID != nil {
			return &secrets[i], nil
		}
		global = &secrets[i]
	}
	if global == nil {
		return nil, ErrNotFound
	}
	return global, nil
}

func (r *gormSecretRepository) List(ctx context.Context, projectID *uuid.UUID) ([]db.Secret, error) {
	q := r.db.WithContext(ctx)
	if projectID == nil {
		q = q.Where("project_id IS NULL")
	} else {
		q = q.Where("project_id = ?", *projectID)
	}

	var secrets []db.Secret
	if err := q.Order("name ASC").Find(&secrets).Error; err != nil {
		return nil, fmt.Errorf("secrets: list: %w", err)
	}
	return secrets, nil
}

func (r *gormSecretRepository) Delete(ctx context.Context, projectID *uuid.UUID, name string) (bool, error) {
	q := r.db.WithContext(ctx).Where("name = ?", name)
	if projectID == nil {
		q = q.Where("project_id IS NULL")
	} else {
		q = q.Where("project_id = ?", *projectID)
	}

	result := q.Delete(&db.Secret{})
	if result.Error != nil {
		return false, fmt.Errorf("secrets: delete: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// getExact fetches the row at the precise scope (nil = global).
func getExact(tx *gorm.DB, projectID *uuid.UUID, name string) (*db.Secret, error) {
	q := tx.Where("name = ?", name)
	if projectID == nil {
		q = q.Where("project_id IS NULL")
	} else {
		q = q.Where("project_id = ?", *projectID)
	}

	var secret db.Secret
	if err := q.First(&secret).Error; err != nil {
		return nil, err
	}
	return &secret, nil
}
