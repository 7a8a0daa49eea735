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

// gormRoleRepository is the GORM implementation of RoleRepository.
type gormRoleRepository struct {
	db *gorm.DB
}

// NewRoleRepository returns a RoleRepository backed by the provided *gorm.DB.
func NewRoleRepository(database *gorm.DB) RoleRepository {
	return &gormRoleRepository{db: database}
}

// Create inserts the role and its permission rows in one transaction.
func (r *gormRoleRepository) Create(ctx context.Context, role *db.Role, permissions []string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(role).Error; err != nil {
			return err
		}
		for _, p := range permissions {
			if err := tx.Create(&db.RolePermission{RoleID: role.ID, Permission: p}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("roles: create: %w", err)
	}
	return nil
}

func (r *gormRoleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Role, error) {
	var role db.Role
	err := r.db.WithContext(ctx).First(&role, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("roles: get by id: %w", err)
	}
	return &role, nil
}

func (r *gormRoleRepository) GetByName(ctx context.Context, name string) (*db.Role, error) {
	var role db.Role
	err := r.db.WithContext(ctx).First(&role, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("roles: get by name: %w", err)
	}
	return &role, nil
}

func (r *gormRoleRepository) List(ctx context.Context) ([]db.Role, error) {
	var roles []db.Role
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&roles).Error; err != nil {
		return nil, fmt.Errorf("roles: list: %w", err)
	}
	return roles, nil
}

func (r *gormRoleRepository) Permissions(ctx context.Context, roleID uuid.UUID) ([]string, error) {
	var perms []string
	if err := r.db.WithContext(ctx).
		Model(&db.RolePermission{}).
		Where("role_id = ?", roleID).
		Pluck("permission", &perms).Error; err != nil {
		return nil, fmt.Errorf("roles: permissions: %w", err)
	}
	return perms, nil
}

// Delete removes a role and its permission and assignment rows. System roles
// must be filtered by the caller before reaching this method.
func (r *gormRoleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("role_id = ?", id).Delete(&db.RolePermission{}).Error; err != nil {
			return err
		}
		if err := tx.Where("role_id = ?", id).Delete(&db.RoleAssignment{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&db.Role{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("roles: delete: %w", err)
	}
	return nil
}

func (r *gormRoleRepository) Assign(ctx context.Context, a *db.RoleAssignment) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("roles: assign: %w", err)
	}
	return nil
}

func (r *gormRoleRepository) Unassign(ctx context.Context, userID, roleID uuid.UUID, projectID *uuid.UUID) error {
	q := r.db.WithContext(ctx).Where("user_id = ? AND role_id = ?", userID, roleID)
	if projectID == nil {
		q = q.Where("project_id IS NULL")
	} else {
		q = q.Where("project_id = ?", *projectID)
	}
	result := q.Delete(&db.RoleAssignment{})
	if result.Error != nil {
		return fmt.Errorf("roles: unassign: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRoleRepository) AssignmentsForUser(ctx context.Context, userID uuid.UUID) ([]db.RoleAssignment, error) {
	var out []db.RoleAssignment
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("roles: assignments for user: %w", err)
	}
	return out, nil
}

// PermissionsForUser joins role_assignments to role_permissions with the
// scope rule: a NULL project_id assignment applies to any scope, a
// project-scoped one only to that project.
func (r *gormRoleRepository) PermissionsForUser(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) ([]string, error) {
	q := r.db.WithContext(ctx).
		Table("role_permissions").
		Select("DISTINCT role_permissions.permission").
		Joins("JOIN role_assignments ON role_assignments.role_id = role_permissions.role_id").
		Where("role_assignments.user_id = ?", userID)

	if projectID == nil {
		q = q.Where("role_assignments.project_id IS NULL")
	} else {
		q = q.Where("role_assignments.project_id IS NULL OR role_assignments.project_id = ?", *projectID)
	}

	var perms []string
	if err := q.Pluck("permission", &perms).Error; err != nil {
		return nil, fmt.Errorf("roles: permissions for user: %w", err)
	}
	return perms, nil
}

// gormDelegationRepository is the GORM implementation of DelegationRepository.
type gormDelegationRepository struct {
	db *gorm.DB
}

// NewDelegationRepository returns a DelegationRepository backed by GORM.
func NewDelegationRepository(database *gorm.DB) DelegationRepository {
	return &gormDelegationRepository{db: database}
}

func (r *gormDelegationRepository) Create(ctx context.Context, d *db.Delegation) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("delegations: create: %w", err)
	}
	return nil
}

func (r *gormDelegationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Delegation, error) {
	var d db.Delegation
	err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delegations: get by id: %w", err)
	}
	return &d, nil
}

func (r *gormDelegationRepository) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Delegation{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at)
	if result.Error != nil {
		return fmt.Errorf("delegations: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDelegationRepository) ActiveFor(ctx context.Context, delegateID uuid.UUID, projectID *uuid.UUID, now time.Time) ([]db.Delegation, error) {
	q := r.db.WithContext(ctx).
		Where("delegate_id = ? AND revoked_at IS NULL AND expires_at > ?", delegateID, now)

	if projectID == nil {
		q = q.Where("project_id IS NULL")
	} else {
		q = q.Where("project_id IS NULL OR project_id = ?", *projectID)
	}

	var out []db.Delegation
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("delegations: active for: %w", err)
	}
	return out, nil
}

func (r *gormDelegationRepository) ListByDelegator(ctx context.Context, delegatorID uuid.UUID) ([]db.Delegation, error) {
	var out []db.Delegation
	if err := r.db.WithContext(ctx).
		Where("delegator_id = ?", delegatorID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("delegations: list by delegator: %w", err)
	}
	return out, nil
}
