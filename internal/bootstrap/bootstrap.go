// Package bootstrap seeds the database state the server assumes exists: the
// three system roles and the initial admin account. Every step tolerates
// having run before, so the server can call it on every start.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/repositories"
)

// AdminUsername is the name of the seeded admin account.
const AdminUsername = "admin"

type Seeder struct {
	users  repositories.UserRepository
	roles  repositories.RoleRepository
	logger *zap.Logger
}

func NewSeeder(users repositories.UserRepository, roles repositories.RoleRepository, logger *zap.Logger) *Seeder {
	return &Seeder{
		users:  users,
		roles:  roles,
		logger: logger.Named("bootstrap"),
	}
}

// Run ensures system roles exist and, when adminPassword is non-empty,
// creates the admin user with a global admin assignment. An existing admin
// user is left untouched so a changed flag never silently rotates the
// password.
func (s *Seeder) Run(ctx context.Context, adminPassword string) error {
	adminRole, err := s.ensureSystemRoles(ctx)
	if err != nil {
		return err
	}
	if adminPassword == "" {
		return nil
	}
	return s.ensureAdminUser(ctx, adminRole, adminPassword)
}

func (s *Seeder) ensureSystemRoles(ctx context.Context) (*db.Role, error) {
	var adminRole *db.Role
	for _, name := range []string{authz.RoleAdmin, authz.RoleDeveloper, authz.RoleViewer} {
		role, err := s.roles.GetByName(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, repositories.ErrNotFound):
			role = &db.Role{Name: name, Description: "system role", IsSystem: true}
			if err := s.roles.Create(ctx, role, authz.SystemRoles[name]); err != nil {
				// Lost a race with a concurrent start.
				if errors.Is(err, repositories.ErrConflict) {
					if role, err = s.roles.GetByName(ctx, name); err != nil {
						return nil, fmt.Errorf("bootstrap: reload role %s: %w", name, err)
					}
					break
				}
				return nil, fmt.Errorf("bootstrap: create role %s: %w", name, err)
			}
			s.logger.Info("system role created", zap.String("role", name))
		default:
			return nil, fmt.Errorf("bootstrap: lookup role %s: %w", name, err)
		}
		if name == authz.RoleAdmin {
			adminRole = role
		}
	}
	return adminRole, nil
}

func (s *Seeder) ensureAdminUser(ctx context.Context, adminRole *db.Role, password string) error {
	if _, err := s.users.GetByName(ctx, AdminUsername); err == nil {
		return nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("bootstrap: lookup admin user: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("bootstrap: hash admin password: %w", err)
	}
	admin := &db.User{
		Name:         AdminUsername,
		PasswordHash: hash,
		Kind:         db.UserKindHuman,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, admin); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil
		}
		return fmt.Errorf("bootstrap: create admin user: %w", err)
	}

	assignment := &db.RoleAssignment{UserID: admin.ID, RoleID: adminRole.ID}
	if err := s.roles.Assign(ctx, assignment); err != nil && !errors.Is(err, repositories.ErrConflict) {
		return fmt.Errorf("bootstrap: assign admin role: %w", err)
	}
	s.logger.Info("admin user created", zap.String("user_id", admin.ID.String()))
	return nil
}
