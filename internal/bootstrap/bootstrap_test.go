package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/repositories"
)

type fixture struct {
	seeder *Seeder
	users  repositories.UserRepository
	roles  repositories.RoleRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.NewMemory(zap.NewNop())
	require.NoError(t, err)
	users := repositories.NewUserRepository(database)
	roles := repositories.NewRoleRepository(database)
	return &fixture{
		seeder: NewSeeder(users, roles, zap.NewNop()),
		users:  users,
		roles:  roles,
	}
}

func TestSeedsSystemRoles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.seeder.Run(ctx, ""))

	for _, name := range []string{authz.RoleAdmin, authz.RoleDeveloper, authz.RoleViewer} {
		role, err := f.roles.GetByName(ctx, name)
		require.NoError(t, err)
		assert.True(t, role.IsSystem)

		perms, err := f.roles.Permissions(ctx, role.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, authz.SystemRoles[name], perms)
	}

	// No password means no admin user.
	_, err := f.users.GetByName(ctx, AdminUsername)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestSeedsAdminUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.seeder.Run(ctx, "s3cret"))

	admin, err := f.users.GetByName(ctx, AdminUsername)
	require.NoError(t, err)
	assert.Equal(t, db.UserKindHuman, admin.Kind)
	assert.True(t, admin.IsActive)

	ok, err := auth.VerifyPassword("s3cret", admin.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)

	adminRole, err := f.roles.GetByName(ctx, authz.RoleAdmin)
	require.NoError(t, err)
	assignments, err := f.roles.AssignmentsForUser(ctx, admin.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, adminRole.ID, assignments[0].RoleID)
	assert.Nil(t, assignments[0].ProjectID)
}

func TestRerunDoesNotRotatePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.seeder.Run(ctx, "first"))
	require.NoError(t, f.seeder.Run(ctx, "second"))

	admin, err := f.users.GetByName(ctx, AdminUsername)
	require.NoError(t, err)
	ok, err := auth.VerifyPassword("first", admin.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)

	roles, err := f.roles.List(ctx)
	require.NoError(t, err)
	assert.Len(t, roles, 3)
}
