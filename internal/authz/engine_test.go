package authz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/cache"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

type fixture struct {
	engine   *Engine
	database *gorm.DB
	mr       *miniredis.Miniredis
	roles    repositories.RoleRepository
	projects repositories.ProjectRepository
	users    repositories.UserRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.NewMemory(zap.NewNop())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.NewFromClient(client, zap.NewNop())

	roles := repositories.NewRoleRepository(database)
	delegations := repositories.NewDelegationRepository(database)
	projects := repositories.NewProjectRepository(database)
	return &fixture{
		engine:   NewEngine(roles, delegations, projects, c, zap.NewNop()),
		database: database,
		mr:       mr,
		roles:    roles,
		projects: projects,
		users:    repositories.NewUserRepository(database),
	}
}

func (f *fixture) user(t *testing.T, name string) *db.User {
	t.Helper()
	u := &db.User{Name: name, Kind: db.UserKindHuman, IsActive: true}
	require.NoError(t, f.users.Create(context.Background(), u))
	return u
}

func (f *fixture) project(t *testing.T, name string, owner uuid.UUID, visibility string) *db.Project {
	t.Helper()
	p := &db.Project{Name: name, OwnerID: owner, Visibility: visibility, RepoPath: "/srv/git/" + name + ".git"}
	require.NoError(t, f.projects.Create(context.Background(), p))
	return p
}

func principal(u *db.User) *auth.Principal { return &auth.Principal{User: u} }

func TestSystemRoleSets(t *testing.T) {
	assert.ElementsMatch(t, AllPermissions, SystemRoles[RoleAdmin])
	assert.NotContains(t, SystemRoles[RoleDeveloper], PermAdminUsers)
	assert.ElementsMatch(t, []string{PermProjectRead, PermObserveRead}, SystemRoles[RoleViewer])
	assert.True(t, ValidPermission(PermAgentSpawn))
	assert.False(t, ValidPermission("root:everything"))
}

func TestRequireRoleGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.user(t, "alice")
	owner := f.user(t, "owner")
	project := f.project(t, "app", owner.ID, db.VisibilityPrivate)

	role := &db.Role{Name: "deployer"}
	require.NoError(t, f.roles.Create(ctx, role, []string{PermProjectRead, PermDeployWrite}))
	require.NoError(t, f.roles.Assign(ctx, &db.RoleAssignment{UserID: alice.ID, RoleID: role.ID, ProjectID: &project.ID}))

	assert.NoError(t, f.engine.Require(ctx, principal(alice), PermDeployWrite, &project.ID))
	err := f.engine.Require(ctx, principal(alice), PermSecretWrite, &project.ID)
	assert.Equal(t, platerr.KindForbidden, platerr.KindOf(err))
}

func TestOwnerHasFullProjectSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.user(t, "owner")
	project := f.project(t, "mine", owner.ID, db.VisibilityPrivate)

	for _, p := range projectPermissions {
		assert.NoError(t, f.engine.Require(ctx, principal(owner), p, &project.ID), p)
	}
	// Owner rights do not extend to global admin.
	err := f.engine.Require(ctx, principal(owner), PermAdminUsers, &project.ID)
	assert.Equal(t, platerr.KindForbidden, platerr.KindOf(err))
}

func TestPrivateProjectConcealed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.user(t, "owner")
	outsider := f.user(t, "outsider")
	private := f.project(t, "secret", owner.ID, db.VisibilityPrivate)
	public := f.project(t, "open", owner.ID, db.VisibilityPublic)

	// No read on a private project conceals it entirely.
	err := f.engine.Require(ctx, principal(outsider), PermProjectRead, &private.ID)
	assert.Equal(t, platerr.KindConcealed, platerr.KindOf(err))
	assert.Equal(t, 404, platerr.HTTPStatus(err))

	// Public projects grant read but nothing else, and deny as Forbidden.
	assert.NoError(t, f.engine.Require(ctx, principal(outsider), PermProjectRead, &public.ID))
	err = f.engine.Require(ctx, principal(outsider), PermDeployWrite, &public.ID)
	assert.Equal(t, platerr.KindForbidden, platerr.KindOf(err))
}

func TestAPITokenScopeIntersection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.user(t, "alice")

	role := &db.Role{Name: "wide"}
	require.NoError(t, f.roles.Create(ctx, role, []string{PermProjectRead, PermSecretRead}))
	require.NoError(t, f.roles.Assign(ctx, &db.RoleAssignment{UserID: alice.ID, RoleID: role.ID}))

	scoped := &auth.Principal{User: alice, Scopes: []string{PermProjectRead}}

	assert.NoError(t, f.engine.Require(ctx, scoped, PermProjectRead, nil))
	// Held by the user but outside the token's scopes.
	err := f.engine.Require(ctx, scoped, PermSecretRead, nil)
	assert.Equal(t, platerr.KindForbidden, platerr.KindOf(err))
}

func TestCacheInvalidationOnUnassign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.user(t, "alice")

	role := &db.Role{Name: "reader"}
	require.NoError(t, f.roles.Create(ctx, role, []string{PermProjectRead}))
	require.NoError(t, f.roles.Assign(ctx, &db.RoleAssignment{UserID: alice.ID, RoleID: role.ID}))

	// Warm the cache.
	assert.NoError(t, f.engine.Require(ctx, principal(alice), PermProjectRead, nil))

	require.NoError(t, f.roles.Unassign(ctx, alice.ID, role.ID, nil))

	// Stale until invalidated.
	assert.NoError(t, f.engine.Require(ctx, principal(alice), PermProjectRead, nil))

	f.engine.InvalidateUser(ctx, alice.ID)
	err := f.engine.Require(ctx, principal(alice), PermProjectRead, nil)
	assert.Equal(t, platerr.KindForbidden, platerr.KindOf(err))
}

func TestCacheTTLBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.user(t, "alice")

	role := &db.Role{Name: "reader"}
	require.NoError(t, f.roles.Create(ctx, role, []string{PermProjectRead}))
	require.NoError(t, f.roles.Assign(ctx, &db.RoleAssignment{UserID: alice.ID, RoleID: role.ID}))

	assert.NoError(t, f.engine.Require(ctx, principal(alice), PermProjectRead, nil))
	require.NoError(t, f.roles.Unassign(ctx, alice.ID, role.ID, nil))

	// Even without invalidation the TTL bounds staleness.
	f.mr.FastForward(permCacheTTL + time.Second)
	err := f.engine.Require(ctx, principal(alice), PermProjectRead, nil)
	assert.Equal(t, platerr.KindForbidden, platerr.KindOf(err))
}

func TestDelegateFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	admin := f.user(t, "admin")
	bob := f.user(t, "bob")

	role := &db.Role{Name: "delegating-admin"}
	require.NoError(t, f.roles.Create(ctx, role, []string{PermAdminDelegate, PermDeployWrite}))
	require.NoError(t, f.roles.Assign(ctx, &db.RoleAssignment{UserID: admin.ID, RoleID: role.ID}))

	d, err := f.engine.Delegate(ctx, principal(admin), bob.ID, PermDeployWrite, nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.NoError(t, f.engine.Require(ctx, principal(bob), PermDeployWrite, nil))

	require.NoError(t, f.engine.RevokeDelegation(ctx, principal(admin), d.ID))
	err = f.engine.Require(ctx, principal(bob), PermDeployWrite, nil)
	assert.Equal(t, platerr.KindForbidden, platerr.KindOf(err))
}

func TestDelegateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	admin := f.user(t, "admin")
	bob := f.user(t, "bob")

	role := &db.Role{Name: "delegating-admin"}
	require.NoError(t, f.roles.Create(ctx, role, []string{PermAdminDelegate}))
	require.NoError(t, f.roles.Assign(ctx, &db.RoleAssignment{UserID: admin.ID, RoleID: role.ID}))

	// Unknown permission.
	_, err := f.engine.Delegate(ctx, principal(admin), bob.ID, "bogus:perm", nil, time.Now().Add(time.Hour))
	assert.Equal(t, platerr.KindBadRequest, platerr.KindOf(err))

	// Past expiry.
	_, err = f.engine.Delegate(ctx, principal(admin), bob.ID, PermDeployWrite, nil, time.Now().Add(-time.Hour))
	assert.Equal(t, platerr.KindBadRequest, platerr.KindOf(err))

	// Self delegation.
	_, err = f.engine.Delegate(ctx, principal(admin), admin.ID, PermDeployWrite, nil, time.Now().Add(time.Hour))
	assert.Equal(t, platerr.KindBadRequest, platerr.KindOf(err))

	// Delegator does not hold the target permission.
	_, err = f.engine.Delegate(ctx, principal(admin), bob.ID, PermDeployWrite, nil, time.Now().Add(time.Hour))
	assert.Equal(t, platerr.KindForbidden, platerr.KindOf(err))
}
