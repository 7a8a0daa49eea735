// Package authz evaluates effective permissions for authenticated principals.
// Results are cached in Redis with a short TTL; invalidation is best effort
// over pub/sub, with the TTL as the correctness bound.
package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/cache"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

const (
	permCacheTTL = 30 * time.Second

	// InvalidationChannel carries user IDs whose cached permissions must be
	// dropped, so every instance behind a shared Redis stays coherent.
	InvalidationChannel = "authz:invalidate"
)

// Engine resolves and caches effective permissions.
type Engine struct {
	roles       repositories.RoleRepository
	delegations repositories.DelegationRepository
	projects    repositories.ProjectRepository
	cache       *cache.Cache
	logger      *zap.Logger
	now         func() time.Time
}

// NewEngine constructs the permission engine. cache may be nil, in which case
// every evaluation hits the database.
func NewEngine(
	roles repositories.RoleRepository,
	delegations repositories.DelegationRepository,
	projects repositories.ProjectRepository,
	c *cache.Cache,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		roles:       roles,
		delegations: delegations,
		projects:    projects,
		cache:       c,
		logger:      logger,
		now:         time.Now,
	}
}

func cacheKey(userID uuid.UUID, projectID *uuid.UUID) string {
	scope := "global"
	if projectID != nil {
		scope = projectID.String()
	}
	return "perms:" + userID.String() + ":" + scope
}

// EffectivePermissions returns the union of the user's role grants, active
// delegations, owner rights and public-project read for the given scope.
func (e *Engine) EffectivePermissions(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) (map[string]struct{}, error) {
	key := cacheKey(userID, projectID)
	if e.cache != nil {
		if cached, err := e.cache.Get(ctx, key); err == nil {
			return splitSet(cached), nil
		} else if !errors.Is(err, cache.ErrMiss) {
			e.logger.Warn("permission cache read failed", zap.Error(err))
		}
	}

	perms, err := e.computePermissions(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, joinSet(perms), permCacheTTL); err != nil {
			e.logger.Warn("permission cache write failed", zap.Error(err))
		}
	}
	return perms, nil
}

func (e *Engine) computePermissions(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) (map[string]struct{}, error) {
	perms := make(map[string]struct{})

	rolePerms, err := e.roles.PermissionsForUser(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("authz: role permissions: %w", err)
	}
	for _, p := range rolePerms {
		perms[p] = struct{}{}
	}

	delegations, err := e.delegations.ActiveFor(ctx, userID, projectID, e.now())
	if err != nil {
		return nil, fmt.Errorf("authz: delegations: %w", err)
	}
	for _, d := range delegations {
		perms[d.Permission] = struct{}{}
	}

	if projectID != nil {
		project, err := e.projects.GetByID(ctx, *projectID)
		if err != nil {
			if !errors.Is(err, repositories.ErrNotFound) {
				return nil, fmt.Errorf("authz: project lookup: %w", err)
			}
		} else {
			if project.OwnerID == userID {
				for _, p := range projectPermissions {
					perms[p] = struct{}{}
				}
			}
			if project.Visibility == db.VisibilityPublic {
				perms[PermProjectRead] = struct{}{}
			}
		}
	}

	return perms, nil
}

// GlobalPermissions satisfies auth.PermissionSource for API-token scope
// checks: sorted global-scope permissions as a slice.
func (e *Engine) GlobalPermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	perms, err := e.EffectivePermissions(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Require checks that the principal holds the permission at the given scope.
// API-token principals are restricted to the intersection of their scopes
// and the user's permissions. Private projects the principal cannot read are
// concealed as not-found rather than forbidden.
func (e *Engine) Require(ctx context.Context, principal *auth.Principal, permission string, projectID *uuid.UUID) error {
	if principal == nil || principal.User == nil {
		return platerr.New(platerr.KindUnauthenticated, "authentication required")
	}

	perms, err := e.EffectivePermissions(ctx, principal.User.ID, projectID)
	if err != nil {
		return err
	}

	held := func(p string) bool {
		if _, ok := perms[p]; !ok {
			return false
		}
		if !principal.Scoped() {
			return true
		}
		for _, s := range principal.Scopes {
			if s == p {
				return true
			}
		}
		return false
	}

	if held(permission) {
		return nil
	}

	// A private project the principal cannot even read must look absent.
	if projectID != nil && !held(PermProjectRead) {
		project, perr := e.projects.GetByID(ctx, *projectID)
		if perr == nil && project.Visibility == db.VisibilityPrivate {
			return platerr.New(platerr.KindConcealed, "not found")
		}
	}

	return platerr.New(platerr.KindForbidden, "permission denied")
}

// InvalidateUser drops the user's cached permissions on every instance.
// Called on role (un)assignment, delegation create/revoke and deactivation.
func (e *Engine) InvalidateUser(ctx context.Context, userID uuid.UUID) {
	if e.cache == nil {
		return
	}
	if err := e.cache.DeletePrefix(ctx, "perms:"+userID.String()+":"); err != nil {
		e.logger.Warn("permission cache invalidation failed", zap.Error(err))
	}
	if err := e.cache.Publish(ctx, InvalidationChannel, userID.String()); err != nil {
		e.logger.Warn("permission invalidation publish failed", zap.Error(err))
	}
}

// RunInvalidationListener consumes the invalidation channel until ctx is
// done. Run once per process on its own goroutine.
func (e *Engine) RunInvalidationListener(ctx context.Context) error {
	if e.cache == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return e.cache.Subscribe(ctx, func(_, payload string) {
		userID, err := uuid.Parse(payload)
		if err != nil {
			e.logger.Warn("bad invalidation payload", zap.String("payload", payload))
			return
		}
		if err := e.cache.DeletePrefix(ctx, "perms:"+userID.String()+":"); err != nil {
			e.logger.Warn("permission cache invalidation failed", zap.Error(err))
		}
	}, InvalidationChannel)
}

func joinSet(perms map[string]struct{}) string {
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

func splitSet(s string) map[string]struct{} {
	perms := make(map[string]struct{})
	for _, p := range strings.Fields(s) {
		perms[p] = struct{}{}
	}
	return perms
}
