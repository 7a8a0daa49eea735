package authz

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

// Delegate grants one permission from the principal to another user for a
// bounded time. The delegator must hold both admin:delegate and the target
// permission at the target scope; self-delegation is meaningless and
// rejected.
func (e *Engine) Delegate(ctx context.Context, principal *auth.Principal, delegateID uuid.UUID, permission string, projectID *uuid.UUID, expiresAt time.Time) (*db.Delegation, error) {
	if !ValidPermission(permission) {
		return nil, platerr.Newf(platerr.KindBadRequest, "unknown permission %q", permission)
	}
	if !expiresAt.After(e.now()) {
		return nil, platerr.New(platerr.KindBadRequest, "expiry must be in the future")
	}
	if principal.User.ID == delegateID {
		return nil, platerr.New(platerr.KindBadRequest, "cannot delegate to yourself")
	}

	if err := e.Require(ctx, principal, PermAdminDelegate, projectID); err != nil {
		return nil, err
	}
	if err := e.Require(ctx, principal, permission, projectID); err != nil {
		return nil, err
	}

	d := &db.Delegation{
		DelegatorID: principal.User.ID,
		DelegateID:  delegateID,
		Permission:  permission,
		ProjectID:   projectID,
		ExpiresAt:   expiresAt,
	}
	if err := e.delegations.Create(ctx, d); err != nil {
		return nil, err
	}

	e.InvalidateUser(ctx, delegateID)
	e.logger.Info("delegation created",
		zap.String("delegator", principal.User.ID.String()),
		zap.String("delegate", delegateID.String()),
		zap.String("permission", permission))
	return d, nil
}

// RevokeDelegation marks a delegation revoked and invalidates the delegate's
// cache. Only the delegator or an admin:delegate holder may revoke.
func (e *Engine) RevokeDelegation(ctx context.Context, principal *auth.Principal, id uuid.UUID) error {
	d, err := e.delegations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return platerr.New(platerr.KindNotFound, "delegation not found")
		}
		return err
	}

	if d.DelegatorID != principal.User.ID {
		if err := e.Require(ctx, principal, PermAdminDelegate, d.ProjectID); err != nil {
			return err
		}
	}

	if err := e.delegations.Revoke(ctx, id, e.now()); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Already revoked.
			return nil
		}
		return err
	}

	e.InvalidateUser(ctx, d.DelegateID)
	return nil
}
