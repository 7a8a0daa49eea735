package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/repositories"
)

// identity is the ephemeral principal a session runs as: an agent-kind user,
// one scoped API token, and a project-scoped role assignment. The raw token
// exists only long enough to be injected into the pod environment.
type identity struct {
	user     *db.User
	rawToken string
}

// mintIdentity creates the ephemeral identity for a session. The token's
// scopes are the delegated permissions the session requested, never more
// than the developer set.
func (c *Controller) mintIdentity(ctx context.Context, sessionID, projectID uuid.UUID, scopes []string) (*identity, error) {
	for _, s := range scopes {
		if !authz.ValidPermission(s) {
			return nil, fmt.Errorf("agent: unknown scope %q", s)
		}
	}
	if len(scopes) == 0 {
		scopes = []string{authz.PermProjectRead, authz.PermObserveRead}
	}

	user := &db.User{
		Name:     "agent-" + shortID(sessionID),
		Kind:     db.UserKindAgent,
		IsActive: true,
	}
	if err := c.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("agent: create agent user: %w", err)
	}

	raw, err := auth.GenerateAPIToken()
	if err != nil {
		return nil, err
	}
	token := &db.ApiToken{
		UserID:    user.ID,
		Name:      "session-" + shortID(sessionID),
		TokenHash: auth.HashToken(raw),
		Scopes:    strings.Join(scopes, " "),
	}
	if err := c.tokens.Create(ctx, token); err != nil {
		return nil, fmt.Errorf("agent: create agent token: %w", err)
	}

	role, err := c.roles.GetByName(ctx, authz.RoleDeveloper)
	if err != nil {
		return nil, fmt.Errorf("agent: developer role lookup: %w", err)
	}
	if err := c.roles.Assign(ctx, &db.RoleAssignment{
		UserID:    user.ID,
		RoleID:    role.ID,
		ProjectID: &projectID,
	}); err != nil {
		return nil, fmt.Errorf("agent: assign agent role: %w", err)
	}

	c.logger.Info("agent identity minted",
		zap.String("session_id", sessionID.String()),
		zap.String("agent_user", user.Name))
	return &identity{user: user, rawToken: raw}, nil
}

// teardownIdentity revokes the agent user's credentials and deactivates it.
// Safe to call repeatedly and with a partially minted identity.
func (c *Controller) teardownIdentity(ctx context.Context, agentUserID uuid.UUID) error {
	if err := c.tokens.RevokeAllForUser(ctx, agentUserID); err != nil {
		return fmt.Errorf("agent: revoke agent tokens: %w", err)
	}
	if err := c.users.Deactivate(ctx, agentUserID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("agent: deactivate agent user: %w", err)
	}
	if c.engine != nil {
		c.engine.InvalidateUser(ctx, agentUserID)
	}
	return nil
}

// shortID is the first 8 hex characters of a UUID, used in pod and user
// names.
func shortID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}
