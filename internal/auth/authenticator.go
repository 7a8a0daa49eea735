// Package auth implements password login, browser sessions and API tokens.
// Raw tokens are shown to the caller exactly once; only SHA-256 digests are
// persisted.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

// SessionTTL is how long a browser session stays valid after login.
const SessionTTL = 7 * 24 * time.Hour

// Login throttling: at most 10 attempts per username per 5-minute window.
const (
	loginLimit  = 10
	loginWindow = 5 * time.Minute
)

// Principal is the authenticated identity attached to a request. Scopes is
// nil for session logins (full access of the user) and non-nil for API
// tokens, where it limits the user's permissions to the listed set.
type Principal struct {
	User    *db.User
	Scopes  []string
	TokenID *uuid.UUID
}

// Scoped reports whether the principal's permissions are restricted to an
// explicit scope set.
func (p *Principal) Scoped() bool {
	return p.Scopes != nil
}

// PermissionSource supplies a user's effective global permissions. Satisfied
// by the authz engine; used to block scope escalation at token issue time.
type PermissionSource interface {
	GlobalPermissions(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// Authenticator owns credential issue and verification.
type Authenticator struct {
	users    repositories.UserRepository
	sessions repositories.AuthSessionRepository
	tokens   repositories.ApiTokenRepository
	perms    PermissionSource
	limiter  *LoginLimiter
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs an Authenticator. perms may be nil until the authz engine is
// wired in, in which case API token creation refuses all scopes.
func New(
	users repositories.UserRepository,
	sessions repositories.AuthSessionRepository,
	tokens repositories.ApiTokenRepository,
	perms PermissionSource,
	logger *zap.Logger,
) *Authenticator {
	return &Authenticator{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		perms:    perms,
		limiter:  NewLoginLimiter(loginLimit, loginWindow),
		logger:   logger,
		now:      time.Now,
	}
}

// SetPermissionSource wires the authz engine after construction. The two
// components reference each other, so one side is attached late.
func (a *Authenticator) SetPermissionSource(perms PermissionSource) {
	a.perms = perms
}

// Login verifies a username/password pair and issues a session. The raw
// token is returned once and never stored. Failures are reported uniformly
// as Unauthenticated so callers cannot probe which usernames exist.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*db.User, string, error) {
	if !a.limiter.Allow(username) {
		a.logger.Warn("login rate limited", zap.String("username", username))
		return nil, "", platerr.New(platerr.KindRateLimited, "too many login attempts")
	}

	user, err := a.users.GetByName(ctx, username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			VerifyDummy(password)
			return nil, "", platerr.New(platerr.KindUnauthenticated, "invalid credentials")
		}
		return nil, "", fmt.Errorf("auth: login lookup: %w", err)
	}

	if !user.IsActive || user.Kind != db.UserKindHuman || user.PasswordHash == "" {
		VerifyDummy(password)
		return nil, "", platerr.New(platerr.KindUnauthenticated, "invalid credentials")
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, "", fmt.Errorf("auth: verify password: %w", err)
	}
	if !ok {
		return nil, "", platerr.New(platerr.KindUnauthenticated, "invalid credentials")
	}

	raw, err := GenerateSessionToken()
	if err != nil {
		return nil, "", err
	}

	session := &db.AuthSession{
		UserID:    user.ID,
		TokenHash: HashToken(raw),
		ExpiresAt: a.now().Add(SessionTTL),
	}
	if err := a.sessions.Create(ctx, session); err != nil {
		return nil, "", err
	}

	if err := a.users.TouchLogin(ctx, user.ID, a.now()); err != nil {
		a.logger.Warn("touch last login failed", zap.Error(err))
	}
	a.limiter.Reset(username)

	a.logger.Info("user logged in", zap.String("username", username), zap.String("user_id", user.ID.String()))
	return user, raw, nil
}

// Authenticate resolves a raw bearer token to a principal. API tokens are
// matched before session tokens since plat_ is a prefix of plat_api_.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*Principal, error) {
	switch {
	case IsAPIToken(raw):
		return a.authenticateAPIToken(ctx, raw)
	case IsSessionToken(raw):
		return a.authenticateSession(ctx, raw)
	default:
		return nil, platerr.New(platerr.KindUnauthenticated, "unrecognized token")
	}
}

func (a *Authenticator) authenticateSession(ctx context.Context, raw string) (*Principal, error) {
	session, err := a.sessions.GetByHash(ctx, HashToken(raw))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, platerr.New(platerr.KindUnauthenticated, "invalid session")
		}
		return nil, fmt.Errorf("auth: session lookup: %w", err)
	}

	now := a.now()
	if session.RevokedAt != nil || now.After(session.ExpiresAt) {
		return nil, platerr.New(platerr.KindUnauthenticated, "session expired")
	}

	user, err := a.activeUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return &Principal{User: user}, nil
}

func (a *Authenticator) authenticateAPIToken(ctx context.Context, raw string) (*Principal, error) {
	token, err := a.tokens.GetByHash(ctx, HashToken(raw))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, platerr.New(platerr.KindUnauthenticated, "invalid token")
		}
		return nil, fmt.Errorf("auth: token lookup: %w", err)
	}

	now := a.now()
	if token.RevokedAt != nil {
		return nil, platerr.New(platerr.KindUnauthenticated, "token revoked")
	}
	if token.ExpiresAt != nil && now.After(*token.ExpiresAt) {
		return nil, platerr.New(platerr.KindUnauthenticated, "token expired")
	}

	user, err := a.activeUser(ctx, token.UserID)
	if err != nil {
		return nil, err
	}

	scopes := strings.Fields(token.Scopes)
	if scopes == nil {
		scopes = []string{}
	}
	id := token.ID
	return &Principal{User: user, Scopes: scopes, TokenID: &id}, nil
}

func (a *Authenticator) activeUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	user, err := a.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, platerr.New(platerr.KindUnauthenticated, "user not found")
		}
		return nil, fmt.Errorf("auth: user lookup: %w", err)
	}
	if !user.IsActive {
		return nil, platerr.New(platerr.KindUnauthenticated, "user deactivated")
	}
	return user, nil
}

// Logout revokes the session behind a raw token. Unknown tokens are a no-op
// so logout is idempotent.
func (a *Authenticator) Logout(ctx context.Context, raw string) error {
	session, err := a.sessions.GetByHash(ctx, HashToken(raw))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("auth: logout lookup: %w", err)
	}
	if err := a.sessions.Revoke(ctx, session.ID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return err
	}
	return nil
}

// CreateAPIToken issues a named token for the user. Every requested scope
// must already be held globally by the issuing user, so a token can narrow
// but never widen what its owner may do.
func (a *Authenticator) CreateAPIToken(ctx context.Context, userID uuid.UUID, name string, scopes []string, expiresAt *time.Time) (*db.ApiToken, string, error) {
	if name == "" {
		return nil, "", platerr.New(platerr.KindBadRequest, "token name is required")
	}

	if len(scopes) > 0 {
		if a.perms == nil {
			return nil, "", platerr.New(platerr.KindForbidden, "scoped tokens unavailable")
		}
		held, err := a.perms.GlobalPermissions(ctx, userID)
		if err != nil {
			return nil, "", err
		}
		heldSet := make(map[string]struct{}, len(held))
		for _, p := range held {
			heldSet[p] = struct{}{}
		}
		for _, s := range scopes {
			if _, ok := heldSet[s]; !ok {
				return nil, "", platerr.Newf(platerr.KindForbidden, "scope %q exceeds your permissions", s)
			}
		}
	}

	raw, err := GenerateAPIToken()
	if err != nil {
		return nil, "", err
	}

	token := &db.ApiToken{
		UserID:    userID,
		Name:      name,
		TokenHash: HashToken(raw),
		Scopes:    strings.Join(scopes, " "),
		ExpiresAt: expiresAt,
	}
	if err := a.tokens.Create(ctx, token); err != nil {
		return nil, "", err
	}

	a.logger.Info("api token created",
		zap.String("user_id", userID.String()),
		zap.String("token_name", name),
		zap.Int("scopes", len(scopes)))
	return token, raw, nil
}

// ListAPITokens returns the user's tokens, revoked ones included.
func (a *Authenticator) ListAPITokens(ctx context.Context, userID uuid.UUID) ([]db.ApiToken, error) {
	tokens, err := a.tokens.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: list tokens: %w", err)
	}
	return tokens, nil
}

// RevokeAPIToken revokes one of the user's own tokens. Tokens of other users
// are indistinguishable from missing ones.
func (a *Authenticator) RevokeAPIToken(ctx context.Context, userID, tokenID uuid.UUID) error {
	token, err := a.tokens.GetByID(ctx, tokenID)
	if err != nil || token.UserID != userID {
		return platerr.New(platerr.KindNotFound, "token not found")
	}
	if err := a.tokens.Revoke(ctx, tokenID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return err
	}
	return nil
}

// RevokeCredentials revokes every live session and API token of a user.
// Called when a user is deactivated so standing credentials die with the
// account.
func (a *Authenticator) RevokeCredentials(ctx context.Context, userID uuid.UUID) error {
	if err := a.sessions.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	return a.tokens.RevokeAllForUser(ctx, userID)
}

// PurgeExpiredSessions hard-deletes sessions past expiry. Scheduled hourly.
func (a *Authenticator) PurgeExpiredSessions(ctx context.Context) error {
	n, err := a.sessions.DeleteExpired(ctx, a.now())
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("purged expired sessions", zap.Int64("count", n))
	}
	a.limiter.Sweep()
	return nil
}
