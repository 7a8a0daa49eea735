// Package repositories defines the persistence interfaces for all platform
// entities, plus their GORM implementations. Handlers and engines depend on
// the interfaces only; tests substitute in-memory SQLite.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platform-io/platform/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// Users & credentials
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByName(ctx context.Context, name string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error

	// Deactivate clears is_active. Token validity and session revocation are
	// handled by the callers that own those tables.
	Deactivate(ctx context.Context, id uuid.UUID) error

	// Delete soft-deletes the user.
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
	TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

type AuthSessionRepository interface {
	Create(ctx context.Context, session *db.AuthSession) error

	// GetByHash returns the session with the given token hash regardless of
	// expiry or revocation; the authenticator applies validity rules.
	GetByHash(ctx context.Context, hash string) (*db.AuthSession, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type ApiTokenRepository interface {
	Create(ctx context.Context, token *db.ApiToken) error
	GetByHash(ctx context.Context, hash string) (*db.ApiToken, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.ApiToken, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.ApiToken, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// RBAC
// -----------------------------------------------------------------------------

type RoleRepository interface {
	Create(ctx context.Context, role *db.Role, permissions []string) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Role, error)
	GetByName(ctx context.Context, name string) (*db.Role, error)
	List(ctx context.Context) ([]db.Role, error)
	Permissions(ctx context.Context, roleID uuid.UUID) ([]string, error)

	// Delete removes a non-system role and its permission rows.
	Delete(ctx context.Context, id uuid.UUID) error

	Assign(ctx context.Context, a *db.RoleAssignment) error
	Unassign(ctx context.Context, userID, roleID uuid.UUID, projectID *uuid.UUID) error
	AssignmentsForUser(ctx context.Context, userID uuid.UUID) ([]db.RoleAssignment, error)

	// PermissionsForUser returns the union of permissions granted by role
	// assignments matching the scope: global assignments always match;
	// project-scoped assignments match only the given project.
	PermissionsForUser(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) ([]string, error)
}

type DelegationRepository interface {
	Create(ctx context.Context, d *db.Delegation) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Delegation, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error

	// ActiveFor returns unrevoked, unexpired delegations to the user whose
	// scope matches the given project (global delegations always match).
	ActiveFor(ctx context.Context, delegateID uuid.UUID, projectID *uuid.UUID, now time.Time) ([]db.Delegation, error)
	ListByDelegator(ctx context.Context, delegatorID uuid.UUID) ([]db.Delegation, error)
}

// -----------------------------------------------------------------------------
// Projects & secrets
// -----------------------------------------------------------------------------

type ProjectRepository interface {
	Create(ctx context.Context, project *db.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Project, error)
	GetByName(ctx context.Context, name string) (*db.Project, error)
	Update(ctx context.Context, project *db.Project) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Project, int64, error)
}

type SecretRepository interface {
	// Upsert inserts the secret or, on (project_id, name) conflict, replaces
	// ciphertext/scope/created_by and bumps version. Returns the stored row.
	Upsert(ctx context.Context, secret *db.Secret) (*db.Secret, error)

	// Get returns the exact row for the given scope (nil projectID = global).
	Get(ctx context.Context, projectID *uuid.UUID, name string) (*db.Secret, error)

	// Lookup returns the row visible to the project: the project-scoped row
	// when present, otherwise the global row.
	Lookup(ctx context.Context, projectID uuid.UUID, name string) (*db.Secret, error)

	List(ctx context.Context, projectID *uuid.UUID) ([]db.Secret, error)

	// Delete removes the row and reports whether one existed.
	Delete(ctx context.Context, projectID *uuid.UUID, name string) (bool, error)
}

// -----------------------------------------------------------------------------
// Agent sessions
// -----------------------------------------------------------------------------

type AgentSessionRepository interface {
	Create(ctx context.Context, session *db.AgentSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.AgentSession, error)
	Update(ctx context.Context, session *db.AgentSession) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error

	// Finish marks a terminal status, records finished_at and, when known,
	// the token cost. Idempotent: finishing an already-finished session only
	// fills missing fields.
	Finish(ctx context.Context, id uuid.UUID, status string, costTokens *int64, at time.Time) error

	ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.AgentSession, int64, error)
	ListRunning(ctx context.Context) ([]db.AgentSession, error)
}

// -----------------------------------------------------------------------------
// Deployments
// -----------------------------------------------------------------------------

type DeploymentRepository interface {
	Create(ctx context.Context, d *db.Deployment) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Deployment, error)
	GetByProjectEnv(ctx context.Context, projectID uuid.UUID, environment string) (*db.Deployment, error)
	Update(ctx context.Context, d *db.Deployment) error
	List(ctx context.Context, projectID uuid.UUID) ([]db.Deployment, error)

	// ListUnreconciled returns deployments whose observed state has not
	// converged: current_status pending or syncing. Desired-state writes
	// reset current_status to pending, so this is the full work set.
	ListUnreconciled(ctx context.Context) ([]db.Deployment, error)

	SetCurrentStatus(ctx context.Context, id uuid.UUID, status string) error
	AppendHistory(ctx context.Context, h *db.DeploymentHistory) error
	History(ctx context.Context, deploymentID uuid.UUID, limit int) ([]db.DeploymentHistory, error)

	// LatestRollbackTarget returns the most recent history entry with action
	// "deploy" whose image differs from excludeImage.
	LatestRollbackTarget(ctx context.Context, deploymentID uuid.UUID, excludeImage string) (*db.DeploymentHistory, error)
}

type PreviewRepository interface {
	Create(ctx context.Context, p *db.PreviewDeployment) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.PreviewDeployment, error)
	GetByProjectBranch(ctx context.Context, projectID uuid.UUID, branch string) (*db.PreviewDeployment, error)
	Update(ctx context.Context, p *db.PreviewDeployment) error
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]db.PreviewDeployment, error)
	ListUnreconciled(ctx context.Context) ([]db.PreviewDeployment, error)
	ListExpired(ctx context.Context, now time.Time) ([]db.PreviewDeployment, error)
	SetCurrentStatus(ctx context.Context, id uuid.UUID, status string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// Webhooks & notifications
// -----------------------------------------------------------------------------

type WebhookRepository interface {
	Create(ctx context.Context, w *db.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error)
	Update(ctx context.Context, w *db.Webhook) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]db.Webhook, error)

	// ListMatching returns the project's webhooks subscribed to the event
	// type (an empty events set subscribes to everything).
	ListMatching(ctx context.Context, projectID uuid.UUID, event string) ([]db.Webhook, error)

	RecordAttempt(ctx context.Context, attempt *db.WebhookAttempt) error
}

type NotificationRepository interface {
	Create(ctx context.Context, n *db.Notification) error
	ListForUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, opts ListOptions) ([]db.Notification, int64, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int64, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// -----------------------------------------------------------------------------
// Telemetry
// -----------------------------------------------------------------------------

type TelemetryRepository interface {
	InsertSpans(ctx context.Context, spans []db.TelemetrySpan) error
	InsertLogs(ctx context.Context, logs []db.TelemetryLog) error
	InsertMetrics(ctx context.Context, metrics []db.TelemetryMetric) error
}
