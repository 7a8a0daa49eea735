package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SoftDelete extends Base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// User kinds. Only humans may log in with a password or spawn agents; agent
// and service-account users authenticate with API tokens only.
const (
	UserKindHuman          = "human"
	UserKindAgent          = "agent"
	UserKindServiceAccount = "service_account"
)

// User is any principal known to the platform: a human, an ephemeral agent
// identity minted for a single session, or a long-lived service account.
// PasswordHash holds the Argon2id PHC string and is empty for non-humans.
type User struct {
	SoftDelete
	Name         string `gorm:"uniqueIndex;not null"`
	Email        string `gorm:"not null;default:''"`
	PasswordHash string `gorm:"not null;default:''"`
	Kind         string `gorm:"not null;default:'human'"`
	IsActive     bool   `gorm:"not null;default:true"`
	LastLoginAt  *time.Time
}

// AuthSession stores a hashed browser session token. The raw token is
// returned exactly once at creation and never persisted; only its SHA-256
// hex digest is stored. Sessions are revoked when the user is deactivated.
type AuthSession struct {
	Base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
}

// ApiToken is a named long-lived credential. Scopes is a space-separated set
// of permission strings; at issue time every requested scope must already be
// held by the issuing user.
type ApiToken struct {
	Base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	Name      string    `gorm:"not null"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	Scopes    string    `gorm:"not null;default:''"`
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// Role groups permissions under a name. System roles (admin, developer,
// viewer) ship with the platform and are immutable.
type Role struct {
	Base
	Name        string `gorm:"uniqueIndex;not null"`
	Description string `gorm:"not null;default:''"`
	IsSystem    bool   `gorm:"not null;default:false"`
}

// RolePermission attaches one permission string to a role.
type RolePermission struct {
	Base
	RoleID     uuid.UUID `gorm:"type:text;not null;index:idx_role_perm,unique"`
	Permission string    `gorm:"not null;index:idx_role_perm,unique"`
}

// RoleAssignment binds a role to a user, optionally scoped to one project.
// A NULL ProjectID means the assignment applies globally.
type RoleAssignment struct {
	Base
	UserID    uuid.UUID  `gorm:"type:text;not null;index"`
	RoleID    uuid.UUID  `gorm:"type:text;not null;index"`
	ProjectID *uuid.UUID `gorm:"type:text;index"`
}

// Delegation is a time-bounded grant of a single permission from one
// principal to another. Valid while revoked_at is NULL and expires_at is in
// the future.
type Delegation struct {
	Base
	DelegatorID uuid.UUID  `gorm:"type:text;not null;index"`
	DelegateID  uuid.UUID  `gorm:"type:text;not null;index"`
	Permission  string     `gorm:"not null"`
	ProjectID   *uuid.UUID `gorm:"type:text;index"`
	ExpiresAt   time.Time  `gorm:"not null;index"`
	RevokedAt   *time.Time
}

// Project visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Project is a hosted source repository plus everything hanging off it.
// Public projects grant implicit read to all authenticated users; the owner
// has implicit full access.
type Project struct {
	SoftDelete
	Name       string    `gorm:"uniqueIndex;not null"`
	OwnerID    uuid.UUID `gorm:"type:text;not null;index"`
	Visibility string    `gorm:"not null;default:'private'"`
	RepoPath   string    `gorm:"not null"`
}

// Secret scope values. SecretScopeAll matches any requested scope.
const (
	SecretScopeAll      = "all"
	SecretScopePipeline = "pipeline"
	SecretScopeDeploy   = "deploy"
)

// Secret is an envelope-encrypted value. ProjectID NULL means global; a
// partial unique index enforces global name uniqueness alongside the
// (project_id, name) composite index. Version bumps on every upsert.
type Secret struct {
	Base
	ProjectID *uuid.UUID `gorm:"type:text;index"`
	Name      string     `gorm:"not null"`
	// Ciphertext is the envelope nonce||gcm_output.
	Ciphertext []byte    `gorm:"not null"`
	Scope      string    `gorm:"not null;default:'all'"`
	Version    int       `gorm:"not null;default:1"`
	CreatedBy  uuid.UUID `gorm:"type:text;not null"`
}

// Agent session statuses.
const (
	SessionStatusPending   = "pending"
	SessionStatusRunning   = "running"
	SessionStatusCompleted = "completed"
	SessionStatusStopped   = "stopped"
	SessionStatusFailed    = "failed"
)

// AgentSession is one on-demand AI coding run. AgentUserID points at the
// ephemeral identity minted for this session and is unique to it.
type AgentSession struct {
	Base
	ProjectID      uuid.UUID  `gorm:"type:text;not null;index"`
	UserID         uuid.UUID  `gorm:"type:text;not null;index"`
	AgentUserID    *uuid.UUID `gorm:"type:text;uniqueIndex"`
	Prompt         string     `gorm:"type:text;not null"`
	Provider       string     `gorm:"not null;default:'claude'"`
	ProviderConfig string     `gorm:"type:text;default:'{}'"`
	Branch         string     `gorm:"not null;default:''"`
	PodName        string     `gorm:"not null;default:''"`
	Status         string     `gorm:"not null;default:'pending';index"`
	CostTokens     *int64
	FinishedAt     *time.Time
}

// Deployment desired statuses.
const (
	DesiredActive   = "active"
	DesiredStopped  = "stopped"
	DesiredRollback = "rollback"
)

// Deployment observed statuses.
const (
	CurrentPending = "pending"
	CurrentSyncing = "syncing"
	CurrentHealthy = "healthy"
	CurrentFailed  = "failed"
)

// Deployment is the declared state of one environment of a project. Any
// write of ImageRef or DesiredStatus resets CurrentStatus to pending; the
// reconciler drives observed toward desired.
type Deployment struct {
	Base
	ProjectID     uuid.UUID `gorm:"type:text;not null;index:idx_deploy_env,unique"`
	Environment   string    `gorm:"not null;index:idx_deploy_env,unique"`
	ImageRef      string    `gorm:"not null"`
	DesiredStatus string    `gorm:"not null;default:'active'"`
	CurrentStatus string    `gorm:"not null;default:'pending';index"`
}

// History actions recorded on deployment transitions.
const (
	HistoryDeploy   = "deploy"
	HistoryStop     = "stop"
	HistoryRollback = "rollback"
	HistorySynced   = "synced"
	HistoryFailed   = "failed"
)

// DeploymentHistory appends one row per transition for audit and rollback.
type DeploymentHistory struct {
	Base
	DeploymentID uuid.UUID `gorm:"type:text;not null;index"`
	Action       string    `gorm:"not null"`
	ImageRef     string    `gorm:"not null;default:''"`
	ActorID      uuid.UUID `gorm:"type:text;not null"`
}

// PreviewDeployment is a short-lived per-branch deployment. BranchSlug is the
// DNS-label-safe form of Branch; ExpiresAt = CreatedAt + TTLHours.
type PreviewDeployment struct {
	Base
	ProjectID     uuid.UUID `gorm:"type:text;not null;index"`
	Branch        string    `gorm:"not null"`
	BranchSlug    string    `gorm:"not null;index"`
	ImageRef      string    `gorm:"not null"`
	DesiredStatus string    `gorm:"not null;default:'active'"`
	CurrentStatus string    `gorm:"not null;default:'pending'"`
	TTLHours      int       `gorm:"not null;default:24"`
	ExpiresAt     time.Time `gorm:"not null;index"`
}

// Webhook is an outbound delivery target for project events. Secret signs
// delivery bodies and never leaves the service; it is encrypted at rest.
type Webhook struct {
	Base
	ProjectID uuid.UUID       `gorm:"type:text;not null;index"`
	URL       string          `gorm:"not null"`
	Events    string          `gorm:"not null;default:''"` // space-separated event types
	Secret    EncryptedString `gorm:"type:text;default:''"`
}

// WebhookAttempt records one delivery attempt, successful or not.
type WebhookAttempt struct {
	Base
	WebhookID  uuid.UUID `gorm:"type:text;not null;index"`
	Event      string    `gorm:"not null"`
	StatusCode int       `gorm:"not null;default:0"`
	Error      string    `gorm:"not null;default:''"`
	DurationMs int64     `gorm:"not null;default:0"`
}

// Notification statuses. Unread means pending or sent.
const (
	NotifPending = "pending"
	NotifSent    = "sent"
	NotifRead    = "read"
)

// Notification is an in-app or email message addressed to one user.
type Notification struct {
	Base
	UserID  uuid.UUID `gorm:"type:text;not null;index"`
	Type    string    `gorm:"not null"`
	Subject string    `gorm:"not null"`
	Channel string    `gorm:"not null;default:'in_app'"`
	Status  string    `gorm:"not null;default:'pending';index"`
}

// TelemetrySpan is a normalized OTLP span row with correlation columns.
type TelemetrySpan struct {
	Base
	Service   string     `gorm:"not null;index"`
	SessionID *uuid.UUID `gorm:"type:text;index"`
	ProjectID *uuid.UUID `gorm:"type:text;index"`
	UserID    *uuid.UUID `gorm:"type:text"`
	TraceID   string     `gorm:"not null;index"`
	SpanID    string     `gorm:"not null"`
	ParentID  string     `gorm:"not null;default:''"`
	Name      string     `gorm:"not null"`
	Kind      string     `gorm:"not null;default:'internal'"`
	Status    string     `gorm:"not null;default:''"`
	StartedAt time.Time  `gorm:"not null;index"`
	EndedAt   time.Time  `gorm:"not null"`
	AttrsJSON string     `gorm:"type:text;not null;default:'{}'"`
}

// TelemetryLog is a normalized OTLP log record row.
type TelemetryLog struct {
	Base
	Service   string     `gorm:"not null;index"`
	SessionID *uuid.UUID `gorm:"type:text;index"`
	ProjectID *uuid.UUID `gorm:"type:text;index"`
	UserID    *uuid.UUID `gorm:"type:text"`
	TraceID   string     `gorm:"not null;default:''"`
	SpanID    string     `gorm:"not null;default:''"`
	Severity  string     `gorm:"not null;default:'info';index"`
	Body      string     `gorm:"type:text;not null;default:''"`
	At        time.Time  `gorm:"not null;index"`
	AttrsJSON string     `gorm:"type:text;not null;default:'{}'"`
}

// TelemetryMetric is a normalized OTLP metric data point row.
type TelemetryMetric struct {
	Base
	Service   string     `gorm:"not null;index"`
	SessionID *uuid.UUID `gorm:"type:text;index"`
	ProjectID *uuid.UUID `gorm:"type:text;index"`
	UserID    *uuid.UUID `gorm:"type:text"`
	Name      string     `gorm:"not null;index"`
	Value     float64    `gorm:"not null;default:0"`
	At        time.Time  `gorm:"not null;index"`
	AttrsJSON string     `gorm:"type:text;not null;default:'{}'"`
}
