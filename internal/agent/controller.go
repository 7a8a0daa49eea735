// Package agent runs on-demand AI coding sessions: it mints an ephemeral
// identity, launches a workload pod, relays progress events over pub/sub and
// reaps everything when the pod reaches a terminal phase.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/cache"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/objectstore"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

// Config holds the controller's cluster and provider settings.
type Config struct {
	Namespace         string
	Image             string
	Model             string
	MaxTurns          int
	PlatformURL       string
	ProviderKeySecret string
}

// CreateRequest is the caller's session specification.
type CreateRequest struct {
	ProjectID uuid.UUID
	Prompt    string
	Branch    string
	Provider  string
	Scopes    []string
}

// Controller owns the agent-session lifecycle.
type Controller struct {
	sessions repositories.AgentSessionRepository
	users    repositories.UserRepository
	tokens   repositories.ApiTokenRepository
	roles    repositories.RoleRepository
	projects repositories.ProjectRepository
	engine   *authz.Engine
	clients  kubernetes.Interface
	cache    *cache.Cache
	store    objectstore.Store
	cfg      Config
	logger   *zap.Logger
}

// NewController wires the controller's collaborators.
func NewController(
	sessions repositories.AgentSessionRepository,
	users repositories.UserRepository,
	tokens repositories.ApiTokenRepository,
	roles repositories.RoleRepository,
	projects repositories.ProjectRepository,
	engine *authz.Engine,
	clients kubernetes.Interface,
	c *cache.Cache,
	store objectstore.Store,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		sessions: sessions,
		users:    users,
		tokens:   tokens,
		roles:    roles,
		projects: projects,
		engine:   engine,
		clients:  clients,
		cache:    c,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// Overridable clock for tests.
var timeNow = time.Now

// EventChannel is the pub/sub channel carrying a session's progress events.
func EventChannel(sessionID uuid.UUID) string {
	return "session:" + sessionID.String() + ":events"
}

// Create authorizes, mints the ephemeral identity, launches the pod and
// returns the running session.
func (c *Controller) Create(ctx context.Context, principal *auth.Principal, req CreateRequest) (*db.AgentSession, error) {
	if err := c.engine.Require(ctx, principal, authz.PermAgentSpawn, &req.ProjectID); err != nil {
		return nil, err
	}
	if req.Prompt == "" {
		return nil, platerr.New(platerr.KindBadRequest, "prompt is required")
	}
	if principal.User.Kind != db.UserKindHuman {
		return nil, platerr.New(platerr.KindForbidden, "only humans may spawn agents")
	}

	project, err := c.projects.GetByID(ctx, req.ProjectID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, platerr.New(platerr.KindNotFound, "project not found")
		}
		return nil, err
	}

	provider := req.Provider
	if provider == "" {
		provider = "claude"
	}
	session := &db.AgentSession{
		ProjectID: req.ProjectID,
		UserID:    principal.User.ID,
		Prompt:    req.Prompt,
		Provider:  provider,
		Branch:    req.Branch,
		Status:    db.SessionStatusPending,
	}
	if err := c.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	ident, err := c.mintIdentity(ctx, session.ID, req.ProjectID, req.Scopes)
	if err != nil {
		c.failSession(ctx, session, err)
		return nil, err
	}
	agentUserID := ident.user.ID
	session.AgentUserID = &agentUserID

	pod := c.buildPod(session, project.RepoPath, ident.rawToken)
	if _, err := c.clients.CoreV1().Pods(c.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		c.failSession(ctx, session, err)
		_ = c.teardownIdentity(ctx, agentUserID)
		return nil, platerr.Wrap(platerr.KindUpstream, "failed to launch session pod", err)
	}

	session.PodName = pod.Name
	session.Status = db.SessionStatusRunning
	if err := c.sessions.Update(ctx, session); err != nil {
		return nil, err
	}

	c.logger.Info("agent session started",
		zap.String("session_id", session.ID.String()),
		zap.String("pod", pod.Name),
		zap.String("project_id", req.ProjectID.String()))
	return session, nil
}

// Stop requests teardown of a running session. The reaper does the actual
// capture and cleanup so stop and natural completion share one code path.
func (c *Controller) Stop(ctx context.Context, principal *auth.Principal, sessionID uuid.UUID) error {
	session, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return platerr.New(platerr.KindNotFound, "session not found")
		}
		return err
	}

	if err := c.engine.Require(ctx, principal, authz.PermAgentSpawn, &session.ProjectID); err != nil {
		return err
	}

	switch session.Status {
	case db.SessionStatusCompleted, db.SessionStatusStopped, db.SessionStatusFailed:
		return nil
	}

	return c.reapSession(ctx, session, db.SessionStatusStopped)
}

// Get returns a session the principal may observe.
func (c *Controller) Get(ctx context.Context, principal *auth.Principal, sessionID uuid.UUID) (*db.AgentSession, error) {
	session, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, platerr.New(platerr.KindNotFound, "session not found")
		}
		return nil, err
	}
	if err := c.engine.Require(ctx, principal, authz.PermObserveRead, &session.ProjectID); err != nil {
		return nil, err
	}
	return session, nil
}

// ListByProject lists sessions for a project the principal may observe.
func (c *Controller) ListByProject(ctx context.Context, principal *auth.Principal, projectID uuid.UUID, opts repositories.ListOptions) ([]db.AgentSession, int64, error) {
	if err := c.engine.Require(ctx, principal, authz.PermObserveRead, &projectID); err != nil {
		return nil, 0, err
	}
	return c.sessions.ListByProject(ctx, projectID, opts)
}

// PublishEvent sends a progress event to the session's subscribers. Without
// subscribers the publish is a no-op sink; errors are logged and dropped so
// streaming never blocks the session.
func (c *Controller) PublishEvent(ctx context.Context, sessionID uuid.UUID, ev Event) {
	if c.cache == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("event marshal failed", zap.Error(err))
		return
	}
	if err := c.cache.Publish(ctx, EventChannel(sessionID), string(payload)); err != nil {
		c.logger.Warn("event publish failed",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	}
}

func (c *Controller) failSession(ctx context.Context, session *db.AgentSession, cause error) {
	c.logger.Error("agent session failed to start",
		zap.String("session_id", session.ID.String()),
		zap.Error(cause))
	if err := c.sessions.UpdateStatus(ctx, session.ID, db.SessionStatusFailed); err != nil {
		c.logger.Error("failed to mark session failed", zap.Error(err))
	}
}

// deletePod removes a session pod, tolerating it being gone already.
func (c *Controller) deletePod(ctx context.Context, podName string) error {
	err := c.clients.CoreV1().Pods(c.cfg.Namespace).Delete(ctx, podName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("agent: delete pod %s: %w", podName, err)
	}
	return nil
}
