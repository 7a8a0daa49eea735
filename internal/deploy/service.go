// Package deploy declares desired deployment state and reconciles the
// cluster toward it. Requests only write rows; a periodic control loop does
// the cluster work.
package deploy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

// Event types fanned out to webhooks on deployment transitions.
const (
	EventDeploymentUpdated = "deployment.updated"
	EventDeploymentSynced  = "deployment.synced"
	EventDeploymentFailed  = "deployment.failed"
	EventPreviewCreated    = "preview.created"
	EventPreviewExpired    = "preview.expired"
)

// EventSink receives domain events for asynchronous fan-out. Satisfied by
// the webhook dispatcher; a nil sink drops events.
type EventSink interface {
	ProjectEvent(ctx context.Context, projectID uuid.UUID, event string, data any)
}

const defaultPreviewTTLHours = 24

// Service is the request-facing side of the deployment subsystem.
type Service struct {
	deployments repositories.DeploymentRepository
	previews    repositories.PreviewRepository
	projects    repositories.ProjectRepository
	engine      *authz.Engine
	events      EventSink
	registry    string
	logger      *zap.Logger
	now         func() time.Time
}

// NewService wires the deployment service. A non-empty registry restricts
// image refs to that registry; empty accepts any ref.
func NewService(
	deployments repositories.DeploymentRepository,
	previews repositories.PreviewRepository,
	projects repositories.ProjectRepository,
	engine *authz.Engine,
	events EventSink,
	registry string,
	logger *zap.Logger,
) *Service {
	return &Service{
		deployments: deployments,
		previews:    previews,
		projects:    projects,
		engine:      engine,
		events:      events,
		registry:    strings.TrimSuffix(registry, "/"),
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Service) checkImageRef(imageRef string) error {
	if s.registry == "" {
		return nil
	}
	if !strings.HasPrefix(imageRef, s.registry+"/") {
		return platerr.Newf(platerr.KindBadRequest, "image_ref must come from registry %s", s.registry)
	}
	return nil
}

// Deploy declares an image for a project environment, creating the
// deployment on first use. The observed status always drops to pending so
// the reconciler picks it up.
func (s *Service) Deploy(ctx context.Context, principal *auth.Principal, projectID uuid.UUID, environment, imageRef string) (*db.Deployment, error) {
	if err := s.engine.Require(ctx, principal, authz.PermDeployWrite, &projectID); err != nil {
		return nil, err
	}
	if environment == "" || imageRef == "" {
		return nil, platerr.New(platerr.KindBadRequest, "environment and image_ref are required")
	}
	if err := s.checkImageRef(imageRef); err != nil {
		return nil, err
	}

	d, err := s.deployments.GetByProjectEnv(ctx, projectID, environment)
	switch {
	case err == nil:
		d.ImageRef = imageRef
		d.DesiredStatus = db.DesiredActive
		d.CurrentStatus = db.CurrentPending
		if err := s.deployments.Update(ctx, d); err != nil {
			return nil, err
		}
	case errors.Is(err, repositories.ErrNotFound):
		d = &db.Deployment{
			ProjectID:     projectID,
			Environment:   environment,
			ImageRef:      imageRef,
			DesiredStatus: db.DesiredActive,
			CurrentStatus: db.CurrentPending,
		}
		if err := s.deployments.Create(ctx, d); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := s.deployments.AppendHistory(ctx, &db.DeploymentHistory{
		DeploymentID: d.ID,
		Action:       db.HistoryDeploy,
		ImageRef:     imageRef,
		ActorID:      principal.User.ID,
	}); err != nil {
		return nil, err
	}

	s.emit(ctx, projectID, EventDeploymentUpdated, d)
	s.logger.Info("deployment declared",
		zap.String("project_id", projectID.String()),
		zap.String("environment", environment),
		zap.String("image", imageRef))
	return d, nil
}

// Stop declares the environment scaled to zero.
func (s *Service) Stop(ctx context.Context, principal *auth.Principal, id uuid.UUID) (*db.Deployment, error) {
	d, err := s.authorizedDeployment(ctx, principal, id, authz.PermDeployWrite)
	if err != nil {
		return nil, err
	}

	d.DesiredStatus = db.DesiredStopped
	d.CurrentStatus = db.CurrentPending
	if err := s.deployments.Update(ctx, d); err != nil {
		return nil, err
	}
	if err := s.deployments.AppendHistory(ctx, &db.DeploymentHistory{
		DeploymentID: d.ID,
		Action:       db.HistoryStop,
		ImageRef:     d.ImageRef,
		ActorID:      principal.User.ID,
	}); err != nil {
		return nil, err
	}

	s.emit(ctx, d.ProjectID, EventDeploymentUpdated, d)
	return d, nil
}

// Rollback asks the reconciler to rewind to the previous deployed image. It
// fails fast when no earlier image exists in the history.
func (s *Service) Rollback(ctx context.Context, principal *auth.Principal, id uuid.UUID) (*db.Deployment, error) {
	d, err := s.authorizedDeployment(ctx, principal, id, authz.PermDeployWrite)
	if err != nil {
		return nil, err
	}

	if _, err := s.deployments.LatestRollbackTarget(ctx, d.ID, d.ImageRef); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, platerr.New(platerr.KindConflict, "no earlier image to roll back to")
		}
		return nil, err
	}

	d.DesiredStatus = db.DesiredRollback
	d.CurrentStatus = db.CurrentPending
	if err := s.deployments.Update(ctx, d); err != nil {
		return nil, err
	}

	s.emit(ctx, d.ProjectID, EventDeploymentUpdated, d)
	return d, nil
}

// Get returns a deployment the principal may read.
func (s *Service) Get(ctx context.Context, principal *auth.Principal, id uuid.UUID) (*db.Deployment, error) {
	return s.authorizedDeployment(ctx, principal, id, authz.PermProjectRead)
}

// List returns a project's deployments.
func (s *Service) List(ctx context.Context, principal *auth.Principal, projectID uuid.UUID) ([]db.Deployment, error) {
	if err := s.engine.Require(ctx, principal, authz.PermProjectRead, &projectID); err != nil {
		return nil, err
	}
	return s.deployments.List(ctx, projectID)
}

// History returns the most recent transitions of a deployment.
func (s *Service) History(ctx context.Context, principal *auth.Principal, id uuid.UUID, limit int) ([]db.DeploymentHistory, error) {
	d, err := s.authorizedDeployment(ctx, principal, id, authz.PermProjectRead)
	if err != nil {
		return nil, err
	}
	return s.deployments.History(ctx, d.ID, limit)
}

// CreatePreview declares a per-branch preview with a TTL.
func (s *Service) CreatePreview(ctx context.Context, principal *auth.Principal, projectID uuid.UUID, branch, imageRef string, ttlHours int) (*db.PreviewDeployment, error) {
	if err := s.engine.Require(ctx, principal, authz.PermDeployWrite, &projectID); err != nil {
		return nil, err
	}
	if branch == "" || imageRef == "" {
		return nil, platerr.New(platerr.KindBadRequest, "branch and image_ref are required")
	}
	if err := s.checkImageRef(imageRef); err != nil {
		return nil, err
	}
	if ttlHours <= 0 {
		ttlHours = defaultPreviewTTLHours
	}

	now := s.now()
	p, err := s.previews.GetByProjectBranch(ctx, projectID, branch)
	switch {
	case err == nil:
		p.ImageRef = imageRef
		p.DesiredStatus = db.DesiredActive
		p.CurrentStatus = db.CurrentPending
		p.TTLHours = ttlHours
		p.ExpiresAt = now.Add(time.Duration(ttlHours) * time.Hour)
		if err := s.previews.Update(ctx, p); err != nil {
			return nil, err
		}
	case errors.Is(err, repositories.ErrNotFound):
		p = &db.PreviewDeployment{
			ProjectID:     projectID,
			Branch:        branch,
			BranchSlug:    Slugify(branch),
			ImageRef:      imageRef,
			DesiredStatus: db.DesiredActive,
			CurrentStatus: db.CurrentPending,
			TTLHours:      ttlHours,
			ExpiresAt:     now.Add(time.Duration(ttlHours) * time.Hour),
		}
		if err := s.previews.Create(ctx, p); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	s.emit(ctx, projectID, EventPreviewCreated, p)
	return p, nil
}

// ListPreviews returns a project's previews.
func (s *Service) ListPreviews(ctx context.Context, principal *auth.Principal, projectID uuid.UUID) ([]db.PreviewDeployment, error) {
	if err := s.engine.Require(ctx, principal, authz.PermProjectRead, &projectID); err != nil {
		return nil, err
	}
	return s.previews.ListByProject(ctx, projectID)
}

// StopPreview declares a preview scaled to zero.
func (s *Service) StopPreview(ctx context.Context, principal *auth.Principal, id uuid.UUID) error {
	p, err := s.previews.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return platerr.New(platerr.KindNotFound, "preview not found")
		}
		return err
	}
	if err := s.engine.Require(ctx, principal, authz.PermDeployWrite, &p.ProjectID); err != nil {
		return err
	}

	p.DesiredStatus = db.DesiredStopped
	p.CurrentStatus = db.CurrentPending
	return s.previews.Update(ctx, p)
}

// HandleMerge is the merge-request hook: merging a branch stops its preview.
// No preview for the branch is not an error.
func (s *Service) HandleMerge(ctx context.Context, projectID uuid.UUID, branch string) error {
	p, err := s.previews.GetByProjectBranch(ctx, projectID, branch)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return err
	}

	p.DesiredStatus = db.DesiredStopped
	p.CurrentStatus = db.CurrentPending
	if err := s.previews.Update(ctx, p); err != nil {
		return err
	}

	s.emit(ctx, projectID, EventPreviewExpired, p)
	s.logger.Info("preview stopped on merge",
		zap.String("project_id", projectID.String()),
		zap.String("branch", branch))
	return nil
}

func (s *Service) authorizedDeployment(ctx context.Context, principal *auth.Principal, id uuid.UUID, permission string) (*db.Deployment, error) {
	d, err := s.deployments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, platerr.New(platerr.KindNotFound, "deployment not found")
		}
		return nil, err
	}
	if err := s.engine.Require(ctx, principal, permission, &d.ProjectID); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) emit(ctx context.Context, projectID uuid.UUID, event string, data any) {
	if s.events == nil {
		return
	}
	s.events.ProjectEvent(ctx, projectID, event, data)
}
