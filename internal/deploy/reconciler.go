package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/repositories"
)

// DefaultRolloutDeadline bounds how long a rollout may stay syncing before
// it is marked failed.
const DefaultRolloutDeadline = 5 * time.Minute

// Reconciler drives observed deployment state toward desired state, one
// pass per tick.
type Reconciler struct {
	deployments repositories.DeploymentRepository
	previews    repositories.PreviewRepository
	projects    repositories.ProjectRepository
	clients     kubernetes.Interface
	namespace   string
	events      EventSink
	logger      *zap.Logger
	deadline    time.Duration
	now         func() time.Time

	mu        sync.Mutex
	syncStart map[uuid.UUID]time.Time
}

// NewReconciler wires the control loop.
func NewReconciler(
	deployments repositories.DeploymentRepository,
	previews repositories.PreviewRepository,
	projects repositories.ProjectRepository,
	clients kubernetes.Interface,
	namespace string,
	events EventSink,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		deployments: deployments,
		previews:    previews,
		projects:    projects,
		clients:     clients,
		namespace:   namespace,
		events:      events,
		logger:      logger,
		deadline:    DefaultRolloutDeadline,
		now:         time.Now,
		syncStart:   make(map[uuid.UUID]time.Time),
	}
}

// Tick advances every unconverged deployment and preview by one step.
// Cluster errors leave the row untouched so the next tick retries.
func (r *Reconciler) Tick(ctx context.Context) error {
	deployments, err := r.deployments.ListUnreconciled(ctx)
	if err != nil {
		return err
	}
	for i := range deployments {
		if err := r.reconcileDeployment(ctx, &deployments[i]); err != nil {
			r.logger.Warn("deployment reconcile failed",
				zap.String("deployment_id", deployments[i].ID.String()),
				zap.Error(err))
		}
	}

	previews, err := r.previews.ListUnreconciled(ctx)
	if err != nil {
		return err
	}
	for i := range previews {
		if err := r.reconcilePreview(ctx, &previews[i]); err != nil {
			r.logger.Warn("preview reconcile failed",
				zap.String("preview_id", previews[i].ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcileDeployment(ctx context.Context, d *db.Deployment) error {
	project, err := r.projects.GetByID(ctx, d.ProjectID)
	if err != nil {
		return fmt.Errorf("deploy: project lookup: %w", err)
	}
	name := project.Name + "-" + d.Environment

	switch d.DesiredStatus {
	case db.DesiredRollback:
		return r.applyRollback(ctx, d)

	case db.DesiredStopped:
		if err := r.scaleToZero(ctx, name); err != nil {
			return err
		}
		r.clearStart(d.ID)
		return r.deployments.SetCurrentStatus(ctx, d.ID, db.CurrentHealthy)

	case db.DesiredActive:
		switch d.CurrentStatus {
		case db.CurrentPending:
			if err := r.applyWorkload(ctx, name, d.ImageRef); err != nil {
				return err
			}
			r.markStart(d.ID)
			return r.deployments.SetCurrentStatus(ctx, d.ID, db.CurrentSyncing)

		case db.CurrentSyncing:
			ready, err := r.workloadReady(ctx, name)
			if err != nil {
				return err
			}
			if ready {
				r.clearStart(d.ID)
				if err := r.deployments.SetCurrentStatus(ctx, d.ID, db.CurrentHealthy); err != nil {
					return err
				}
				if err := r.deployments.AppendHistory(ctx, &db.DeploymentHistory{
					DeploymentID: d.ID,
					Action:       db.HistorySynced,
					ImageRef:     d.ImageRef,
					ActorID:      uuid.Nil,
				}); err != nil {
					return err
				}
				r.emit(ctx, d.ProjectID, EventDeploymentSynced, d)
				r.logger.Info("deployment healthy",
					zap.String("name", name), zap.String("image", d.ImageRef))
				return nil
			}
			if r.startExceeded(d.ID) {
				r.clearStart(d.ID)
				if err := r.deployments.SetCurrentStatus(ctx, d.ID, db.CurrentFailed); err != nil {
					return err
				}
				if err := r.deployments.AppendHistory(ctx, &db.DeploymentHistory{
					DeploymentID: d.ID,
					Action:       db.HistoryFailed,
					ImageRef:     d.ImageRef,
					ActorID:      uuid.Nil,
				}); err != nil {
					return err
				}
				r.emit(ctx, d.ProjectID, EventDeploymentFailed, d)
				r.logger.Warn("deployment rollout deadline exceeded", zap.String("name", name))
			}
			return nil
		}
	}
	return nil
}

// applyRollback rewrites the deployment's image to the latest distinct
// deployed image and flips desired back to active. The actual cluster apply
// happens on the following tick through the normal pending path.
func (r *Reconciler) applyRollback(ctx context.Context, d *db.Deployment) error {
	target, err := r.deployments.LatestRollbackTarget(ctx, d.ID, d.ImageRef)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			r.logger.Warn("rollback with no target", zap.String("deployment_id", d.ID.String()))
			return r.deployments.SetCurrentStatus(ctx, d.ID, db.CurrentFailed)
		}
		return err
	}

	d.ImageRef = target.ImageRef
	d.DesiredStatus = db.DesiredActive
	d.CurrentStatus = db.CurrentPending
	if err := r.deployments.Update(ctx, d); err != nil {
		return err
	}
	if err := r.deployments.AppendHistory(ctx, &db.DeploymentHistory{
		DeploymentID: d.ID,
		Action:       db.HistoryRollback,
		ImageRef:     target.ImageRef,
		ActorID:      uuid.Nil,
	}); err != nil {
		return err
	}

	r.logger.Info("rollback applied",
		zap.String("deployment_id", d.ID.String()),
		zap.String("image", target.ImageRef))
	return nil
}

func (r *Reconciler) reconcilePreview(ctx context.Context, p *db.PreviewDeployment) error {
	project, err := r.projects.GetByID(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("deploy: project lookup: %w", err)
	}
	name := project.Name + "-preview-" + p.BranchSlug

	switch p.DesiredStatus {
	case db.DesiredStopped:
		if err := r.deleteWorkload(ctx, name); err != nil {
			return err
		}
		r.clearStart(p.ID)
		return r.previews.SetCurrentStatus(ctx, p.ID, db.CurrentHealthy)

	case db.DesiredActive:
		switch p.CurrentStatus {
		case db.CurrentPending:
			if err := r.applyWorkload(ctx, name, p.ImageRef); err != nil {
				return err
			}
			r.markStart(p.ID)
			return r.previews.SetCurrentStatus(ctx, p.ID, db.CurrentSyncing)

		case db.CurrentSyncing:
			ready, err := r.workloadReady(ctx, name)
			if err != nil {
				return err
			}
			if ready {
				r.clearStart(p.ID)
				return r.previews.SetCurrentStatus(ctx, p.ID, db.CurrentHealthy)
			}
			if r.startExceeded(p.ID) {
				r.clearStart(p.ID)
				return r.previews.SetCurrentStatus(ctx, p.ID, db.CurrentFailed)
			}
			return nil
		}
	}
	return nil
}

// SweepExpiredPreviews flags previews past their TTL for teardown.
func (r *Reconciler) SweepExpiredPreviews(ctx context.Context) error {
	expired, err := r.previews.ListExpired(ctx, r.now())
	if err != nil {
		return err
	}
	for i := range expired {
		p := &expired[i]
		if p.DesiredStatus == db.DesiredStopped {
			continue
		}
		p.DesiredStatus = db.DesiredStopped
		p.CurrentStatus = db.CurrentPending
		if err := r.previews.Update(ctx, p); err != nil {
			r.logger.Warn("preview expiry update failed",
				zap.String("preview_id", p.ID.String()), zap.Error(err))
			continue
		}
		r.emit(ctx, p.ProjectID, EventPreviewExpired, p)
		r.logger.Info("preview expired",
			zap.String("preview_id", p.ID.String()),
			zap.String("branch", p.Branch))
	}
	return nil
}

// applyWorkload creates or updates the cluster Deployment for name with the
// given image.
func (r *Reconciler) applyWorkload(ctx context.Context, name, imageRef string) error {
	desired := r.buildWorkload(name, imageRef)
	client := r.clients.AppsV1().Deployments(r.namespace)

	existing, err := client.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, desired, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("deploy: create workload %s: %w", name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("deploy: get workload %s: %w", name, err)
	}

	existing.Spec = desired.Spec
	if _, err := client.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("deploy: update workload %s: %w", name, err)
	}
	return nil
}

func (r *Reconciler) buildWorkload(name, imageRef string) *appsv1.Deployment {
	replicas := int32(1)
	labels := map[string]string{"app": name, "platform.io/managed": "true"}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{Name: "app", Image: imageRef},
					},
				},
			},
		},
	}
}

// workloadReady reports whether every declared replica is Ready.
func (r *Reconciler) workloadReady(ctx context.Context, name string) (bool, error) {
	workload, err := r.clients.AppsV1().Deployments(r.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("deploy: get workload %s: %w", name, err)
	}

	want := int32(1)
	if workload.Spec.Replicas != nil {
		want = *workload.Spec.Replicas
	}
	return want > 0 && workload.Status.ReadyReplicas >= want, nil
}

func (r *Reconciler) scaleToZero(ctx context.Context, name string) error {
	client := r.clients.AppsV1().Deployments(r.namespace)
	workload, err := client.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("deploy: get workload %s: %w", name, err)
	}

	zero := int32(0)
	workload.Spec.Replicas = &zero
	if _, err := client.Update(ctx, workload, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("deploy: scale workload %s: %w", name, err)
	}
	return nil
}

func (r *Reconciler) deleteWorkload(ctx context.Context, name string) error {
	err := r.clients.AppsV1().Deployments(r.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deploy: delete workload %s: %w", name, err)
	}
	return nil
}

func (r *Reconciler) markStart(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.syncStart[id]; !ok {
		r.syncStart[id] = r.now()
	}
}

func (r *Reconciler) clearStart(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.syncStart, id)
}

// startExceeded reports whether the rollout has been syncing longer than
// the deadline. A missing entry (process restart) restarts the clock.
func (r *Reconciler) startExceeded(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, ok := r.syncStart[id]
	if !ok {
		r.syncStart[id] = r.now()
		return false
	}
	return r.now().Sub(start) > r.deadline
}

func (r *Reconciler) emit(ctx context.Context, projectID uuid.UUID, event string, data any) {
	if r.events == nil {
		return
	}
	r.events.ProjectEvent(ctx, projectID, event, data)
}
