package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

const testNamespace = "deploys"

type deployFixture struct {
	service     *Service
	reconciler  *Reconciler
	clients     *fake.Clientset
	deployments repositories.DeploymentRepository
	previews    repositories.PreviewRepository
	projects    repositories.ProjectRepository
	users       repositories.UserRepository
}

func newDeployFixture(t *testing.T) *deployFixture {
	t.Helper()
	database, err := db.NewMemory(zap.NewNop())
	require.NoError(t, err)

	f := &deployFixture{
		clients:     fake.NewSimpleClientset(),
		deployments: repositories.NewDeploymentRepository(database),
		previews:    repositories.NewPreviewRepository(database),
		projects:    repositories.NewProjectRepository(database),
		users:       repositories.NewUserRepository(database),
	}

	roles := repositories.NewRoleRepository(database)
	delegations := repositories.NewDelegationRepository(database)
	engine := authz.NewEngine(roles, delegations, f.projects, nil, zap.NewNop())

	f.service = NewService(f.deployments, f.previews, f.projects, engine, nil, "", zap.NewNop())
	f.reconciler = NewReconciler(f.deployments, f.previews, f.projects, f.clients, testNamespace, nil, zap.NewNop())
	return f
}

func (f *deployFixture) owner(t *testing.T) (*auth.Principal, *db.Project) {
	t.Helper()
	ctx := context.Background()
	u := &db.User{Name: "alice", Kind: db.UserKindHuman, IsActive: true}
	require.NoError(t, f.users.Create(ctx, u))
	p := &db.Project{Name: "app", OwnerID: u.ID, Visibility: db.VisibilityPrivate, RepoPath: "/srv/git/app.git"}
	require.NoError(t, f.projects.Create(ctx, p))
	return &auth.Principal{User: u}, p
}

// markReady sets the cluster workload's ready replicas to its declared count.
func (f *deployFixture) markReady(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	workload, err := f.clients.AppsV1().Deployments(testNamespace).Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	want := int32(1)
	if workload.Spec.Replicas != nil {
		want = *workload.Spec.Replicas
	}
	workload.Status.ReadyReplicas = want
	_, err = f.clients.AppsV1().Deployments(testNamespace).UpdateStatus(ctx, workload, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestDeployCreatesAndConverges(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	principal, project := f.owner(t)

	d, err := f.service.Deploy(ctx, principal, project.ID, "production", "app:v1")
	require.NoError(t, err)
	assert.Equal(t, db.CurrentPending, d.CurrentStatus)

	// First tick applies the workload and moves to syncing.
	require.NoError(t, f.reconciler.Tick(ctx))
	got, err := f.deployments.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, db.CurrentSyncing, got.CurrentStatus)

	workload, err := f.clients.AppsV1().Deployments(testNamespace).Get(ctx, "app-production", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "app:v1", workload.Spec.Template.Spec.Containers[0].Image)

	// Ready replicas converge it to healthy with a synced history row.
	f.markReady(t, "app-production")
	require.NoError(t, f.reconciler.Tick(ctx))
	got, err = f.deployments.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, db.CurrentHealthy, got.CurrentStatus)

	history, err := f.deployments.History(ctx, d.ID, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(history))
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	assert.Contains(t, actions, db.HistoryDeploy)
	assert.Contains(t, actions, db.HistorySynced)
}

func TestImageChangeResetsToPending(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	principal, project := f.owner(t)

	d, err := f.service.Deploy(ctx, principal, project.ID, "production", "app:v1")
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Tick(ctx))
	f.markReady(t, "app-production")
	require.NoError(t, f.reconciler.Tick(ctx))

	d2, err := f.service.Deploy(ctx, principal, project.ID, "production", "app:v2")
	require.NoError(t, err)
	assert.Equal(t, d.ID, d2.ID)
	assert.Equal(t, db.CurrentPending, d2.CurrentStatus)
	assert.Equal(t, "app:v2", d2.ImageRef)
}

func TestRolloutDeadlineFails(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	principal, project := f.owner(t)

	now := time.Now()
	f.reconciler.now = func() time.Time { return now }

	d, err := f.service.Deploy(ctx, principal, project.ID, "production", "app:v1")
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Tick(ctx))

	// Never ready; pass the deadline.
	now = now.Add(DefaultRolloutDeadline + time.Second)
	require.NoError(t, f.reconciler.Tick(ctx))

	got, err := f.deployments.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, db.CurrentFailed, got.CurrentStatus)
}

func TestStopScalesToZero(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	principal, project := f.owner(t)

	d, err := f.service.Deploy(ctx, principal, project.ID, "production", "app:v1")
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Tick(ctx))
	f.markReady(t, "app-production")
	require.NoError(t, f.reconciler.Tick(ctx))

	_, err = f.service.Stop(ctx, principal, d.ID)
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Tick(ctx))

	workload, err := f.clients.AppsV1().Deployments(testNamespace).Get(ctx, "app-production", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, workload.Spec.Replicas)
	assert.Equal(t, int32(0), *workload.Spec.Replicas)

	got, err := f.deployments.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, db.CurrentHealthy, got.CurrentStatus)
}

func TestRollbackRewindsImage(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	principal, project := f.owner(t)

	d, err := f.service.Deploy(ctx, principal, project.ID, "production", "app:v1")
	require.NoError(t, err)
	_, err = f.service.Deploy(ctx, principal, project.ID, "production", "app:v2")
	require.NoError(t, err)

	_, err = f.service.Rollback(ctx, principal, d.ID)
	require.NoError(t, err)

	// One tick resolves the target; the next applies it.
	require.NoError(t, f.reconciler.Tick(ctx))
	got, err := f.deployments.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "app:v1", got.ImageRef)
	assert.Equal(t, db.DesiredActive, got.DesiredStatus)
	assert.Equal(t, db.CurrentPending, got.CurrentStatus)

	require.NoError(t, f.reconciler.Tick(ctx))
	workload, err := f.clients.AppsV1().Deployments(testNamespace).Get(ctx, "app-production", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "app:v1", workload.Spec.Template.Spec.Containers[0].Image)

	history, err := f.deployments.History(ctx, d.ID, 0)
	require.NoError(t, err)
	var sawRollback bool
	for _, h := range history {
		if h.Action == db.HistoryRollback {
			sawRollback = true
			assert.Equal(t, "app:v1", h.ImageRef)
		}
	}
	assert.True(t, sawRollback)
}

func TestRollbackWithoutTargetConflicts(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	principal, project := f.owner(t)

	d, err := f.service.Deploy(ctx, principal, project.ID, "production", "app:v1")
	require.NoError(t, err)

	_, err = f.service.Rollback(ctx, principal, d.ID)
	assert.Equal(t, platerr.KindConflict, platerr.KindOf(err))
}

func TestRegistryRestriction(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	principal, project := f.owner(t)
	f.service.registry = "registry.internal"

	_, err := f.service.Deploy(ctx, principal, project.ID, "production", "docker.io/evil:latest")
	assert.Equal(t, platerr.KindBadRequest, platerr.KindOf(err))

	_, err = f.service.CreatePreview(ctx, principal, project.ID, "feature/z", "registry.internal.evil.com/app:v1", 24)
	assert.Equal(t, platerr.KindBadRequest, platerr.KindOf(err))

	_, err = f.service.Deploy(ctx, principal, project.ID, "production", "registry.internal/app:v1")
	require.NoError(t, err)
}

func TestDeployAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	_, project := f.owner(t)

	outsider := &db.User{Name: "outsider", Kind: db.UserKindHuman, IsActive: true}
	require.NoError(t, f.users.Create(ctx, outsider))

	_, err := f.service.Deploy(ctx, &auth.Principal{User: outsider}, project.ID, "production", "app:v1")
	assert.Equal(t, platerr.KindConcealed, platerr.KindOf(err))
}

func TestPreviewLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	principal, project := f.owner(t)

	p, err := f.service.CreatePreview(ctx, principal, project.ID, "feature/login", "app:pr-7", 24)
	require.NoError(t, err)
	assert.Equal(t, "feature-login", p.BranchSlug)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), p.ExpiresAt, time.Minute)

	require.NoError(t, f.reconciler.Tick(ctx))
	_, err = f.clients.AppsV1().Deployments(testNamespace).Get(ctx, "app-preview-feature-login", metav1.GetOptions{})
	require.NoError(t, err)

	f.markReady(t, "app-preview-feature-login")
	require.NoError(t, f.reconciler.Tick(ctx))
	got, err := f.previews.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.CurrentHealthy, got.CurrentStatus)
}

func TestPreviewSweeper(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	principal, project := f.owner(t)

	p, err := f.service.CreatePreview(ctx, principal, project.ID, "feature/x", "app:pr-1", 1)
	require.NoError(t, err)

	// Not yet expired.
	require.NoError(t, f.reconciler.SweepExpiredPreviews(ctx))
	got, err := f.previews.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DesiredActive, got.DesiredStatus)

	f.reconciler.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, f.reconciler.SweepExpiredPreviews(ctx))
	got, err = f.previews.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DesiredStopped, got.DesiredStatus)
	assert.Equal(t, db.CurrentPending, got.CurrentStatus)

	// Teardown deletes the preview workload.
	require.NoError(t, f.reconciler.Tick(ctx))
	_, err = f.clients.AppsV1().Deployments(testNamespace).Get(ctx, "app-preview-feature-x", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestHandleMergeStopsPreview(t *testing.T) {
	ctx := context.Background()
	f := newDeployFixture(t)
	principal, project := f.owner(t)

	p, err := f.service.CreatePreview(ctx, principal, project.ID, "feature/y", "app:pr-2", 24)
	require.NoError(t, err)

	require.NoError(t, f.service.HandleMerge(ctx, project.ID, "feature/y"))
	got, err := f.previews.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DesiredStopped, got.DesiredStatus)

	// Unknown branch is a no-op.
	require.NoError(t, f.service.HandleMerge(ctx, project.ID, "never-existed"))
}
