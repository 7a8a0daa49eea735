package agent

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/objectstore"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

type agentFixture struct {
	controller *Controller
	clients    *fake.Clientset
	sessions   repositories.AgentSessionRepository
	users      repositories.UserRepository
	tokens     repositories.ApiTokenRepository
	roles      repositories.RoleRepository
	projects   repositories.ProjectRepository
	store      *objectstore.MemoryStore
}

func newAgentFixture(t *testing.T) *agentFixture {
	t.Helper()
	database, err := db.NewMemory(zap.NewNop())
	require.NoError(t, err)

	f := &agentFixture{
		clients:  fake.NewSimpleClientset(),
		sessions: repositories.NewAgentSessionRepository(database),
		users:    repositories.NewUserRepository(database),
		tokens:   repositories.NewApiTokenRepository(database),
		roles:    repositories.NewRoleRepository(database),
		projects: repositories.NewProjectRepository(database),
		store:    objectstore.NewMemory(),
	}

	delegations := repositories.NewDelegationRepository(database)
	engine := authz.NewEngine(f.roles, delegations, f.projects, nil, zap.NewNop())

	devRole := &db.Role{Name: authz.RoleDeveloper, IsSystem: true}
	require.NoError(t, f.roles.Create(context.Background(), devRole, authz.SystemRoles[authz.RoleDeveloper]))

	f.controller = NewController(
		f.sessions, f.users, f.tokens, f.roles, f.projects,
		engine, f.clients, nil, f.store,
		Config{
			Namespace:         "agents",
			Image:             "registry.local/agent-runner:latest",
			Model:             "sonnet",
			MaxTurns:          40,
			PlatformURL:       "https://platform.internal",
			ProviderKeySecret: "provider-api-key",
		},
		zap.NewNop(),
	)
	return f
}

func (f *agentFixture) owner(t *testing.T) (*auth.Principal, *db.Project) {
	t.Helper()
	ctx := context.Background()
	u := &db.User{Name: "alice", Kind: db.UserKindHuman, IsActive: true}
	require.NoError(t, f.users.Create(ctx, u))
	p := &db.Project{Name: "app", OwnerID: u.ID, Visibility: db.VisibilityPrivate, RepoPath: "/srv/git/app.git"}
	require.NoError(t, f.projects.Create(ctx, p))
	return &auth.Principal{User: u}, p
}

func TestPodShape(t *testing.T) {
	f := newAgentFixture(t)

	sessionID := uuid.MustParse("12345678-1234-1234-1234-123456789abc")
	projectID := uuid.New()
	session := &db.AgentSession{
		Prompt:    "Fix the tests",
		ProjectID: projectID,
	}
	session.ID = sessionID

	pod := f.controller.buildPod(session, "/srv/git/app.git", "plat_api_raw")

	assert.Equal(t, "agent-12345678", pod.Name)
	assert.Equal(t, "agents", pod.Namespace)
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Equal(t, "agent-session", pod.Labels[LabelComponent])
	assert.Equal(t, sessionID.String(), pod.Labels[LabelSession])
	assert.Equal(t, projectID.String(), pod.Labels[LabelProject])

	require.Len(t, pod.Spec.InitContainers, 1)
	init := pod.Spec.InitContainers[0]
	assert.Equal(t, "git-clone", init.Name)
	assert.Equal(t, "alpine/git:latest", init.Image)

	require.Len(t, pod.Spec.Containers, 1)
	main := pod.Spec.Containers[0]
	assert.Equal(t, "claude", main.Name)
	assert.True(t, main.Stdin)
	assert.False(t, main.TTY)

	env := map[string]string{}
	var secretRef *corev1.EnvVarSource
	for _, e := range main.Env {
		if e.ValueFrom != nil {
			secretRef = e.ValueFrom
			continue
		}
		env[e.Name] = e.Value
	}
	assert.Equal(t, sessionID.String(), env["SESSION_ID"])
	assert.Equal(t, projectID.String(), env["PROJECT_ID"])
	assert.Equal(t, "plat_api_raw", env["PLATFORM_API_TOKEN"])
	assert.Equal(t, "agent/12345678", env["BRANCH"])
	assert.Equal(t, "dev", env["AGENT_ROLE"])
	require.NotNil(t, secretRef)
	require.NotNil(t, secretRef.SecretKeyRef)
	assert.Equal(t, "provider-api-key", secretRef.SecretKeyRef.Name)

	joined := ""
	for _, a := range main.Args {
		joined += a + " "
	}
	assert.Contains(t, joined, "--output-format stream-json")
	assert.Contains(t, joined, "--mcp-config /tmp/mcp-config.json")
	assert.Contains(t, joined, "--permission-mode auto-accept-only")
	assert.Equal(t, "Fix the tests", main.Args[len(main.Args)-1])
}

func TestCreateMintsIdentityAndLaunchesPod(t *testing.T) {
	ctx := context.Background()
	f := newAgentFixture(t)
	principal, project := f.owner(t)

	session, err := f.controller.Create(ctx, principal, CreateRequest{
		ProjectID: project.ID,
		Prompt:    "Fix the tests",
		Scopes:    []string{authz.PermDeployWrite, authz.PermObserveRead},
	})
	require.NoError(t, err)
	assert.Equal(t, db.SessionStatusRunning, session.Status)
	assert.NotEmpty(t, session.PodName)
	require.NotNil(t, session.AgentUserID)

	// Pod exists in the cluster.
	pod, err := f.clients.CoreV1().Pods("agents").Get(ctx, session.PodName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, session.ID.String(), pod.Labels[LabelSession])

	// Ephemeral identity exists, is agent-kind and holds a scoped token.
	agentUser, err := f.users.GetByID(ctx, *session.AgentUserID)
	require.NoError(t, err)
	assert.Equal(t, db.UserKindAgent, agentUser.Kind)
	assert.True(t, agentUser.IsActive)

	tokens, err := f.tokens.ListByUser(ctx, agentUser.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Contains(t, tokens[0].Scopes, authz.PermDeployWrite)
}

func TestCreateAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newAgentFixture(t)
	principal, project := f.owner(t)

	// Outsider may not spawn; private project is concealed.
	outsider := &db.User{Name: "outsider", Kind: db.UserKindHuman, IsActive: true}
	require.NoError(t, f.users.Create(ctx, outsider))
	_, err := f.controller.Create(ctx, &auth.Principal{User: outsider}, CreateRequest{
		ProjectID: project.ID, Prompt: "x",
	})
	assert.Equal(t, platerr.KindConcealed, platerr.KindOf(err))

	// Empty prompt.
	_, err = f.controller.Create(ctx, principal, CreateRequest{ProjectID: project.ID})
	assert.Equal(t, platerr.KindBadRequest, platerr.KindOf(err))

	// Unknown scope.
	_, err = f.controller.Create(ctx, principal, CreateRequest{
		ProjectID: project.ID, Prompt: "x", Scopes: []string{"bogus:perm"},
	})
	assert.Error(t, err)
}

func TestStopReapsSession(t *testing.T) {
	ctx := context.Background()
	f := newAgentFixture(t)
	principal, project := f.owner(t)

	session, err := f.controller.Create(ctx, principal, CreateRequest{
		ProjectID: project.ID, Prompt: "Fix the tests",
	})
	require.NoError(t, err)

	require.NoError(t, f.controller.Stop(ctx, principal, session.ID))

	got, err := f.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStatusStopped, got.Status)
	require.NotNil(t, got.FinishedAt)

	// Pod is gone.
	_, err = f.clients.CoreV1().Pods("agents").Get(ctx, session.PodName, metav1.GetOptions{})
	assert.Error(t, err)

	// Identity torn down: user inactive, token revoked.
	agentUser, err := f.users.GetByID(ctx, *session.AgentUserID)
	require.NoError(t, err)
	assert.False(t, agentUser.IsActive)
	tokens, err := f.tokens.ListByUser(ctx, agentUser.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.NotNil(t, tokens[0].RevokedAt)

	// Stop is idempotent.
	require.NoError(t, f.controller.Stop(ctx, principal, session.ID))
}

func TestReapPassOnTerminalPods(t *testing.T) {
	ctx := context.Background()
	f := newAgentFixture(t)
	principal, project := f.owner(t)

	session, err := f.controller.Create(ctx, principal, CreateRequest{
		ProjectID: project.ID, Prompt: "Fix the tests",
	})
	require.NoError(t, err)

	// Drive the pod to Succeeded.
	pod, err := f.clients.CoreV1().Pods("agents").Get(ctx, session.PodName, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = corev1.PodSucceeded
	_, err = f.clients.CoreV1().Pods("agents").UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.controller.ReapPass(ctx))

	got, err := f.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStatusCompleted, got.Status)

	// Logs were archived.
	rc, err := f.store.Get(ctx, "logs/sessions/"+session.ID.String()+".log")
	require.NoError(t, err)
	rc.Close()
}

func TestReapPassVanishedPod(t *testing.T) {
	ctx := context.Background()
	f := newAgentFixture(t)
	principal, project := f.owner(t)

	session, err := f.controller.Create(ctx, principal, CreateRequest{
		ProjectID: project.ID, Prompt: "Fix the tests",
	})
	require.NoError(t, err)

	require.NoError(t, f.clients.CoreV1().Pods("agents").Delete(ctx, session.PodName, metav1.DeleteOptions{}))
	require.NoError(t, f.controller.ReapPass(ctx))

	got, err := f.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStatusFailed, got.Status)
}
