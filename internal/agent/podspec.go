package agent

import (
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/platform-io/platform/internal/db"
)

// Pod labels used to find session pods later.
const (
	LabelComponent = "platform.io/component"
	LabelSession   = "platform.io/session"
	LabelProject   = "platform.io/project"

	componentValue = "agent-session"
)

const (
	gitCloneImage   = "alpine/git:latest"
	workspacePath   = "/workspace"
	workspaceVolume = "workspace"
	providerKeyName = "ANTHROPIC_API_KEY"
	providerKeyKey  = "api-key"
)

// buildPod constructs the session pod deterministically from the session row
// and the raw agent token. Same inputs, same pod.
func (c *Controller) buildPod(session *db.AgentSession, repoPath, rawToken string) *corev1.Pod {
	short := shortID(session.ID)
	branch := session.Branch
	if branch == "" {
		branch = "agent/" + short
	}

	args := []string{
		"--output-format", "stream-json",
		"--permission-mode", "auto-accept-only",
		"--mcp-config", "/tmp/mcp-config.json",
	}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	if c.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(c.cfg.MaxTurns))
	}
	args = append(args, session.Prompt)

	env := []corev1.EnvVar{
		{Name: "SESSION_ID", Value: session.ID.String()},
		{Name: "PROJECT_ID", Value: session.ProjectID.String()},
		{Name: "PLATFORM_API_URL", Value: c.cfg.PlatformURL},
		{Name: "PLATFORM_API_TOKEN", Value: rawToken},
		{Name: "BRANCH", Value: branch},
		{Name: "AGENT_ROLE", Value: "dev"},
		{
			Name: providerKeyName,
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: c.cfg.ProviderKeySecret},
					Key:                  providerKeyKey,
				},
			},
		},
	}

	cloneScript := fmt.Sprintf(
		"git clone %s %s && cd %s && (git checkout %s || git checkout -b %s)",
		repoPath, workspacePath, workspacePath, branch, branch,
	)

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "agent-" + short,
			Namespace: c.cfg.Namespace,
			Labels: map[string]string{
				LabelComponent: componentValue,
				LabelSession:   session.ID.String(),
				LabelProject:   session.ProjectID.String(),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			InitContainers: []corev1.Container{
				{
					Name:         "git-clone",
					Image:        gitCloneImage,
					Command:      []string{"sh", "-c", cloneScript},
					VolumeMounts: []corev1.VolumeMount{{Name: workspaceVolume, MountPath: workspacePath}},
				},
			},
			Containers: []corev1.Container{
				{
					Name:         "claude",
					Image:        c.cfg.Image,
					Args:         args,
					Env:          env,
					Stdin:        true,
					TTY:          false,
					WorkingDir:   workspacePath,
					VolumeMounts: []corev1.VolumeMount{{Name: workspaceVolume, MountPath: workspacePath}},
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("500m"),
							corev1.ResourceMemory: resource.MustParse("1Gi"),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("2"),
							corev1.ResourceMemory: resource.MustParse("4Gi"),
						},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: workspaceVolume,
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{
							SizeLimit: resourcePtr(resource.MustParse("5Gi")),
						},
					},
				},
			},
		},
	}
}

func resourcePtr(q resource.Quantity) *resource.Quantity { return &q }
