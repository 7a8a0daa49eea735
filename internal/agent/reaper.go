package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/platform-io/platform/internal/db"
)

// ReapPass inspects every running session's pod and reaps those that reached
// a terminal phase. Scheduled periodically; each step is idempotent so a
// failed pass simply retries next tick.
func (c *Controller) ReapPass(ctx context.Context) error {
	sessions, err := c.sessions.ListRunning(ctx)
	if err != nil {
		return err
	}

	for i := range sessions {
		session := &sessions[i]
		pod, err := c.clients.CoreV1().Pods(c.cfg.Namespace).Get(ctx, session.PodName, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				// Pod vanished underneath us; close the session out as failed.
				if rerr := c.reapSession(ctx, session, db.SessionStatusFailed); rerr != nil {
					c.logger.Error("reap of vanished pod failed",
						zap.String("session_id", session.ID.String()), zap.Error(rerr))
				}
				continue
			}
			c.logger.Warn("pod status check failed",
				zap.String("pod", session.PodName), zap.Error(err))
			continue
		}

		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			if err := c.reapSession(ctx, session, db.SessionStatusCompleted); err != nil {
				c.logger.Error("reap failed", zap.String("session_id", session.ID.String()), zap.Error(err))
			}
		case corev1.PodFailed:
			if err := c.reapSession(ctx, session, db.SessionStatusFailed); err != nil {
				c.logger.Error("reap failed", zap.String("session_id", session.ID.String()), zap.Error(err))
			}
		}
	}
	return nil
}

// reapSession captures the pod's logs, persists cost, marks the session with
// its terminal status, tears down the ephemeral identity and deletes the
// pod. Every step tolerates having run before.
func (c *Controller) reapSession(ctx context.Context, session *db.AgentSession, status string) error {
	logs, logErr := c.podLogs(ctx, session.PodName)
	if logErr != nil {
		c.logger.Warn("log capture failed",
			zap.String("session_id", session.ID.String()), zap.Error(logErr))
	}

	var costTokens *int64
	if len(logs) > 0 {
		key := fmt.Sprintf("logs/sessions/%s.log", session.ID)
		if err := c.store.Put(ctx, key, bytes.NewReader(logs)); err != nil {
			return fmt.Errorf("agent: archive logs: %w", err)
		}
		if tokens, ok := finalUsage(logs); ok {
			costTokens = &tokens
		}
	}

	if err := c.sessions.Finish(ctx, session.ID, status, costTokens, timeNow()); err != nil {
		return err
	}

	if session.AgentUserID != nil {
		if err := c.teardownIdentity(ctx, *session.AgentUserID); err != nil {
			return err
		}
	}

	if session.PodName != "" {
		if err := c.deletePod(ctx, session.PodName); err != nil {
			return err
		}
	}

	c.PublishEvent(ctx, session.ID, Event{
		Kind:    EventCompleted,
		Message: "Agent session " + status,
	})
	c.logger.Info("agent session reaped",
		zap.String("session_id", session.ID.String()),
		zap.String("status", status))
	return nil
}

// podLogs fetches the full log stream of the session's main container.
// Missing pods yield empty logs, not an error.
func (c *Controller) podLogs(ctx context.Context, podName string) ([]byte, error) {
	req := c.clients.CoreV1().Pods(c.cfg.Namespace).GetLogs(podName, &corev1.PodLogOptions{Container: "claude"})
	stream, err := req.Stream(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("agent: open log stream: %w", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("agent: read log stream: %w", err)
	}
	return data, nil
}

// finalUsage scans captured logs from the end for the result line and pulls
// usage.total_tokens from it.
func finalUsage(logs []byte) (int64, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(logs))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var lastResult []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if bytes.Contains(line, []byte(`"result"`)) {
			lastResult = append(lastResult[:0], line...)
		}
	}
	if lastResult == nil {
		return 0, false
	}
	return resultUsage(lastResult)
}
