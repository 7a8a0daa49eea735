// Package webhook delivers signed event payloads to subscriber URLs with a
// global concurrency bound and SSRF protection at both registration and
// dispatch time.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/repositories"
)

const (
	// maxConcurrentDeliveries bounds in-flight deliveries across all
	// webhooks. Over-limit deliveries are dropped and counted, not queued.
	maxConcurrentDeliveries = 50

	deliveryTimeout = 10 * time.Second

	// SignatureHeader carries sha256=<hex HMAC-SHA256(secret, body)>.
	SignatureHeader = "X-Platform-Signature"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "platform_webhook_dropped_total",
		Help: "Webhook deliveries dropped because the concurrency limit was reached.",
	})
)

// envelope is the canonical delivery body.
type envelope struct {
	Event     string    `json:"event"`
	ProjectID uuid.UUID `json:"project_id"`
	TS        time.Time `json:"ts"`
	Data      any       `json:"data"`
}

// Dispatcher fans domain events out to registered webhooks.
type Dispatcher struct {
	webhooks repositories.WebhookRepository
	sem      *semaphore.Weighted
	client   *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher builds a dispatcher whose HTTP client refuses connections
// to unsafe addresses at dial time.
func NewDispatcher(webhooks repositories.WebhookRepository, logger *zap.Logger) *Dispatcher {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: safeDialControl,
	}
	return &Dispatcher{
		webhooks: webhooks,
		sem:      semaphore.NewWeighted(maxConcurrentDeliveries),
		client: &http.Client{
			Timeout: deliveryTimeout,
			Transport: &http.Transport{
				DialContext:       dialer.DialContext,
				MaxIdleConns:      20,
				DisableKeepAlives: true,
			},
		},
		logger: logger,
		now:    time.Now,
	}
}

// ProjectEvent delivers the event to every matching webhook of the project.
// It returns immediately; deliveries run on their own goroutines under the
// global semaphore, and over-limit deliveries are dropped.
func (d *Dispatcher) ProjectEvent(ctx context.Context, projectID uuid.UUID, event string, data any) {
	hooks, err := d.webhooks.ListMatching(ctx, projectID, event)
	if err != nil {
		d.logger.Error("webhook lookup failed",
			zap.String("project_id", projectID.String()),
			zap.String("event", event),
			zap.Error(err))
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(envelope{
		Event:     event,
		ProjectID: projectID,
		TS:        d.now().UTC(),
		Data:      data,
	})
	if err != nil {
		d.logger.Error("webhook envelope marshal failed", zap.Error(err))
		return
	}

	for i := range hooks {
		hook := hooks[i]
		if !d.sem.TryAcquire(1) {
			droppedTotal.Inc()
			d.logger.Warn("webhook delivery dropped, concurrency limit reached",
				zap.String("webhook_id", hook.ID.String()),
				zap.String("event", event))
			continue
		}
		go func() {
			defer d.sem.Release(1)
			d.deliver(&hook, event, body)
		}()
	}
}

// deliver sends one webhook request and records the attempt. The caller's
// request has already returned, so delivery runs under its own timeout.
func (d *Dispatcher) deliver(hook *db.Webhook, event string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	attempt := &db.WebhookAttempt{
		WebhookID: hook.ID,
		Event:     event,
	}
	start := d.now()

	statusCode, err := d.send(ctx, hook, body)
	attempt.DurationMs = d.now().Sub(start).Milliseconds()
	attempt.StatusCode = statusCode
	if err != nil {
		attempt.Error = err.Error()
		deliveriesTotal.WithLabelValues("failure").Inc()
		d.logger.Warn("webhook delivery failed",
			zap.String("webhook_id", hook.ID.String()),
			zap.String("event", event),
			zap.Error(err))
	} else {
		deliveriesTotal.WithLabelValues("success").Inc()
	}

	if rerr := d.webhooks.RecordAttempt(ctx, attempt); rerr != nil {
		d.logger.Error("webhook attempt record failed", zap.Error(rerr))
	}
}

func (d *Dispatcher) send(ctx context.Context, hook *db.Webhook, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret := string(hook.Secret); secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &statusError{code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return "webhook: non-2xx response " + http.StatusText(e.code)
}

// Sign computes the delivery signature header value for a body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the body in constant
// time. Exported for platform clients that consume our deliveries.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
