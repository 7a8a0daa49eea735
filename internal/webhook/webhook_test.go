package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
)

func TestValidateURLBlocksUnsafeTargets(t *testing.T) {
	ctx := context.Background()
	blocked := []string{
		"http://127.0.0.1/hook",
		"http://localhost/hook",
		"http://10.0.0.5/hook",
		"http://172.16.1.1/hook",
		"http://192.168.1.10/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/hook",
		"http://[fe80::1]/hook",
		"http://[fd00::1]/hook",
		"http://0.0.0.0/hook",
		"ftp://example.com/hook",
		"https:///nohost",
	}
	for _, u := range blocked {
		err := ValidateURL(ctx, u)
		assert.Equal(t, platerr.KindBadRequest, platerr.KindOf(err), u)
	}
}

func TestValidateURLAllowsPublic(t *testing.T) {
	// IP literal avoids DNS in tests.
	assert.NoError(t, ValidateURL(context.Background(), "https://93.184.216.34/hook"))
	assert.NoError(t, ValidateURL(context.Background(), "http://8.8.8.8:8080/hook"))
}

func TestUnsafeAddr(t *testing.T) {
	unsafe := []string{"127.0.0.1", "10.1.2.3", "172.20.0.1", "192.168.0.1",
		"169.254.169.254", "::1", "fe80::1", "fc00::1", "0.0.0.0", "::",
		"::ffff:10.0.0.1"}
	for _, s := range unsafe {
		assert.True(t, unsafeAddr(mustAddr(t, s)), s)
	}
	safe := []string{"93.184.216.34", "8.8.8.8", "2606:4700::1111"}
	for _, s := range safe {
		assert.False(t, unsafeAddr(mustAddr(t, s)), s)
	}
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return addr
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event":"deployment.updated"}`)
	sig := Sign("test-secret-key", body)

	mac := hmac.New(sha256.New, []byte("test-secret-key"))
	mac.Write(body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), sig)

	assert.True(t, VerifySignature("test-secret-key", body, sig))
	assert.False(t, VerifySignature("other-secret", body, sig))
	assert.False(t, VerifySignature("test-secret-key", []byte("tampered"), sig))
}

type receivedRequest struct {
	body      []byte
	signature string
}

type captureServer struct {
	*httptest.Server
	mu       sync.Mutex
	received []receivedRequest
	status   int
}

func newCaptureServer(t *testing.T, status int) *captureServer {
	t.Helper()
	cs := &captureServer{status: status}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.received = append(cs.received, receivedRequest{
			body:      body,
			signature: r.Header.Get(SignatureHeader),
		})
		cs.mu.Unlock()
		w.WriteHeader(cs.status)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *captureServer) last(t *testing.T) receivedRequest {
	t.Helper()
	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.NotEmpty(t, cs.received)
	return cs.received[len(cs.received)-1]
}

func newTestDispatcher(t *testing.T) (*Dispatcher, repositories.WebhookRepository) {
	t.Helper()
	key := sha256.Sum256([]byte("webhook-test-master-key"))
	require.NoError(t, db.InitEncryption(key[:]))
	database, err := db.NewMemory(zap.NewNop())
	require.NoError(t, err)
	repo := repositories.NewWebhookRepository(database)
	d := NewDispatcher(repo, zap.NewNop())
	// Local test servers are loopback; bypass the dial guard here.
	d.client = &http.Client{Timeout: deliveryTimeout}
	return d, repo
}

func TestDeliverySignedWithSecret(t *testing.T) {
	ctx := context.Background()
	d, repo := newTestDispatcher(t)
	server := newCaptureServer(t, http.StatusOK)
	projectID := uuid.New()

	hook := &db.Webhook{ProjectID: projectID, URL: server.URL, Secret: db.EncryptedString("test-secret-key")}
	require.NoError(t, repo.Create(ctx, hook))

	d.ProjectEvent(ctx, projectID, "deployment.updated", map[string]string{"env": "production"})

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.received) == 1
	}, 3*time.Second, 10*time.Millisecond)

	got := server.last(t)
	assert.Equal(t, Sign("test-secret-key", got.body), got.signature)

	var env map[string]any
	require.NoError(t, json.Unmarshal(got.body, &env))
	assert.Equal(t, "deployment.updated", env["event"])
	assert.Equal(t, projectID.String(), env["project_id"])
	assert.NotEmpty(t, env["ts"])
	assert.Equal(t, map[string]any{"env": "production"}, env["data"])
}

func TestDeliveryUnsignedWithoutSecret(t *testing.T) {
	ctx := context.Background()
	d, repo := newTestDispatcher(t)
	server := newCaptureServer(t, http.StatusOK)
	projectID := uuid.New()

	require.NoError(t, repo.Create(ctx, &db.Webhook{ProjectID: projectID, URL: server.URL}))

	d.ProjectEvent(ctx, projectID, "session.completed", nil)

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.received) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, server.last(t).signature)
}

func TestEventFilterSkipsUnsubscribed(t *testing.T) {
	ctx := context.Background()
	d, repo := newTestDispatcher(t)
	server := newCaptureServer(t, http.StatusOK)
	projectID := uuid.New()

	require.NoError(t, repo.Create(ctx, &db.Webhook{
		ProjectID: projectID, URL: server.URL, Events: "deployment.updated",
	}))

	d.ProjectEvent(ctx, projectID, "session.completed", nil)
	time.Sleep(200 * time.Millisecond)

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Empty(t, server.received)
}

func TestNon2xxRecordedAsFailure(t *testing.T) {
	ctx := context.Background()
	d, repo := newTestDispatcher(t)
	server := newCaptureServer(t, http.StatusInternalServerError)
	projectID := uuid.New()

	require.NoError(t, repo.Create(ctx, &db.Webhook{ProjectID: projectID, URL: server.URL}))

	d.ProjectEvent(ctx, projectID, "deployment.failed", nil)

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.received) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSemaphoreDropsOverLimit(t *testing.T) {
	ctx := context.Background()
	d, repo := newTestDispatcher(t)
	projectID := uuid.New()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	for i := 0; i < maxConcurrentDeliveries; i++ {
		require.NoError(t, repo.Create(ctx, &db.Webhook{ProjectID: projectID, URL: server.URL}))
	}

	// Saturate the semaphore with deliveries that cannot finish.
	d.ProjectEvent(ctx, projectID, "deployment.updated", nil)

	require.Eventually(t, func() bool {
		return !d.sem.TryAcquire(1)
	}, 3*time.Second, 10*time.Millisecond)

	// Every further delivery is dropped, not queued.
	d.ProjectEvent(ctx, projectID, "deployment.updated", nil)
	assert.False(t, d.sem.TryAcquire(1))
}
