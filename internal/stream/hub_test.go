package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/cache"
)

func newHubForTest(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

// fakeClient builds a client that is not backed by a connection; the tests
// read from send directly.
func fakeClient(topics ...string) *Client {
	return &Client{
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: zap.NewNop(),
	}
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ConnectedCount() == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubPublishRoutesByTopic(t *testing.T) {
	hub := newHubForTest(t)

	sessionSub := fakeClient("session:abc")
	projectSub := fakeClient("project:xyz")
	hub.Subscribe(sessionSub)
	hub.Subscribe(projectSub)
	waitForClients(t, hub, 2)

	hub.Publish("session:abc", Message{Type: MsgSessionEvent, Topic: "session:abc", Payload: "hi"})

	select {
	case msg := <-sessionSub.send:
		assert.Equal(t, MsgSessionEvent, msg.Type)
		assert.Equal(t, "session:abc", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("subscribed client did not receive the message")
	}

	select {
	case msg := <-projectSub.send:
		t.Fatalf("unsubscribed client received %v", msg)
	default:
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := newHubForTest(t)

	client := fakeClient("notifications:user-1")
	hub.Subscribe(client)
	waitForClients(t, hub, 1)

	hub.Unsubscribe(client)
	waitForClients(t, hub, 0)

	// The send channel is closed on unregister.
	_, open := <-client.send
	assert.False(t, open)

	hub.Publish("notifications:user-1", Message{Type: MsgNotification})
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	hub := newHubForTest(t)

	client := fakeClient("session:slow")
	hub.Subscribe(client)
	waitForClients(t, hub, 1)

	// Fill the buffer without draining, then publish once more.
	for i := 0; i < sendBufferSize; i++ {
		hub.Publish("session:slow", Message{Type: MsgSessionEvent})
	}
	hub.Publish("session:slow", Message{Type: MsgSessionEvent})

	waitForClients(t, hub, 0)
}

func TestBridgeForwardsSessionEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())

	hub := newHubForTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go RunBridge(ctx, c, hub, zap.NewNop())

	client := fakeClient("session:0198a001-0000-7000-8000-000000000001")
	hub.Subscribe(client)
	waitForClients(t, hub, 1)

	event := `{"kind":"text","content":"hello"}`
	require.Eventually(t, func() bool {
		require.NoError(t, c.Publish(ctx,
			"session:0198a001-0000-7000-8000-000000000001:events", event))
		select {
		case msg := <-client.send:
			assert.Equal(t, MsgSessionEvent, msg.Type)
			assert.Equal(t, "session:0198a001-0000-7000-8000-000000000001", msg.Topic)
			raw, ok := msg.Payload.(json.RawMessage)
			require.True(t, ok)
			assert.JSONEq(t, event, string(raw))
			return true
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}
