package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/cache"
)

// sessionChannelPattern matches the Redis channels the agent controller and
// reaper publish session events on.
const sessionChannelPattern = "session:*:events"

// RunBridge forwards session events from Redis pub/sub into the hub so that
// events produced by any server instance reach clients connected to this one.
// It blocks until ctx is cancelled, reconnecting with a short backoff after
// subscription errors.
func RunBridge(ctx context.Context, c *cache.Cache, hub *Hub, logger *zap.Logger) {
	for {
		err := c.PSubscribe(ctx, func(channel, payload string) {
			topic := strings.TrimSuffix(channel, ":events")

			var event json.RawMessage
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				logger.Warn("stream: dropping malformed session event",
					zap.String("channel", channel),
					zap.Error(err))
				return
			}
			hub.Publish(topic, Message{
				Type:    MsgSessionEvent,
				Topic:   topic,
				Payload: event,
			})
		}, sessionChannelPattern)

		if ctx.Err() != nil {
			return
		}
		logger.Warn("stream: session event subscription lost, reconnecting", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
