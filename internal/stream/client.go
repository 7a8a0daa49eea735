package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds each wire write; a stalled client is closed rather
	// than allowed to block the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong after a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the client can reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize limits inbound frames. Clients only send close and
	// pong frames.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. A client that
	// cannot drain it is disconnected by Publish.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket protocol upgrade. Origin checks are
// handled by the router's CORS layer before the handler runs.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a single connected WebSocket peer. Each client runs two
// goroutines: readPump detects disconnection and handles pong frames, and
// writePump serialises outgoing messages onto the wire.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is the handoff point between Publish and the writePump. The hub
	// closes it on unregister, which drains and exits the writePump.
	send chan Message

	// topics this client receives. Fixed at connection time, so no
	// synchronisation is needed.
	topics []string

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and returns a Client subscribed to
// the given topics. The caller has already authorized the topics.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client with the hub and starts the pumps. It blocks
// until the connection closes.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump detects client disconnection and resets the read deadline on each
// pong. Application messages from the client are not expected; the protocol
// is server-push only.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards messages from the send channel to the wire and sends
// periodic pings. It is the only goroutine writing to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
