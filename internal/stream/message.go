// Package stream implements the real-time pub/sub hub that pushes platform
// events to connected clients over WebSocket. It exposes a topic-based
// broadcast API consumed by the agent controller (via the Redis bridge), the
// deployment reconciler and the notification service.
//
// Topic naming convention:
//
//	session:<uuid>           progress events for an agent session
//	project:<uuid>           deployment and preview updates for a project
//	notifications:<user_id>  in-app notifications for a user
package stream

// MessageType identifies the kind of event carried by a Message. Clients
// dispatch on this field.
type MessageType string

const (
	// MsgSessionEvent is sent for each parsed agent output event
	// (thinking, text, tool calls, completion).
	MsgSessionEvent MessageType = "session.event"

	// MsgProjectEvent is sent on deployment and preview state changes.
	MsgProjectEvent MessageType = "project.event"

	// MsgNotification is sent when a new in-app notification is created
	// for the subscribed user.
	MsgNotification MessageType = "notification"

	// MsgPing keeps the connection alive and lets clients detect stale
	// connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"session.event","topic":"session:018f...","payload":{"kind":"text","content":"..."}}
type Message struct {
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on. Clients
	// use it to associate the update with the correct view.
	Topic string `json:"topic"`

	// Payload carries the event-specific data; its shape varies by Type.
	Payload any `json:"payload"`
}
