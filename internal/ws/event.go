package ws

import "github.com/marketchat/internal/model"

type EventType string

const (
	// Client -> server.
	EventJoin EventType = "join"
	EventSend EventType = "send"

	// Server -> client.
	EventMessageReceived EventType = "message_received"
	EventJoined          EventType = "joined"
	EventError           EventType = "error"
)

// IncomingEvent is what a client session sends to the server.
type IncomingEvent struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id,omitempty"`
	Body   string    `json:"body,omitempty"`
}

// OutgoingEvent is what the server sends to a client session.
// Payload uses typed structs to avoid map[string]any allocations.
type OutgoingEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// MessagePayload is broadcast to every session subscribed to the room after
// a message has been persisted.
type MessagePayload struct {
	Message *model.Message `json:"message"`
}

// JoinedPayload confirms a join back to the requesting session.
type JoinedPayload struct {
	RoomID string `json:"room_id"`
}

// ErrorPayload reports a rejected event back to the sender only.
type ErrorPayload struct {
	Error string `json:"error"`
}
