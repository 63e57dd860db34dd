package model

import "time"

// Message is an immutable chat message. ReadBy is an advisory annotation;
// unread accounting lives on the Room.
type Message struct {
	ID       string `json:"id"`
	RoomID   string `json:"room_id"`
	SenderID string `json:"sender_id"`
	Body     string `json:"body"`
	// Seq is the per-insert ordering key; it breaks created_at ties so the
	// (created_at, seq) order within a room is total.
	Seq       int64     `json:"seq"`
	ReadBy    []string  `json:"read_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
