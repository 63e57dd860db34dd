package model

import (
	"strings"
	"time"
)

// Room is a two-party conversation between marketplace participants.
// UnreadCount always carries exactly the member ids as keys.
type Room struct {
	ID            string         `json:"id"`
	Members       []string       `json:"members"`
	LastMessage   string         `json:"last_message"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	UnreadCount   map[string]int `json:"unread_count"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HasMember reports whether userID is a current member of the room.
func (r *Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// pairKeySep joins the two ids of a pair key. Ids containing it would let
// distinct pairs collide on the same key, so ValidPair rejects them.
const pairKeySep = "|"

// PairKey returns the canonical key for an unordered member pair. It is the
// single point of authority for room deduplication: both orderings of the
// same pair yield the same key.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + pairKeySep + b
}

// ValidPair reports whether a and b form a valid room member pair:
// both non-blank, distinct, and free of the pair-key separator.
func ValidPair(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return false
	}
	return !strings.Contains(a, pairKeySep) && !strings.Contains(b, pairKeySep)
}
