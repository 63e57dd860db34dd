// Package chat orchestrates rooms, the message log, unread counters and
// realtime delivery behind one service type.
package chat

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/marketchat/internal/apperr"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/repository"
)

// RoomStore is the persistence contract for room identity, membership and
// unread counters. Implemented by repository.RoomRepository.
type RoomStore interface {
	FindOrCreate(ctx context.Context, memberA, memberB string) (*model.Room, error)
	GetByID(ctx context.Context, id string) (*model.Room, error)
	RoomsForUser(ctx context.Context, userID string) ([]model.Room, error)
	MemberIDs(ctx context.Context, roomID string) ([]string, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	ResetUnread(ctx context.Context, roomID, userID string) error
	UnreadCount(ctx context.Context, roomID, userID string) (int, error)
	Delete(ctx context.Context, roomID string) error
}

// MessageStore is the append-only message log. Implemented by
// repository.MessageRepository.
type MessageStore interface {
	Append(ctx context.Context, roomID, senderID, body string) (*model.Message, error)
	ListByRoom(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error)
	MarkRead(ctx context.Context, roomID, userID string) error
	DeleteByRoom(ctx context.Context, roomID string) error
}

// Bus delivers events to live sessions. Implemented by ws.Hub.
type Bus interface {
	BroadcastMessage(roomID string, m *model.Message)
	IsOnline(userID string) bool
}

// Notifier hands a notification to the push collaborator, best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Service struct {
	rooms    RoomStore
	messages MessageStore
	bus      Bus
	push     Notifier
}

func NewService(rooms RoomStore, messages MessageStore, push Notifier) *Service {
	return &Service{rooms: rooms, messages: messages, push: push}
}

// AttachBus wires the realtime bus. Set once at startup, after the hub is
// constructed (the hub itself needs the service for inbound send events).
func (s *Service) AttachBus(bus Bus) {
	s.bus = bus
}

// CreateOrGetRoom resolves the room for the pair, creating it on first use.
// Both orderings of the same pair resolve to the same room.
func (s *Service) CreateOrGetRoom(ctx context.Context, memberA, memberB string) (*model.Room, error) {
	memberA, memberB = strings.TrimSpace(memberA), strings.TrimSpace(memberB)
	if !model.ValidPair(memberA, memberB) {
		return nil, apperr.Validation("room requires two distinct non-empty member ids")
	}
	room, err := s.rooms.FindOrCreate(ctx, memberA, memberB)
	if err != nil {
		return nil, apperr.Internal("create or get room", err)
	}
	return room, nil
}

func (s *Service) ListRooms(ctx context.Context, userID string) ([]model.Room, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("user id is required")
	}
	roomList, err := s.rooms.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("list rooms", err)
	}
	return roomList, nil
}

func (s *Service) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	if err := validRoomID(roomID); err != nil {
		return nil, err
	}
	room, err := s.rooms.GetByID(ctx, roomID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("room not found")
	}
	if err != nil {
		return nil, apperr.Internal("get room", err)
	}
	return room, nil
}

// ListMessages returns the room's messages oldest first; limit 0 means the
// full history. Fails with NotFound for unknown (including deleted) rooms.
func (s *Service) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	if err := validRoomID(roomID); err != nil {
		return nil, err
	}
	if limit < 0 || offset < 0 {
		return nil, apperr.Validation("limit and offset must be non-negative")
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	messages, err := s.messages.ListByRoom(ctx, roomID, limit, offset)
	if err != nil {
		return nil, apperr.Internal("list messages", err)
	}
	return messages, nil
}

// SendMessage appends the message, updates the room summary and unread
// counters (one transaction in the store), then broadcasts to live sessions.
// Broadcast strictly follows persistence; a broadcast-side failure is logged
// and swallowed since the persisted message is recoverable via history.
func (s *Service) SendMessage(ctx context.Context, roomID, senderID, body string) (*model.Message, error) {
	if err := validRoomID(roomID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(senderID) == "" {
		return nil, apperr.Validation("sender id is required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperr.Validation("message text must not be empty")
	}

	m, err := s.messages.Append(ctx, roomID, senderID, body)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperr.NotFound("room not found")
	case errors.Is(err, repository.ErrNotMember):
		return nil, apperr.NotAMember("sender is not a member of the room")
	case err != nil:
		return nil, apperr.Internal("append message", err)
	}

	s.deliver(m)
	return m, nil
}

// deliver fans the persisted message out: live sessions via the bus, members
// without a live session via push. Never fails the send.
func (s *Service) deliver(m *model.Message) {
	if s.bus == nil {
		return
	}
	s.bus.BroadcastMessage(m.RoomID, m)

	if s.push == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	memberIDs, err := s.rooms.MemberIDs(ctx, m.RoomID)
	if err != nil {
		logger.Errorf("deliver get members room=%s: %v", m.RoomID, err)
		return
	}
	for _, uid := range memberIDs {
		if uid == m.SenderID || s.bus.IsOnline(uid) {
			continue
		}
		data := map[string]string{"room_id": m.RoomID, "message_id": m.ID}
		if count, err := s.rooms.UnreadCount(ctx, m.RoomID, uid); err != nil {
			logger.Errorf("deliver unread count room=%s user=%s: %v", m.RoomID, uid, err)
		} else {
			data["unread"] = strconv.Itoa(count)
		}
		go s.push.Notify(context.Background(), uid, "New message", truncate(m.Body, 120), data)
	}
}

// truncate shortens s to at most n runes for the push preview, never cutting
// through a multi-byte rune.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}

// MarkRead resets the member's unread counter to 0, unconditionally, and
// records the advisory readBy annotation on others' messages.
func (s *Service) MarkRead(ctx context.Context, roomID, userID string) error {
	if err := validRoomID(roomID); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return apperr.Validation("user id is required")
	}
	isMember, err := s.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return apperr.Internal("check membership", err)
	}
	if !isMember {
		if _, err := s.GetRoom(ctx, roomID); err != nil {
			return err
		}
		return apperr.NotAMember("user is not a member of the room")
	}
	if err := s.rooms.ResetUnread(ctx, roomID, userID); err != nil {
		return apperr.Internal("reset unread", err)
	}
	if err := s.messages.MarkRead(ctx, roomID, userID); err != nil {
		// Advisory annotation only; the counter reset already happened.
		logger.Errorf("mark read annotation room=%s user=%s: %v", roomID, userID, err)
	}
	return nil
}

// DeleteRoom removes the room and every message in it. Terminal: a later
// CreateOrGetRoom for the same pair makes a fresh room.
func (s *Service) DeleteRoom(ctx context.Context, roomID string) error {
	if err := validRoomID(roomID); err != nil {
		return err
	}
	if err := s.messages.DeleteByRoom(ctx, roomID); err != nil {
		return apperr.Internal("delete messages", err)
	}
	err := s.rooms.Delete(ctx, roomID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("room not found")
	}
	if err != nil {
		return apperr.Internal("delete room", err)
	}
	return nil
}

// IsMember exposes the membership check for the transport layer.
func (s *Service) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if err := validRoomID(roomID); err != nil {
		return false, err
	}
	ok, err := s.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return false, apperr.Internal("check membership", err)
	}
	return ok, nil
}

func validRoomID(roomID string) error {
	if uuid.Validate(roomID) != nil {
		return apperr.Validation("invalid room id format")
	}
	return nil
}
