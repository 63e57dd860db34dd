package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/apperr"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/repository"
)

// memStore is an in-memory RoomStore + MessageStore with the same semantics
// as the pgx repositories: serialized creation per pair key, per-room summary
// updated together with the append, relative unread increments.
type memStore struct {
	mu    sync.Mutex
	rooms map[string]*model.Room
	byKey map[string]string
	msgs  map[string][]model.Message
	seq   int64
}

func newMemStore() *memStore {
	return &memStore{
		rooms: make(map[string]*model.Room),
		byKey: make(map[string]string),
		msgs:  make(map[string][]model.Message),
	}
}

func copyRoom(r *model.Room) *model.Room {
	c := *r
	c.Members = append([]string(nil), r.Members...)
	c.UnreadCount = make(map[string]int, len(r.UnreadCount))
	for k, v := range r.UnreadCount {
		c.UnreadCount[k] = v
	}
	return &c
}

func (s *memStore) FindOrCreate(ctx context.Context, a, b string) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.PairKey(a, b)
	if id, ok := s.byKey[key]; ok {
		return copyRoom(s.rooms[id]), nil
	}
	now := time.Now().UTC()
	room := &model.Room{
		ID:          uuid.New().String(),
		Members:     []string{a, b},
		UnreadCount: map[string]int{a: 0, b: 0},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.rooms[room.ID] = room
	s.byKey[key] = room.ID
	return copyRoom(room), nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyRoom(room), nil
}

func (s *memStore) RoomsForUser(ctx context.Context, userID string) ([]model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Room, 0)
	for _, r := range s.rooms {
		if r.HasMember(userID) {
			out = append(out, *copyRoom(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *memStore) MemberIDs(ctx context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return append([]string(nil), room.Members...), nil
}

func (s *memStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false, nil
	}
	return room.HasMember(userID), nil
}

func (s *memStore) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[roomID]; ok {
		return room.UnreadCount[userID], nil
	}
	return 0, nil
}

func (s *memStore) ResetUnread(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[roomID]; ok {
		if _, ok := room.UnreadCount[userID]; ok {
			room.UnreadCount[userID] = 0
		}
		room.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *memStore) Delete(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return repository.ErrNotFound
	}
	delete(s.byKey, model.PairKey(room.Members[0], room.Members[1]))
	delete(s.rooms, roomID)
	return nil
}

func (s *memStore) Append(ctx context.Context, roomID, senderID, body string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !room.HasMember(senderID) {
		return nil, repository.ErrNotMember
	}
	s.seq++
	m := model.Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		Seq:       s.seq,
		CreatedAt: time.Now().UTC(),
	}
	s.msgs[roomID] = append(s.msgs[roomID], m)
	room.LastMessage = body
	t := m.CreatedAt
	room.LastMessageAt = &t
	room.UpdatedAt = t
	for _, uid := range room.Members {
		if uid != senderID {
			room.UnreadCount[uid]++
		}
	}
	return &m, nil
}

func (s *memStore) ListByRoom(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.msgs[roomID]
	if offset >= len(all) {
		return []model.Message{}, nil
	}
	rest := all[offset:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	return append([]model.Message(nil), rest...), nil
}

func (s *memStore) MarkRead(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.msgs[roomID]
	for i := range msgs {
		if msgs[i].SenderID != userID {
			msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
		}
	}
	return nil
}

func (s *memStore) DeleteByRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, roomID)
	return nil
}

// recordBus captures broadcasts and fakes presence.
type recordBus struct {
	mu        sync.Mutex
	broadcast []*model.Message
	online    map[string]bool
	onDeliver func(m *model.Message)
}

func (b *recordBus) BroadcastMessage(roomID string, m *model.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = append(b.broadcast, m)
	if b.onDeliver != nil {
		b.onDeliver(m)
	}
}

func (b *recordBus) IsOnline(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online[userID]
}

func (b *recordBus) delivered() []*model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*model.Message(nil), b.broadcast...)
}

type pushRecord struct {
	userID string
	body   string
	data   map[string]string
}

type recordNotifier struct {
	ch chan pushRecord
}

func (n *recordNotifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	n.ch <- pushRecord{userID: userID, body: body, data: data}
}

func newTestService(t *testing.T) (*Service, *memStore, *recordBus) {
	t.Helper()
	store := newMemStore()
	svc := NewService(store, store, nil)
	bus := &recordBus{online: map[string]bool{}}
	svc.AttachBus(bus)
	return svc, store, bus
}

func TestCreateOrGetRoom(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	t.Run("same room for both orderings", func(t *testing.T) {
		r1, err := svc.CreateOrGetRoom(ctx, "u1", "u2")
		require.NoError(t, err)
		r2, err := svc.CreateOrGetRoom(ctx, "u2", "u1")
		require.NoError(t, err)
		assert.Equal(t, r1.ID, r2.ID)
		assert.Equal(t, map[string]int{"u1": 0, "u2": 0}, r1.UnreadCount)
		assert.ElementsMatch(t, []string{"u1", "u2"}, r1.Members)
	})

	t.Run("rejects invalid pairs", func(t *testing.T) {
		_, err := svc.CreateOrGetRoom(ctx, "u1", "u1")
		assert.True(t, errors.Is(err, apperr.Validation("")))
		_, err = svc.CreateOrGetRoom(ctx, "", "u2")
		assert.True(t, errors.Is(err, apperr.Validation("")))
	})

	t.Run("separator in member ids cannot alias another pair", func(t *testing.T) {
		// ("a|b","c") and ("a","b|c") would share the key "a|b|c" and the
		// second pair would be handed the first pair's room.
		before := len(store.rooms)
		_, err := svc.CreateOrGetRoom(ctx, "a|b", "c")
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		_, err = svc.CreateOrGetRoom(ctx, "a", "b|c")
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		assert.Len(t, store.rooms, before)
	})
}

func TestCreateOrGetRoomConcurrent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	const n = 16
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		a, b := "u1", "u2"
		if i%2 == 1 {
			a, b = b, a
		}
		wg.Add(1)
		go func(a, b string) {
			defer wg.Done()
			room, err := svc.CreateOrGetRoom(ctx, a, b)
			if assert.NoError(t, err) {
				ids <- room.ID
			}
		}(a, b)
	}
	wg.Wait()
	close(ids)

	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id)
	}
	assert.Len(t, store.rooms, 1)
}

func TestSendMessageScenario(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateOrGetRoom(ctx, "u1", "u2")
	require.NoError(t, err)

	m, err := svc.SendMessage(ctx, room.ID, "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Body)
	assert.Equal(t, "u1", m.SenderID)

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 1}, got.UnreadCount)
	assert.Equal(t, "hello", got.LastMessage)
	require.NotNil(t, got.LastMessageAt)
	assert.False(t, got.UpdatedAt.Before(room.UpdatedAt))

	messages, err := svc.ListMessages(ctx, room.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Body)

	require.Len(t, bus.delivered(), 1)
	assert.Equal(t, m.ID, bus.delivered()[0].ID)

	require.NoError(t, svc.MarkRead(ctx, room.ID, "u2"))
	got, err = svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 0}, got.UnreadCount)

	// Reset is idempotent, including on an already-zero counter.
	require.NoError(t, svc.MarkRead(ctx, room.ID, "u2"))
	got, err = svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCount["u2"])
}

func TestSendMessageErrors(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateOrGetRoom(ctx, "u1", "u2")
	require.NoError(t, err)

	cases := []struct {
		name   string
		roomID string
		sender string
		body   string
		kind   apperr.Kind
	}{
		{"empty text", room.ID, "u1", "", apperr.KindValidation},
		{"blank text", room.ID, "u1", "   ", apperr.KindValidation},
		{"malformed room id", "not-a-uuid", "u1", "hi", apperr.KindValidation},
		{"unknown room", uuid.New().String(), "u1", "hi", apperr.KindNotFound},
		{"not a member", room.ID, "u3", "hi", apperr.KindNotAMember},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SendMessage(ctx, tc.roomID, tc.sender, tc.body)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}

	// No failed send may reach the bus.
	assert.Empty(t, bus.delivered())
}

func TestBroadcastFollowsPersistence(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, store, nil)

	room, err := svc.CreateOrGetRoom(context.Background(), "u1", "u2")
	require.NoError(t, err)

	persistedAtBroadcast := false
	bus := &recordBus{online: map[string]bool{}}
	bus.onDeliver = func(m *model.Message) {
		msgs, err := store.ListByRoom(context.Background(), m.RoomID, 50, 0)
		if err == nil {
			for _, got := range msgs {
				if got.ID == m.ID {
					persistedAtBroadcast = true
				}
			}
		}
	}
	svc.AttachBus(bus)

	_, err = svc.SendMessage(context.Background(), room.ID, "u1", "hello")
	require.NoError(t, err)
	assert.True(t, persistedAtBroadcast, "broadcast must observe the persisted message")
}

// failingAppend wraps a MessageStore and fails every Append.
type failingAppend struct {
	MessageStore
}

func (f failingAppend) Append(ctx context.Context, roomID, senderID, body string) (*model.Message, error) {
	return nil, errors.New("disk full")
}

func TestNoBroadcastWhenAppendFails(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, failingAppend{store}, nil)
	bus := &recordBus{online: map[string]bool{}}
	svc.AttachBus(bus)

	room, err := svc.CreateOrGetRoom(context.Background(), "u1", "u2")
	require.NoError(t, err)

	_, err = svc.SendMessage(context.Background(), room.ID, "u1", "hello")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Empty(t, bus.delivered())
}

func TestListMessagesOrderedAndRepeatable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateOrGetRoom(ctx, "u1", "u2")
	require.NoError(t, err)

	for i, body := range []string{"one", "two", "three", "four"} {
		sender := "u1"
		if i%2 == 1 {
			sender = "u2"
		}
		_, err := svc.SendMessage(ctx, room.ID, sender, body)
		require.NoError(t, err)
	}

	first, err := svc.ListMessages(ctx, room.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, first, 4)
	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1], first[i]
		ordered := prev.CreatedAt.Before(cur.CreatedAt) ||
			(prev.CreatedAt.Equal(cur.CreatedAt) && prev.Seq < cur.Seq)
		assert.True(t, ordered, "messages must be ordered by (created_at, seq)")
	}

	second, err := svc.ListMessages(ctx, room.ID, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-reading without writes must return the same sequence")

	t.Run("limit zero returns the full history", func(t *testing.T) {
		all, err := svc.ListMessages(ctx, room.ID, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, first, all)
	})

	t.Run("negative paging rejected", func(t *testing.T) {
		_, err := svc.ListMessages(ctx, room.ID, -1, 0)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		_, err = svc.ListMessages(ctx, room.ID, 50, -1)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})
}

func TestMarkReadErrors(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateOrGetRoom(ctx, "u1", "u2")
	require.NoError(t, err)

	err = svc.MarkRead(ctx, uuid.New().String(), "u1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	err = svc.MarkRead(ctx, room.ID, "u3")
	assert.Equal(t, apperr.KindNotAMember, apperr.KindOf(err))

	err = svc.MarkRead(ctx, "bogus", "u1")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMarkReadAnnotatesOthersMessages(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateOrGetRoom(ctx, "u1", "u2")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, room.ID, "u1", "hello")
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(ctx, room.ID, "u2"))

	msgs, err := store.ListByRoom(ctx, room.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].ReadBy, "u2")
}

func TestDeleteRoomIsTerminal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateOrGetRoom(ctx, "u1", "u2")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, room.ID, "u1", "hello")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRoom(ctx, room.ID))

	_, err = svc.GetRoom(ctx, room.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = svc.ListMessages(ctx, room.ID, 50, 0)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	err = svc.DeleteRoom(ctx, room.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// A new findOrCreate after deletion makes a fresh room.
	fresh, err := svc.CreateOrGetRoom(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.NotEqual(t, room.ID, fresh.ID)
	msgs, err := svc.ListMessages(ctx, fresh.ID, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListRoomsOrderedByActivity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r1, err := svc.CreateOrGetRoom(ctx, "u1", "u2")
	require.NoError(t, err)
	r2, err := svc.CreateOrGetRoom(ctx, "u1", "u3")
	require.NoError(t, err)

	// Activity in r1 moves it to the front.
	time.Sleep(2 * time.Millisecond)
	_, err = svc.SendMessage(ctx, r1.ID, "u2", "ping")
	require.NoError(t, err)

	roomList, err := svc.ListRooms(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, roomList, 2)
	assert.Equal(t, r1.ID, roomList[0].ID)
	assert.Equal(t, r2.ID, roomList[1].ID)

	_, err = svc.ListRooms(ctx, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPushOnlyForOfflineMembers(t *testing.T) {
	store := newMemStore()
	notifier := &recordNotifier{ch: make(chan pushRecord, 4)}
	svc := NewService(store, store, notifier)
	bus := &recordBus{online: map[string]bool{"u1": true}}
	svc.AttachBus(bus)

	room, err := svc.CreateOrGetRoom(context.Background(), "u1", "u2")
	require.NoError(t, err)
	_, err = svc.SendMessage(context.Background(), room.ID, "u1", "hello")
	require.NoError(t, err)

	select {
	case rec := <-notifier.ch:
		assert.Equal(t, "u2", rec.userID)
		assert.Equal(t, "hello", rec.body)
		assert.Equal(t, room.ID, rec.data["room_id"])
		// The badge count reflects the counter after this message.
		assert.Equal(t, "1", rec.data["unread"])
	case <-time.After(time.Second):
		t.Fatal("expected a push for the offline member")
	}
	select {
	case rec := <-notifier.ch:
		t.Fatalf("unexpected extra push for %s", rec.userID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnreadCountAbsentKeyReadsZero(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	count, err := store.UnreadCount(ctx, uuid.New().String(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, count)

	room, err := store.FindOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)
	count, err = store.UnreadCount(ctx, room.ID, "u3")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 120))

	long := strings.Repeat("é", 200)
	got := truncate(long, 120)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 117)+"...", got)
}
