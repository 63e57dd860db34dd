package ws

import (
	"context"
	"sync"
	"time"

	"github.com/marketchat/internal/apperr"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
)

// MessageSender persists an inbound message. Implemented by chat.Service;
// the hub never touches storage directly.
type MessageSender interface {
	SendMessage(ctx context.Context, roomID, senderID, body string) (*model.Message, error)
}

const sendTimeout = 5 * time.Second

type joinRequest struct {
	client *Client
	roomID string
}

// Hub owns the live session table and the room subscription index. Session
// lifecycle and subscriptions are mutated only by Run's command loop;
// broadcasts read the index under RLock from caller goroutines.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Client              // session id -> client
	byUser   map[string]map[*Client]struct{} // user id -> live clients
	roomSubs map[string]map[*Client]struct{} // room id -> subscribed clients
	joined   map[*Client]map[string]struct{} // client -> subscribed room ids
	total    int
	maxConns int

	svc MessageSender

	register   chan *Client
	unregister chan *Client
	join       chan joinRequest
	done       chan struct{}
}

func NewHub(svc MessageSender, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		sessions:   make(map[string]*Client),
		byUser:     make(map[string]map[*Client]struct{}),
		roomSubs:   make(map[string]map[*Client]struct{}),
		joined:     make(map[*Client]map[string]struct{}),
		maxConns:   maxConns,
		svc:        svc,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		join:       make(chan joinRequest, 64),
		done:       make(chan struct{}),
	}
}

// Run processes session commands in order until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case req := <-h.join:
			h.subscribe(req.client, req.roomID)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, c := range h.sessions {
		allClients = append(allClients, c)
	}
	h.sessions = make(map[string]*Client)
	h.byUser = make(map[string]map[*Client]struct{})
	h.roomSubs = make(map[string]map[*Client]struct{})
	h.joined = make(map[*Client]map[string]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	h.sessions[c.sessionID] = c
	if _, ok := h.byUser[c.userID]; !ok {
		h.byUser[c.userID] = make(map[*Client]struct{})
	}
	h.byUser[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	logger.Infof("ws session connected session=%s user=%s", c.sessionID, c.userID)
}

// removeClient destroys the session and drops every subscription it held.
// No room or message state is touched: sessions are ephemeral.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.sessions[c.sessionID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, c.sessionID)
	if clients, ok := h.byUser[c.userID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	for roomID := range h.joined[c] {
		if subs, ok := h.roomSubs[roomID]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.roomSubs, roomID)
			}
		}
	}
	delete(h.joined, c)
	h.total--
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
	logger.Infof("ws session disconnected session=%s user=%s", c.sessionID, c.userID)
}

func (h *Hub) subscribe(c *Client, roomID string) {
	h.mu.Lock()
	if _, ok := h.sessions[c.sessionID]; !ok {
		// Disconnected while the join command was queued.
		h.mu.Unlock()
		return
	}
	if _, ok := h.roomSubs[roomID]; !ok {
		h.roomSubs[roomID] = make(map[*Client]struct{})
	}
	h.roomSubs[roomID][c] = struct{}{}
	if _, ok := h.joined[c]; !ok {
		h.joined[c] = make(map[string]struct{})
	}
	h.joined[c][roomID] = struct{}{}
	h.mu.Unlock()

	h.sendToClient(c, OutgoingEvent{Type: EventJoined, Payload: JoinedPayload{RoomID: roomID}})
}

// HandleMessage dispatches an inbound session event.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, ev IncomingEvent) {
	switch ev.Type {
	case EventJoin:
		h.handleJoin(c, ev)
	case EventSend:
		h.handleSend(ctx, c, ev)
	default:
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "unknown event type"}})
	}
}

func (h *Hub) handleJoin(c *Client, ev IncomingEvent) {
	if ev.RoomID == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "room_id required"}})
		return
	}
	h.Join(c, ev.RoomID)
}

// handleSend persists through the service and reports failures back to the
// sender only. Delivery to subscribers happens via BroadcastMessage, which
// the service invokes strictly after the append has committed.
func (h *Hub) handleSend(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if ev.RoomID == "" || ev.Body == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "room_id and body required"}})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if _, err := h.svc.SendMessage(ctx, ev.RoomID, c.userID, ev.Body); err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			logger.Errorf("ws send room=%s user=%s: %v", ev.RoomID, c.userID, err)
			h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: "failed to send message"}})
			return
		}
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Error: err.Error()}})
	}
}

// BroadcastMessage delivers a persisted message to every session subscribed
// to the room. Best-effort: disconnected sessions miss the live event and
// catch up via the history endpoint.
func (h *Hub) BroadcastMessage(roomID string, m *model.Message) {
	defer logger.DeferLogDuration("ws.BroadcastMessage", time.Now())()
	out := OutgoingEvent{Type: EventMessageReceived, Payload: MessagePayload{Message: m}}

	h.mu.RLock()
	subs, ok := h.roomSubs[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

// IsOnline reports whether the user has at least one live session.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) sendToClient(c *Client, ev OutgoingEvent) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Join(c *Client, roomID string) {
	select {
	case h.join <- joinRequest{client: c, roomID: roomID}:
	case <-h.done:
	}
}
