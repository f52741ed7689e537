package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"chat-gateway/internal/models"
	"chat-gateway/internal/rooms"
)

var errHubClosed = errors.New("hub closed")

// Hub tracks connected clients and their room memberships. Rooms are a
// delivery mechanism only; authorization is always checked against the store.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]map[string]struct{}
	closed  bool
	// live counts registered clients whose disconnect handling has not finished.
	live    sync.WaitGroup
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]map[string]struct{}),
		logger:  logger,
	}
}

// Register adds a client with no rooms. It reports false once the hub is
// closed. Every successful Register must be paired with a Release.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if _, ok := h.clients[c]; !ok {
		h.clients[c] = make(map[string]struct{})
		h.live.Add(1)
	}
	return true
}

// Release marks a registered client's teardown as finished.
func (h *Hub) Release() {
	h.live.Done()
}

// Unregister removes a client from every room it joined.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.clients[c] {
		h.removeLocked(room, c)
	}
	delete(h.clients, c)
}

// Join adds a registered client to a room.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined, ok := h.clients[c]
	if !ok {
		return
	}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	joined[room] = struct{}{}
}

// Leave removes a client from a room.
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(room, c)
	if joined, ok := h.clients[c]; ok {
		delete(joined, room)
	}
}

func (h *Hub) removeLocked(room string, c *Client) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomSize returns the number of clients in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Rooms returns the rooms a client is in.
func (h *Hub) Rooms(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients[c]))
	for room := range h.clients[c] {
		out = append(out, room)
	}
	return out
}

// RoomStats counts live rooms by kind.
func (h *Hub) RoomStats() map[rooms.Kind]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := map[rooms.Kind]int{}
	for room := range h.rooms {
		kind, _, ok := rooms.Parse(room)
		if !ok {
			kind = rooms.KindOther
		}
		stats[kind]++
	}
	return stats
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a frame to every client in room except skip and returns
// how many clients it was queued for.
func (h *Hub) Broadcast(room string, frame models.OutboundFrame, skip *Client) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	return h.deliver(targets, frame, zap.String("room", room))
}

// BroadcastAll queues a frame to every registered client.
func (h *Hub) BroadcastAll(frame models.OutboundFrame) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, frame, zap.String("room", "*"))
}

func (h *Hub) deliver(targets []*Client, frame models.OutboundFrame, roomField zap.Field) int {
	if len(targets) == 0 {
		return 0
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal outbound frame", zap.String("event", frame.Event), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, c := range targets {
		if c.enqueue(payload) {
			delivered++
			continue
		}
		h.logger.Warn("client egress buffer full, disconnecting",
			roomField,
			zap.String("event", frame.Event),
			zap.String("conn_id", c.info.ConnID),
			zap.String("user_id", c.info.UserID))
		c.Close()
	}
	return delivered
}

// Close disconnects every client and rejects new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// Shutdown closes the hub and waits until every registered client has been
// released or ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.Close()

	released := make(chan struct{})
	go func() {
		h.live.Wait()
		close(released)
	}()
	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
