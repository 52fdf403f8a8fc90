package relay

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/streamgrid/backend/internal/transport"
)

// ViewerChangeHandler is called when a room's connection count changes
// (e.g. for peak tracking).
type ViewerChangeHandler func(roomID string, count int)

// Hub maintains room_id -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: local broadcast + publish to Redis.
type Hub struct {
	// roomID -> map[clientID]*Client
	rooms     map[string]map[string]*Client
	subs      map[string]func() // cancel Redis subscription per room
	mu        sync.RWMutex
	logger    *zap.Logger
	redis     RedisPublisher
	redisSub  RedisSubscriber
	onViewers ViewerChangeHandler
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishRoomEvent(roomID, msgType string, payload []byte) error
}

// RedisSubscriber subscribes to room channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeRoom(roomID string, handler func(msgType string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		rooms:    make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// SetViewerChangeHandler sets the callback for connection count changes.
func (h *Hub) SetViewerChangeHandler(fn ViewerChangeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onViewers = fn
}

// Register adds a client to a room. Starts the Redis subscription for the
// room when the first client arrives.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.RoomID] == nil {
		h.rooms[c.RoomID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeRoom(c.RoomID, func(msgType string, payload []byte) {
				h.Broadcast(c.RoomID, msgType, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.RoomID] = cancel
			}
		}
	}
	h.rooms[c.RoomID][c.ID] = c
	count := len(h.rooms[c.RoomID])
	onViewers := h.onViewers
	h.mu.Unlock()
	if onViewers != nil {
		onViewers(c.RoomID, count)
	}
	h.logger.Debug("client joined room", zap.String("client_id", c.ID), zap.String("room_id", c.RoomID))
}

// Unregister removes a client from a room. Cancels the Redis subscription
// when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	var count int
	if m, ok := h.rooms[c.RoomID]; ok {
		delete(m, c.ID)
		count = len(m)
		if count == 0 {
			delete(h.rooms, c.RoomID)
			if cancel, ok := h.subs[c.RoomID]; ok {
				cancel()
				delete(h.subs, c.RoomID)
			}
		}
	}
	onViewers := h.onViewers
	h.mu.Unlock()
	if onViewers != nil {
		// count 0 tells the owner the room emptied out
		onViewers(c.RoomID, count)
	}
	h.logger.Debug("client left room", zap.String("client_id", c.ID), zap.String("room_id", c.RoomID))
}

// Broadcast sends a message to all clients in a room (local only).
func (h *Hub) Broadcast(roomID, msgType string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := transport.Message{Type: msgType, Data: data}

	h.mu.RLock()
	clients := h.rooms[roomID]
	h.mu.RUnlock()

	if clients == nil {
		return
	}
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// PublishToRoomOnly publishes to Redis only (no direct local broadcast):
// this instance is itself subscribed to the room channel, so the
// subscriber callback performs the one local broadcast for every
// instance. Broadcasting locally as well would deliver each relayed
// message twice to local clients. Falls back to a local broadcast when
// no publisher is configured.
func (h *Hub) PublishToRoomOnly(roomID, msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.redis != nil {
		_ = h.redis.PublishRoomEvent(roomID, msgType, data)
		return
	}
	h.Broadcast(roomID, msgType, payload)
}

// ViewerCount returns the number of connected clients in a room.
func (h *Hub) ViewerCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// SendToClient sends a message to a single client in a room.
func (h *Hub) SendToClient(roomID, clientID, msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := transport.Message{Type: msgType, Data: data}
	h.mu.RLock()
	clients := h.rooms[roomID]
	c, ok := clients[clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
