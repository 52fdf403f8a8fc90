package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/streamgrid/backend/internal/transport"
	"github.com/streamgrid/backend/internal/viewersync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Hooks receive relayed activity counts for session analytics. Either
// field may be nil.
type Hooks struct {
	OnReactions       func(roomID string, count int)
	OnSyncCorrections func(roomID string, count int)
}

// Client represents a single WebSocket connection in a sync room.
type Client struct {
	ID       string
	RoomID   string
	UserID   string
	Username string
	JoinedAt time.Time
	hub      *Hub
	rooms    *Rooms
	conn     *websocket.Conn
	send     chan transport.Message
	logger   *zap.Logger
	hooks    Hooks
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, rooms *Rooms, logger *zap.Logger, jwtValidate func(token string) (userID, username string, err error), hooks Hooks) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Query("room_id")
		token := c.Query("token")
		if roomID == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "room_id and token required"})
			return
		}
		userID, username, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			RoomID:   roomID,
			UserID:   userID,
			Username: username,
			JoinedAt: time.Now(),
			hub:      hub,
			rooms:    rooms,
			conn:     conn,
			send:     make(chan transport.Message, 256),
			logger:   logger,
			hooks:    hooks,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.leaveRoom()
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(transport.PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(transport.PongWait))
		return nil
	})

	for {
		var msg transport.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(transport.PongWait))

		switch msg.Type {
		case transport.MsgSyncJoin:
			var p viewersync.JoinPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil || p.RoomID != c.RoomID {
				continue
			}
			p.Viewer.UserID = c.UserID
			p.Viewer.Username = c.Username
			room := c.rooms.Join(c.RoomID, p.StreamID, p.Viewer)
			c.hub.PublishToRoomOnly(c.RoomID, transport.MsgSyncRoomState, room)
		case transport.MsgSyncLeave:
			c.leaveRoom()
		case transport.MsgSyncUpdate:
			var v viewersync.ViewerState
			if err := json.Unmarshal(msg.Data, &v); err != nil || v.UserID != c.UserID {
				continue
			}
			c.rooms.UpdateViewer(c.RoomID, v)
		case transport.MsgSyncEvent:
			var e viewersync.Event
			if err := json.Unmarshal(msg.Data, &e); err != nil || e.UserID != c.UserID {
				continue
			}
			c.rooms.ApplyEvent(c.RoomID, e)
			if e.Type == viewersync.EventSyncResponse {
				// every answered sync request is one convergence pass
				c.countSyncCorrections(1)
			}
			c.hub.PublishToRoomOnly(c.RoomID, msg.Type, json.RawMessage(msg.Data))
		case transport.MsgSyncHostRequest:
			var p viewersync.HostRequestPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil || p.UserID != c.UserID {
				continue
			}
			change, ok := c.rooms.RequestHost(c.RoomID, c.UserID, c.Username)
			if !ok {
				continue
			}
			c.broadcastHostChange(change)
		case transport.MsgReaction:
			c.countReactions(1)
			c.hub.PublishToRoomOnly(c.RoomID, msg.Type, json.RawMessage(msg.Data))
		case transport.MsgReactionBatch:
			var batch []json.RawMessage
			if json.Unmarshal(msg.Data, &batch) == nil {
				c.countReactions(len(batch))
			}
			c.hub.PublishToRoomOnly(c.RoomID, msg.Type, json.RawMessage(msg.Data))
		case transport.MsgReactionBurst:
			var burst struct {
				Intensity int `json:"intensity"`
			}
			if json.Unmarshal(msg.Data, &burst) == nil {
				c.countReactions(burst.Intensity)
			}
			c.hub.PublishToRoomOnly(c.RoomID, msg.Type, json.RawMessage(msg.Data))
		case transport.MsgElementCreate, transport.MsgElementInteract, transport.MsgElementUpdate:
			c.hub.PublishToRoomOnly(c.RoomID, msg.Type, json.RawMessage(msg.Data))
		default:
			// ignore
		}
	}
}

// leaveRoom removes the user from the room registry, promoting a new host
// if needed, and tells the remaining viewers.
func (c *Client) leaveRoom() {
	room, hostChange, ok := c.rooms.Leave(c.RoomID, c.UserID)
	if !ok {
		return
	}
	if hostChange != nil {
		c.broadcastHostChange(*hostChange)
	}
	c.hub.PublishToRoomOnly(c.RoomID, transport.MsgSyncRoomState, room)
}

func (c *Client) broadcastHostChange(change viewersync.HostChangePayload) {
	data, err := json.Marshal(change)
	if err != nil {
		return
	}
	c.hub.PublishToRoomOnly(c.RoomID, transport.MsgSyncHostChange, viewersync.Event{
		Type:      viewersync.EventHostChange,
		UserID:    c.UserID,
		Username:  c.Username,
		RoomID:    c.RoomID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
	if room, ok := c.rooms.Snapshot(c.RoomID); ok {
		c.hub.PublishToRoomOnly(c.RoomID, transport.MsgSyncRoomState, room)
	}
}

func (c *Client) countReactions(n int) {
	if c.hooks.OnReactions != nil && n > 0 {
		c.hooks.OnReactions(c.RoomID, n)
	}
}

func (c *Client) countSyncCorrections(n int) {
	if c.hooks.OnSyncCorrections != nil && n > 0 {
		c.hooks.OnSyncCorrections(c.RoomID, n)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(transport.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
