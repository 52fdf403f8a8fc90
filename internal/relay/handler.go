package relay

import (
	"github.com/gin-gonic/gin"

	"github.com/streamgrid/backend/pkg/response"
)

// Handler exposes read-only room state over HTTP.
type Handler struct {
	rooms *Rooms
	hub   *Hub
}

// NewHandler creates a relay HTTP handler.
func NewHandler(rooms *Rooms, hub *Hub) *Handler {
	return &Handler{rooms: rooms, hub: hub}
}

// GetRoom returns the authoritative room snapshot and connection count.
func (h *Handler) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	room, ok := h.rooms.Snapshot(roomID)
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	response.OK(c, gin.H{
		"room":        room,
		"connections": h.hub.ViewerCount(roomID),
	})
}
