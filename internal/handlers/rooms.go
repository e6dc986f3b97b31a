package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/duocall/internal/models"
	"github.com/tariel-x/duocall/internal/presence"
	"github.com/tariel-x/duocall/internal/roomstore"
)

type getRoomResponse struct {
	RoomCode     string    `json:"room_code"`
	CreatedAt    time.Time `json:"created_at"`
	Participants int       `json:"participants"`
	Full         bool      `json:"full"`
	CallActive   bool      `json:"call_active"`
}

// GetRoom reports live occupancy so a client can tell a full room apart
// before joining.
func (h *Handlers) GetRoom(c *gin.Context) {
	code := c.Param("room_code")
	if !models.ValidName(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room code"})
		return
	}

	ctx := c.Request.Context()
	room, err := h.store.Get(ctx, models.RoomPath(code))
	if err != nil {
		if errors.Is(err, roomstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	docs, _, err := h.store.List(ctx, models.UsersCollection(code))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	live := presence.RosterFromDocs(docs).Live(h.nowFn(), h.config.StaleAfter)

	_, err = h.store.Get(ctx, models.CallPath(code))
	callActive := err == nil

	c.JSON(http.StatusOK, getRoomResponse{
		RoomCode:     code,
		CreatedAt:    room.CreateTime,
		Participants: len(live),
		Full:         len(live) >= presence.Capacity,
		CallActive:   callActive,
	})
}
