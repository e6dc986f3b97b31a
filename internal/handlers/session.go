package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CreateSession issues a fresh anonymous session identity.
func (h *Handlers) CreateSession(c *gin.Context) {
	id, err := h.issuer.Issue()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Debug("session issued", "session_id", id.SessionID, "ip", c.ClientIP())
	c.JSON(http.StatusOK, id)
}
