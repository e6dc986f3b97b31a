package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ClientConfigResponse carries the protocol timings every client must share.
type ClientConfigResponse struct {
	Debug                bool  `json:"debug"`
	HeartbeatIntervalSec int64 `json:"heartbeat_interval_sec"`
	StaleAfterSec        int64 `json:"stale_after_sec"`
}

func (h *Handlers) GetClientConfig(c *gin.Context) {
	c.JSON(http.StatusOK, ClientConfigResponse{
		Debug:                h.config.LogLevel == "debug",
		HeartbeatIntervalSec: int64(h.config.HeartbeatInterval.Seconds()),
		StaleAfterSec:        int64(h.config.StaleAfter.Seconds()),
	})
}
