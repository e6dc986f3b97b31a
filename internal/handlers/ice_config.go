package handlers

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/duocall/internal/call"
)

const iceCandidatePoolSize = 10

// GetICEConfig lists the embedded STUN responder first, then the
// configured public servers. No TURN relay is offered.
func (h *Handlers) GetICEConfig(c *gin.Context) {
	cfg := call.ICEConfig{CandidatePoolSize: iceCandidatePoolSize}

	if h.stunServer != nil {
		host := c.Request.Host
		if hostOnly, _, err := net.SplitHostPort(host); err == nil {
			host = hostOnly
		}
		cfg.Servers = append(cfg.Servers, call.ICEServer{URLs: []string{h.stunServer.URL(host)}})
	}
	if len(h.config.STUNURLs) > 0 {
		cfg.Servers = append(cfg.Servers, call.ICEServer{URLs: h.config.STUNURLs})
	}

	h.logger.Debug("ice config requested", "servers", len(cfg.Servers))
	c.JSON(http.StatusOK, cfg)
}
