package handlers

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tariel-x/duocall/internal/config"
	"github.com/tariel-x/duocall/internal/identity"
	"github.com/tariel-x/duocall/internal/roomstore"
	"github.com/tariel-x/duocall/internal/stun"
)

type Handlers struct {
	config     *config.Config
	store      roomstore.Store
	issuer     *identity.Issuer
	stunServer *stun.Server
	wsHub      *WSHub
	wsUpgrader websocket.Upgrader
	nowFn      func() time.Time
	logger     *slog.Logger
}

// New wires the API. stunServer may be nil when the embedded responder is
// disabled.
func New(
	cfg *config.Config,
	store roomstore.Store,
	issuer *identity.Issuer,
	stunServer *stun.Server,
	wsHub *WSHub,
	wsUpgrader websocket.Upgrader,
) *Handlers {
	return &Handlers{
		config:     cfg,
		store:      store,
		issuer:     issuer,
		stunServer: stunServer,
		wsHub:      wsHub,
		wsUpgrader: wsUpgrader,
		nowFn:      time.Now,
		logger:     slog.Default(),
	}
}

func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/session", h.CreateSession)
	api.GET("/ice-config", h.GetICEConfig)
	api.GET("/client-config", h.GetClientConfig)
	api.GET("/rooms/:room_code", h.GetRoom)
	api.GET("/ws", h.HandleWebSocket)
}
