package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tariel-x/duocall/internal/config"
	"github.com/tariel-x/duocall/internal/handlers"
	"github.com/tariel-x/duocall/internal/identity"
	"github.com/tariel-x/duocall/internal/stun"
)

const AppVersion = "1.0.0"

// Build timestamp - set at compile time or use current time
var buildTimestamp = time.Now().Unix()

func main() {
	httpOnly := flag.Bool("http-only", false, "Serve plain HTTP only (no TLS)")
	selfSigned := flag.Bool("self-signed", false, "Enable HTTPS using a generated self-signed certificate")
	flag.Parse()

	cfg := config.Load(httpOnly)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	logger.Info(fmt.Sprintf("duocall server v%s (build: %d)", AppVersion, buildTimestamp))

	if err := run(cfg, *selfSigned, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run serves until SIGINT or SIGTERM, then closes the websocket clients,
// the listeners, the STUN responder and the store in that order.
func run(cfg *config.Config, selfSigned bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open room store (%s): %w", cfg.StoreDriver, err)
	}
	defer closeStore()

	stunServer, err := stun.Initialize(cfg.STUNPort, cfg.STUNRealm, logger)
	if err != nil {
		return fmt.Errorf("start STUN responder: %w", err)
	}
	defer stunServer.Close()

	hub := handlers.NewWSHub()
	h := handlers.New(
		cfg,
		store,
		identity.NewIssuer(cfg.JWTSecret, cfg.SessionTTL),
		stunServer,
		hub,
		websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	)

	plan, err := newServePlan(cfg, selfSigned, setupRouter(h, logger), logger)
	if err != nil {
		return err
	}
	plan.logEndpoints(logger, stunServer.Port())
	return plan.serve(ctx, hub.CloseAll)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func setupRouter(h *handlers.Handlers, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), slogGinLogger(logger))

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	h.RegisterRoutes(router.Group("/api"))
	return router
}
