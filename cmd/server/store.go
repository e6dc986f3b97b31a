package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tariel-x/duocall/internal/config"
	"github.com/tariel-x/duocall/internal/database"
	"github.com/tariel-x/duocall/internal/roomstore"
)

// openStore builds the room store for the configured driver and replays
// persisted documents into it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*roomstore.MemStore, func(), error) {
	var opts []roomstore.Option
	closers := []func(){}

	switch cfg.StoreDriver {
	case "", "memory":
	case "sqlite", "postgres":
		db, err := database.Initialize(cfg.StoreDriver, cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			closers = append(closers, func() { _ = sqlDB.Close() })
		}
		opts = append(opts, roomstore.WithPersister(database.NewDocumentRepository(db)))
	case "redis":
		rdb, err := database.ConnectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		opts = append(opts, roomstore.WithPersister(database.NewRedisRepository(rdb)))
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	store := roomstore.NewMemStore(opts...)
	if err := store.Load(ctx); err != nil {
		for _, c := range closers {
			c()
		}
		return nil, nil, fmt.Errorf("load persisted documents: %w", err)
	}
	logger.Info("room store ready", "driver", cfg.StoreDriver)

	closeAll := func() {
		store.Close()
		for _, c := range closers {
			c()
		}
	}
	return store, closeAll, nil
}
