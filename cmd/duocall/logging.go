package main

import (
	"log/slog"
	"os"
)

// initLogging keeps stdout for the conversation; logs go to stderr.
func initLogging(level string) {
	l := slog.LevelError
	switch level {
	case "dev", "development", "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
