// Package logging provides structured logging using slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup initializes the global slog logger based on configuration.
func Setup(cfg Config) {
	SetupWriter(cfg, os.Stdout)
}

// SetupWriter is Setup with an explicit destination. Workers log to stdout so
// the manager can redirect one stream per shard into its own file.
func SetupWriter(cfg Config, w io.Writer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ShardLogger creates a logger with shard context fields.
func ShardLogger(shardID, numShards int) *slog.Logger {
	return slog.With("shard_id", shardID, "num_shards", numShards)
}

// ConversationLogger creates a logger scoped to one conversation within a shard.
func ConversationLogger(shardID int, convID string) *slog.Logger {
	return slog.With("shard_id", shardID, "conv_id", convID)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
