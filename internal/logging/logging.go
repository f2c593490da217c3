// Package logging installs the process-wide slog handler backed by zerolog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"

	"chat-gateway/internal/config"
)

// Setup builds a logger from cfg, installs it as the slog default and
// returns a closer for the optional log file.
func Setup(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	return setup(cfg, os.Stderr)
}

func setup(cfg config.LogConfig, console io.Writer) (*slog.Logger, io.Closer, error) {
	var out io.Writer = console
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: console, TimeFormat: time.Stamp}
	}

	var closer io.Closer = nopCloser{}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir %q: %w", cfg.Dir, err)
		}

		name := cfg.File
		if name == "" {
			name = "chat-gateway.log"
		}
		path := filepath.Join(cfg.Dir, name)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", path, err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}

	zl := zerolog.New(out).With().Timestamp().Logger()
	logger := slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: ParseLevel(cfg.Level)}))
	slog.SetDefault(logger)

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel maps a config level name onto slog, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// ShortID truncates identifiers for log output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
