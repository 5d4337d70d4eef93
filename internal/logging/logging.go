// Package logging configures the proxy's diagnostic logging: structured
// text to stderr always, optionally fanned out to a rotated JSON file.
// The traffic log (internal/trafficlog) is a separate, non-rotating,
// append-only file and is never routed through this package.
package logging

import (
	"context"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the diagnostic logging level and optional file sink.
type Config struct {
	// Debug enables DEBUG-level logging with source locations.
	Debug bool
	// LogFile is a rotating log file path; empty disables file logging.
	LogFile string
}

// Setup installs a default slog.Logger per cfg and returns it plus a
// cleanup closing the rotating file, if any.
func Setup(cfg Config) (logger *slog.Logger, cleanup func()) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Debug,
	})

	if cfg.LogFile == "" {
		logger = slog.New(stderrHandler)
		slog.SetDefault(logger)
		return logger, func() {}
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
	}
	fileHandler := slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: level})

	logger = slog.New(&multiHandler{handlers: []slog.Handler{stderrHandler, fileHandler}})
	slog.SetDefault(logger)

	return logger, func() { _ = lj.Close() }
}

// multiHandler fans out log records to multiple slog.Handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
