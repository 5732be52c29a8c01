// Package logger provides structured logging with subsystem-specific levels
// and OpenTelemetry log bridging.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const loggerKey contextKey = "logger"

// Subsystem names a component with its own log level.
type Subsystem string

const (
	SubsystemAPI          Subsystem = "API"
	SubsystemOrchestrator Subsystem = "ORCHESTRATOR"
	SubsystemGateway      Subsystem = "GATEWAY"
	SubsystemAgent        Subsystem = "AGENT"
	SubsystemStore        Subsystem = "STORE"
)

// Config holds the default level and per-subsystem overrides.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[Subsystem]slog.Level
	JSON            bool
}

// NewConfig reads LOG_LEVEL, LOG_FORMAT and LOG_LEVEL_<SUBSYSTEM>.
func NewConfig() Config {
	cfg := Config{
		DefaultLevel:    parseLevel(os.Getenv("LOG_LEVEL"), slog.LevelInfo),
		SubsystemLevels: make(map[Subsystem]slog.Level),
		JSON:            !strings.EqualFold(os.Getenv("LOG_FORMAT"), "text"),
	}
	for _, s := range []Subsystem{SubsystemAPI, SubsystemOrchestrator, SubsystemGateway, SubsystemAgent, SubsystemStore} {
		if v := os.Getenv("LOG_LEVEL_" + string(s)); v != "" {
			cfg.SubsystemLevels[s] = parseLevel(v, cfg.DefaultLevel)
		}
	}
	return cfg
}

// LevelFor returns the level of a subsystem.
func (c Config) LevelFor(s Subsystem) slog.Level {
	if l, ok := c.SubsystemLevels[s]; ok {
		return l
	}
	return c.DefaultLevel
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	var l slog.Level
	if s == "" || l.UnmarshalText([]byte(s)) != nil {
		return fallback
	}
	return l
}

// NewSubsystemLogger builds a logger writing to stdout and, when otelHandler
// is non-nil, to OpenTelemetry as well.
func NewSubsystemLogger(s Subsystem, cfg Config, otelHandler slog.Handler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LevelFor(s)}
	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	if otelHandler != nil {
		h = &fanoutHandler{handlers: []slog.Handler{h, otelHandler}, level: opts.Level.Level()}
	}
	return slog.New(h).With("subsystem", string(s))
}

// AddToContext adds a logger to the context
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or returns default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// fanoutHandler sends each record to every wrapped handler.
type fanoutHandler struct {
	handlers []slog.Handler
	level    slog.Level
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= f.level
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next, level: f.level}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: next, level: f.level}
}
