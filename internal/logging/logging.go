package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a type for context keys
type contextKey string

const (
	// RentalSessionIDKey is the context key for the rental session ID
	RentalSessionIDKey contextKey = "rental_session_id"
	// MarketplaceKey is the context key for the marketplace name
	MarketplaceKey contextKey = "marketplace"
	// InstanceIDKey is the context key for the rented instance ID
	InstanceIDKey contextKey = "instance_id"
)

// contextKeys lists the keys copied onto every record, in output order
var contextKeys = []contextKey{RentalSessionIDKey, MarketplaceKey, InstanceIDKey}

// Audit operations
const (
	AuditInstanceRented     = "instance_rented"
	AuditInstanceTerminated = "instance_terminated"
	AuditSessionPersisted   = "session_persisted"
)

// Config holds logging configuration
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// ParseLevel maps a config level name to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// New builds a logger without touching the process default
func New(cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(&ContextHandler{Handler: handler})
}

// Setup builds the process logger and installs it as the slog default
// for third-party code. Application code receives it explicitly.
func Setup(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// ContextHandler adds context values to log records
type ContextHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing to the wrapped handler
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs keeps the context decoration on derived handlers
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup keeps the context decoration on derived handlers
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithRentalSessionID adds a rental session ID to the context
func WithRentalSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RentalSessionIDKey, id)
}

// WithMarketplace adds a marketplace name to the context
func WithMarketplace(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, MarketplaceKey, name)
}

// WithInstanceID adds a rented instance ID to the context
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, id)
}

// Audit logs an audit event for a billable or persisted action
func Audit(ctx context.Context, logger *slog.Logger, operation string, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	args := append([]any{"audit", true, "operation", operation}, attrs...)
	logger.InfoContext(ctx, "AUDIT", args...)
}

// Discard returns a logger that drops everything, for tests and library
// callers that did not supply one
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
