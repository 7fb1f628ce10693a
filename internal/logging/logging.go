// Package logging provides structured logging for the escrow engine.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type requestIDCtxKey struct{}
type loggerCtxKey struct{}

// New creates a logger writing to stdout. Level accepts debug, info, warn,
// or error in any case; anything unparseable means info. Format "json"
// selects JSON lines, anything else human-readable text. Debug level also
// records source locations.
func New(level, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	// UnmarshalText leaves the receiver alone on bad input, keeping info.
	_ = lvl.UnmarshalText([]byte(level))

	opts := &slog.HandlerOptions{Level: lvl}
	if lvl == slog.LevelDebug {
		opts.AddSource = true
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WithRequestID stamps the request id that L attaches to log lines.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDCtxKey{}, requestID)
}

// RequestID reports the request id carried in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey{}).(string)
	return id
}

// WithLogger carries logger in ctx for code downstream of the middleware.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger carried in ctx, or the process default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerCtxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger with the request id attached when present.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if id := RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	return logger
}

// Err is the conventional error attribute. Nil errors log as empty strings
// so callers can pass the attr unconditionally.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
