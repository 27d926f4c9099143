// Package logger configures slog and carries request and build ids through
// contexts. Records logged with a context (InfoContext and friends) pick the
// ids up automatically; FromContext returns a logger with them attached for
// call sites that log without one.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	buildIDKey
)

func Setup(level string, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter installs the default logger writing to w. Unknown levels fall
// back to info and unknown formats to text.
func SetupWriter(w io.Writer, level string, format string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(contextHandler{h}))
}

// ParseLevel accepts slog level names such as "debug" or "warn+2".
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithBuildID(ctx context.Context, buildID string) context.Context {
	return context.WithValue(ctx, buildIDKey, buildID)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func BuildID(ctx context.Context) string {
	id, _ := ctx.Value(buildIDKey).(string)
	return id
}

func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if id := BuildID(ctx); id != "" {
		attrs = append(attrs, slog.String("build_id", id))
	}
	return attrs
}

// FromContext returns the default logger with the context ids attached.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	for _, a := range contextAttrs(ctx) {
		l = l.With(a)
	}
	return l
}

// contextHandler adds context ids to records that do not carry them yet.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		attrs := contextAttrs(ctx)
		if len(attrs) > 0 {
			present := map[string]bool{}
			r.Attrs(func(a slog.Attr) bool {
				present[a.Key] = true
				return true
			})
			for _, a := range attrs {
				if !present[a.Key] {
					r.AddAttrs(a)
				}
			}
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}
