package logging

import (
	"context"
	"log/slog"
	"os"
)

type ctxAttrsKey struct{}

// Setup installs the process-wide text handler.
func Setup(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// WithAttrs returns a context whose logger carries attrs in addition to any
// attributes already attached to ctx. Later keys replace earlier ones.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	current := Attrs(ctx)
	merged := make([]slog.Attr, 0, len(current)+len(attrs))
	for _, a := range current {
		if !hasKey(attrs, a.Key) {
			merged = append(merged, a)
		}
	}
	merged = append(merged, attrs...)
	return context.WithValue(ctx, ctxAttrsKey{}, merged)
}

func Attrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(ctxAttrsKey{}).([]slog.Attr)
	return attrs
}

// From returns the default logger enriched with the context attributes.
func From(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	for _, a := range Attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

func hasKey(attrs []slog.Attr, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}
