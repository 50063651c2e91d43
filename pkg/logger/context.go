package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// With attaches the given fields to the context's logger; downstream code
// picks them up through From. Request middleware uses this to thread trace
// and advertiser ids through a request.
func With(ctx context.Context, fields ...any) context.Context {
	enriched := From(ctx).With(fields...)
	return context.WithValue(ctx, ctxKey{}, enriched)
}

// From returns the context's logger, falling back to the process-wide one
// when the context carries none.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return LoggerWrapper()
}
