package middleware

import (
	"context"
	"log/slog"
)

// Timeout returns middleware that enforces a per-invocation deadline.
// If the invocation has a non-zero Timeout, a context.WithTimeout wraps the
// handler call. When the deadline is exceeded the context is cancelled and
// the handler should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		if inv.Timeout > 0 {
			logger.Debug("dispatch timeout set",
				slog.String("id", inv.ID.String()),
				slog.Duration("timeout", inv.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
