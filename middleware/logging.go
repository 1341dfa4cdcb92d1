package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs invocation start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		logger.Info("dispatch started",
			slog.String("kind", inv.Kind),
			slog.String("name", inv.Name),
			slog.String("id", inv.ID.String()),
			slog.Int("attempt", inv.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("dispatch failed",
				slog.String("kind", inv.Kind),
				slog.String("name", inv.Name),
				slog.String("id", inv.ID.String()),
				slog.Int("attempt", inv.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("dispatch completed",
				slog.String("kind", inv.Kind),
				slog.String("name", inv.Name),
				slog.String("id", inv.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
