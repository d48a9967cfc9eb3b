package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"datapack-rpc/message"
)

// LoggingMiddleware tags every dispatch with a fresh id and records its duration and
// outcome. Failures are reported again, at error level, by whoever called the chain.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *message.Envelope) error {
			start := time.Now()
			log := logger.With(
				zap.String("dispatch_id", uuid.NewString()),
				zap.String("method", string(env.Method)),
				zap.Float64("envelope_id", env.ID),
			)
			err := next(ctx, env)
			log.Info("dispatched",
				zap.Duration("duration", time.Since(start)),
				zap.Bool("ok", err == nil),
				zap.Error(err))
			return err
		}
	}
}
