package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"datapack-rpc/message"
)

// RetryMiddleware re-runs a handler whose error matches ErrUnavailable, backing off
// exponentially from baseDelay. Any other error, including ErrTimeout, is returned at once
// because the handler may already have written to the child.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *message.Envelope) error {
			return retry.Do(
				func() error { return next(ctx, env) },
				retry.Attempts(uint(maxRetries)+1),
				retry.Context(ctx),
				retry.Delay(baseDelay),
				retry.DelayType(retry.BackOffDelay),
				retry.LastErrorOnly(true),
				retry.RetryIf(func(err error) bool {
					return errors.Is(err, ErrUnavailable)
				}),
				retry.OnRetry(func(n uint, err error) {
					logger.Warn("retrying dispatch",
						zap.Uint("attempt", n+1),
						zap.Stringer("envelope", env),
						zap.Error(err))
				}),
			)
		}
	}
}
