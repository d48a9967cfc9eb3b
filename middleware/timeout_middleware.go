package middleware

import (
	"context"
	"time"

	"datapack-rpc/message"
)

// TimeOutMiddleware bounds a handler. The handler keeps running in the background until it
// observes ctx; handlers check ctx before emitting so a late result is not written.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *message.Envelope) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, env)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ErrTimeout
			}
		}
	}
}
