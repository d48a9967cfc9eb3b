package middleware

import (
	"context"
	"fmt"

	"datapack-rpc/message"
)

// RecoverMiddleware turns a handler panic into an error so one bad envelope cannot take
// down the watch loop.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *message.Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, env)
		}
	}
}
