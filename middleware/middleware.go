package middleware

import (
	"context"
	"errors"

	"datapack-rpc/message"
)

// HandlerFunc handles one validated envelope. A returned error is logged by the caller
// and never stops the watch loop.
type HandlerFunc func(ctx context.Context, env *message.Envelope) error

type Middleware func(next HandlerFunc) HandlerFunc

var (
	ErrTimeout     = errors.New("dispatch timed out")
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnavailable marks failures that happened before a handler produced any output,
	// such as a chat backend refusing the connection. Only these are retried.
	ErrUnavailable = errors.New("backend unavailable")
)

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
