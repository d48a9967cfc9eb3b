package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"datapack-rpc/message"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// A rejected envelope is dropped, not queued: its carrier is already consumed.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *message.Envelope) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(ctx, env)
		}
	}
}
