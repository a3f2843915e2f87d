package middleware

import (
	"context"
	"mini-rpc/message"
	"mini-rpc/rpclog"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件.
// logger receives one line per rejected request, so a server under sustained
// throttling shows up in the logs rather than just in dropped-call metrics
// the caller has to go dig for. Pass nil to fall back to rpclog.Default.
func RateLimitMiddleware(r float64, burst int, logger rpclog.Logger) Middleware {
	if logger == nil {
		logger = rpclog.Default
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				logger.Printf("mini-rpc: rate limit exceeded for %s", req.ServiceMethod)
				return &message.RPCMessage{
					Error: "rate limit exceeded",
				}
			}
			return next(ctx, req)
		}
	}

}
