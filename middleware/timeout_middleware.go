package middleware

import (
	"context"
	"mini-rpc/message"
	"mini-rpc/rpclog"
	"time"
)

// TimeOutMiddleware cuts off a request after timeout, logging through logger
// (nil falls back to rpclog.Default) so a handler that's consistently running
// past its deadline is visible without instrumenting every handler itself.
func TimeOutMiddleware(timeout time.Duration, logger rpclog.Logger) Middleware {
	if logger == nil {
		logger = rpclog.Default
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case rpcMessage := <-done:
				return rpcMessage
			case <-ctx.Done():
				logger.Printf("mini-rpc: %s timed out after %s", req.ServiceMethod, timeout)
				return &message.RPCMessage{
					Error: "request timed out",
				}
			}
		}
	}
}
