package middleware

import (
	"context"
	"mini-rpc/message"
	"mini-rpc/rpclog"
	"time"
)

// LoggingMiddleware logs every request's service method, duration, and error
// (if any) through logger. Pass nil to fall back to rpclog.Default.
func LoggingMiddleware(logger rpclog.Logger) Middleware {
	if logger == nil {
		logger = rpclog.Default
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			// Log the incoming request
			start := time.Now()
			rpcMessage := next(ctx, req)
			// Print the service method and the time taken to process the request and error if any
			duration := time.Since(start)
			logger.Printf("ServiceMethod: %s, Duration: %s", req.ServiceMethod, duration)
			if rpcMessage.Error != "" {
				logger.Printf("Error: %s", rpcMessage.Error)
			}
			return rpcMessage
		}
	}
}
