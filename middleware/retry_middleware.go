package middleware

import (
	"context"
	"mini-rpc/message"
	"mini-rpc/rpclog"
	"strings"
	"time"
)

// RetryMiddleware retries a request up to maxRetries times, with exponential
// backoff starting at baseDelay, as long as the error looks transient
// ("timeout" or "connection refused"). Pass a nil logger to fall back to
// rpclog.Default for the retry-attempt log line.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger rpclog.Logger) Middleware {
	if logger == nil {
		logger = rpclog.Default
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			rpcMessage := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if rpcMessage.Error == "" {
					return rpcMessage // Success, return response
				}
				if strings.Contains(rpcMessage.Error, "timeout") || strings.Contains(rpcMessage.Error, "connection refused") {
					// Log the retry attempt
					logger.Printf("Retry attempt %d for %s due to error: %s", i+1, req.ServiceMethod, rpcMessage.Error)
					time.Sleep(baseDelay * time.Duration(1<<i)) // Exponential backoff
					rpcMessage = next(ctx, req)                 // Retry the request
				} else {
					return rpcMessage // Non-retryable error, return immediately
				}
			}
			return rpcMessage // Return last response after retries
		}
	}
}
