package middleware

import (
	"context"
	"strings"
	"time"

	"envelope-rpc/message"

	"go.uber.org/zap"
)

// Retryable reports whether a failed call may succeed when sent again:
// only INTERNAL_ERROR exceptions caused by timeouts or refused connections.
// Everything else (unknown method, protocol errors, ...) is permanent.
func Retryable(exc *message.ApplicationException) bool {
	if exc == nil || exc.ExceptionType() != message.ExceptionInternalError {
		return false
	}
	msg := exc.Message()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "connection refused")
}

// RetryMiddleware resends retryable failures up to maxRetries times with
// exponential backoff starting at baseDelay. It gives up early when ctx ends.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp == nil || !Retryable(resp.Exception) {
					return resp
				}
				logger.Info("retrying rpc call",
					zap.String("service_method", req.ServiceMethod),
					zap.Int("attempt", i+1),
					zap.Stringer("exception", resp.Exception),
				)

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp
				case <-timer.C:
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
