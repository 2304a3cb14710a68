package middleware

import (
	"context"
	"time"

	"envelope-rpc/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every call with its duration, and the exception
// envelope when the call failed. A nil logger uses zap.L().
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			if resp != nil && resp.Exception != nil {
				logger.Warn("rpc call failed",
					zap.String("service_method", req.ServiceMethod),
					zap.Duration("duration", duration),
					zap.Stringer("exception_type", resp.Exception.ExceptionType()),
					zap.Stringer("exception", resp.Exception),
				)
				return resp
			}
			logger.Info("rpc call",
				zap.String("service_method", req.ServiceMethod),
				zap.Duration("duration", duration),
			)
			return resp
		}
	}
}
