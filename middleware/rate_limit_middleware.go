package middleware

import (
	"context"

	"envelope-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMessage is the exception message of a rejected call.
const RateLimitMessage = "rate limit exceeded"

// RateLimitMiddleware rejects calls beyond a token bucket of r tokens per
// second and the given burst with an INTERNAL_ERROR exception.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return message.NewExceptionMessage(req.ServiceMethod,
					message.NewApplicationExceptionf(message.ExceptionInternalError, RateLimitMessage))
			}
			return next(ctx, req)
		}
	}
}
