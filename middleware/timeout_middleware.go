package middleware

import (
	"context"
	"time"

	"envelope-rpc/message"
)

// TimeoutMessage is the exception message of a call that ran out of time.
const TimeoutMessage = "request timed out"

// TimeOutMiddleware bounds a call. The handler keeps running in the
// background after the deadline; its context is cancelled.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewExceptionMessage(req.ServiceMethod,
					message.NewApplicationExceptionf(message.ExceptionInternalError, TimeoutMessage))
			}
		}
	}
}
