// Package middleware wraps RPC handlers in an onion chain. The same
// HandlerFunc shape is used on the server, around method dispatch, and on
// the client, around the network round trip.
//
// A handler never returns a Go error: failures travel as an
// ApplicationException on the returned message, exactly as they would on
// the wire.
package middleware

import (
	"context"

	"envelope-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that Chain(A, B, C)(h) is A(B(C(h))).
// A runs first on the way in and last on the way out.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
