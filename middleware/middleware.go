// Package middleware wraps the request dispatcher. Every one-shot and subscribe request
// passes through the chain before it reaches the dispatcher.
package middleware

import (
	"context"

	"uds-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// ForTypes applies mw only to requests of the given types; other requests skip it.
func ForTypes(mw Middleware, types ...message.RequestType) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		wrapped := mw(next)
		return func(ctx context.Context, req *message.Request) *message.Response {
			for _, t := range types {
				if req.Type == t {
					return wrapped(ctx, req)
				}
			}
			return next(ctx, req)
		}
	}
}
