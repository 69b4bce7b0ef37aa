package rpc

import (
	"context"
)

type Handler func(context.Context, []byte) (*Result, error)
type Middleware func(context.Context, []byte, Handler) (*Result, error)

func buildHandlerFunction(middleware []Middleware, final Handler) Handler {

	// start with the final handler
	chain := final

	// loop backwards through the middleware slice
	for i := len(middleware) - 1; i >= 0; i-- {
		// capture the current middleware handler
		m := middleware[i]

		// wrap the current chain with the current middleware
		next := chain
		chain = func(ctx context.Context, msg []byte) (*Result, error) {
			return m(ctx, msg, next)
		}
	}

	return chain
}

func ApplyHandlerChain(ctx context.Context, msg []byte, middleware []Middleware, final Handler) (*Result, error) {
	fn := buildHandlerFunction(middleware, final)
	return fn(ctx, msg)
}
