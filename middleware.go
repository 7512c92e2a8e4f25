package zhttp

import (
	"context"

	"github.com/crazyfrankie/zhttp/message"
)

// Middleware decorates the handler factory of a route. It runs once per
// exchange, before the handler sees the request, and may return a
// different handler altogether.
type Middleware func(next HandlerFactory) HandlerFactory

// AuthFunc authorizes a request before dispatch. A non-nil error answers
// the exchange with 401.
type AuthFunc func(ctx context.Context, req *message.Request) error

// chainMiddlewares applies mws so that the first one is outermost.
func chainMiddlewares(f HandlerFactory, mws []Middleware) HandlerFactory {
	for i := len(mws) - 1; i >= 0; i-- {
		f = mws[i](f)
	}
	return f
}
