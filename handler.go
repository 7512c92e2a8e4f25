package zhttp

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
)

// ResponseChannel sends the response of a server exchange.
type ResponseChannel interface {
	// SendResponse sends the head and streams body, nil for no body. Only
	// the first call takes effect.
	SendResponse(resp *message.Response, body entity.Producer) error
}

// ServerExchangeHandler handles one inbound exchange. HandleRequest runs
// first; the request body then arrives through the embedded Consumer.
// d is nil when the request has no body.
type ServerExchangeHandler interface {
	HandleRequest(ctx context.Context, req *message.Request, d entity.Details, rc ResponseChannel) error
	entity.Consumer
}

// HandlerFactory creates a handler per exchange.
type HandlerFactory func(req *message.Request) ServerExchangeHandler

// handlerRegistry maps request paths to handler factories. Patterns are an
// exact path, "*", "prefix*" or "*suffix". Exact matches win, then the
// longest wildcard pattern.
type handlerRegistry struct {
	mu       sync.RWMutex
	exact    map[string]HandlerFactory
	patterns []registeredPattern
}

type registeredPattern struct {
	pattern string
	factory HandlerFactory
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{exact: make(map[string]HandlerFactory)}
}

func (r *handlerRegistry) register(pattern string, f HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !strings.Contains(pattern, "*") {
		r.exact[pattern] = f
		return
	}
	for i, p := range r.patterns {
		if p.pattern == pattern {
			r.patterns[i].factory = f
			return
		}
	}
	r.patterns = append(r.patterns, registeredPattern{pattern: pattern, factory: f})
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return len(r.patterns[i].pattern) > len(r.patterns[j].pattern)
	})
}

func (r *handlerRegistry) lookup(path string) HandlerFactory {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.exact[path]; ok {
		return f
	}
	for _, p := range r.patterns {
		if matchPattern(p.pattern, path) {
			return p.factory
		}
	}
	return nil
}

func matchPattern(pattern, path string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(path, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(path, pattern[1:])
	}
	return pattern == path
}

// statusHandler answers with a fixed status and a short text body. The
// request body is discarded.
type statusHandler struct {
	entity.DiscardingConsumer
	status int
	text   string
}

func newStatusHandler(status int, text string) *statusHandler {
	if text == "" {
		text = http.StatusText(status)
	}
	return &statusHandler{status: status, text: text}
}

func (h *statusHandler) HandleRequest(_ context.Context, _ *message.Request, _ entity.Details, rc ResponseChannel) error {
	return rc.SendResponse(message.NewResponse(h.status), entity.NewStringProducer(h.text))
}

// RequestHandler handles a request whose body has been read completely.
type RequestHandler[T any] func(ctx context.Context, req message.Message[*message.Request, T]) (*message.Response, entity.Producer, error)

// basicHandler buffers the request body with an EntityConsumer and calls
// a RequestHandler at the end of the stream.
type basicHandler[T any] struct {
	entity.EntityConsumer[T]
	fn  RequestHandler[T]
	ctx context.Context
	req *message.Request
	rc  ResponseChannel
}

// NewBasicHandler returns a factory of handlers that consume the request
// with newConsumer and respond with fn.
func NewBasicHandler[T any](newConsumer func() entity.EntityConsumer[T], fn RequestHandler[T]) HandlerFactory {
	return func(*message.Request) ServerExchangeHandler {
		return &basicHandler[T]{EntityConsumer: newConsumer(), fn: fn}
	}
}

func (h *basicHandler[T]) HandleRequest(ctx context.Context, req *message.Request, d entity.Details, rc ResponseChannel) error {
	h.ctx, h.req, h.rc = ctx, req, rc
	if err := h.StreamStart(d); err != nil {
		return err
	}
	if d == nil {
		return h.respond()
	}
	return nil
}

func (h *basicHandler[T]) StreamEnd(trailers message.Header) error {
	if err := h.EntityConsumer.StreamEnd(trailers); err != nil {
		return err
	}
	return h.respond()
}

func (h *basicHandler[T]) respond() error {
	resp, body, err := h.fn(h.ctx, message.New(h.req, h.Content()))
	if err != nil {
		return err
	}
	return h.rc.SendResponse(resp, body)
}
