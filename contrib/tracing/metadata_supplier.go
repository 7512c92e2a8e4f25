package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/propagation"

	"github.com/crazyfrankie/zhttp/message"
)

// HeaderSupplier adapts a message header to the TextMapCarrier interface.
type HeaderSupplier struct {
	header *message.Header
}

// assert that HeaderSupplier implements the TextMapCarrier interface.
var _ propagation.TextMapCarrier = &HeaderSupplier{}

// NewHeaderSupplier creates a new HeaderSupplier.
func NewHeaderSupplier(h *message.Header) *HeaderSupplier {
	return &HeaderSupplier{header: h}
}

// Get returns the value associated with the passed key.
func (s *HeaderSupplier) Get(key string) string {
	return s.header.Get(key)
}

// Set stores the key-value pair.
func (s *HeaderSupplier) Set(key string, value string) {
	s.header.Set(strings.ToLower(key), value)
}

// Keys lists the keys stored in this carrier.
func (s *HeaderSupplier) Keys() []string {
	keys := make([]string, 0, s.header.Len())
	s.header.Range(func(name, _ string) bool {
		keys = append(keys, strings.ToLower(name))
		return true
	})
	return keys
}

// Inject injects the trace context into the header.
func Inject(ctx context.Context, h *message.Header, propagators propagation.TextMapPropagator) {
	propagators.Inject(ctx, NewHeaderSupplier(h))
}

// Extract extracts the trace context from the header.
func Extract(ctx context.Context, h message.Header, propagators propagation.TextMapPropagator) context.Context {
	return propagators.Extract(ctx, NewHeaderSupplier(&h))
}
