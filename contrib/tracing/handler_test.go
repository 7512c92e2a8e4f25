package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/stats"
)

func newProvider() (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)), sr
}

func TestClientServerPropagation(t *testing.T) {
	tp, sr := newProvider()
	prop := propagation.TraceContext{}
	client := NewClientHandler(WithTracerProvider(tp), WithPropagators(prop))
	server := NewServerHandler(WithTracerProvider(tp), WithPropagators(prop))

	begin := time.Now()
	info := &stats.ExchangeTagInfo{Method: "POST", Authority: "localhost:8080", Path: "/stuff?x=1", Protocol: message.HTTP11}
	cctx := client.TagExchange(context.Background(), info)

	var hdr message.Header
	client.HandleExchange(cctx, &stats.OutHeader{Client: true, Header: &hdr})
	require.NotEmpty(t, hdr.Get("traceparent"))

	sinfo := &stats.ExchangeTagInfo{Method: "POST", Path: "/stuff", Protocol: message.HTTP11, Header: hdr}
	sctx := server.TagExchange(context.Background(), sinfo)
	server.HandleExchange(sctx, &stats.InPayload{Length: 10})
	server.HandleExchange(sctx, &stats.End{BeginTime: begin, EndTime: time.Now(), Status: 200})

	client.HandleExchange(cctx, &stats.InHeader{Client: true, Status: 200})
	client.HandleExchange(cctx, &stats.End{Client: true, BeginTime: begin, EndTime: time.Now(), Status: 200})

	spans := sr.Ended()
	require.Len(t, spans, 2)
	srv, cli := spans[0], spans[1]
	assert.Equal(t, "POST /stuff", cli.Name())
	assert.Equal(t, trace.SpanKindClient, cli.SpanKind())
	assert.Equal(t, trace.SpanKindServer, srv.SpanKind())
	assert.Equal(t, cli.SpanContext().TraceID(), srv.SpanContext().TraceID())
	assert.Equal(t, cli.SpanContext().SpanID(), srv.Parent().SpanID())
	assert.Equal(t, codes.Ok, cli.Status().Code)
	assert.Len(t, srv.Events(), 1)
}

func TestErrorStatus(t *testing.T) {
	tp, sr := newProvider()
	h := NewClientHandler(WithTracerProvider(tp))
	ctx := h.TagExchange(context.Background(), &stats.ExchangeTagInfo{Method: "GET", Path: "/"})
	h.HandleExchange(ctx, &stats.End{Client: true, EndTime: time.Now(), Error: errors.New("boom")})

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestFilterSkipsSpan(t *testing.T) {
	tp, sr := newProvider()
	h := NewServerHandler(WithTracerProvider(tp), WithFilter(HealthCheckFilter()))
	ctx := h.TagExchange(context.Background(), &stats.ExchangeTagInfo{Method: "GET", Path: "/healthz"})
	h.HandleExchange(ctx, &stats.End{EndTime: time.Now()})
	assert.Empty(t, sr.Ended())
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	info := &stats.ExchangeTagInfo{Method: "POST", Path: "/api/stuff?q=1"}

	assert.True(t, PathFilter("/api/stuff")(ctx, info))
	assert.False(t, PathFilter("/api")(ctx, info))
	assert.True(t, PathPrefixFilter("/api")(ctx, info))
	assert.True(t, MethodFilter("post")(ctx, info))
	assert.False(t, ParentFilter()(ctx, info))
	assert.True(t, Any(RejectAll(), AcceptAll())(ctx, info))
	assert.False(t, All(RejectAll(), AcceptAll())(ctx, info))
	assert.True(t, Not(RejectAll())(ctx, info))
}

func TestHeaderSupplier(t *testing.T) {
	h := message.Pairs("Traceparent", "a")
	s := NewHeaderSupplier(&h)
	assert.Equal(t, "a", s.Get("traceparent"))
	s.Set("Tracestate", "b")
	assert.ElementsMatch(t, []string{"traceparent", "tracestate"}, s.Keys())
}
