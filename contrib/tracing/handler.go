// Package tracing records OpenTelemetry spans and metrics for zhttp
// exchanges and propagates trace context through request headers.
package tracing

import (
	"context"
	"strconv"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/crazyfrankie/zhttp/stats"
)

type exchangeContextKey struct{}

type exchangeContext struct {
	inBytes     int64
	outBytes    int64
	metricAttrs []attribute.KeyValue
	record      bool
}

// handler implements stats.Handler for one side of the exchange.
type handler struct {
	*config
	client bool
	kind   trace.SpanKind
	tracer trace.Tracer

	// Metrics
	duration metric.Float64Histogram
	inSize   metric.Int64Histogram
	outSize  metric.Int64Histogram
}

// NewClientHandler creates a stats.Handler for a requester.
func NewClientHandler(opts ...Option) stats.Handler {
	return newHandler(true, opts)
}

// NewServerHandler creates a stats.Handler for a server.
func NewServerHandler(opts ...Option) stats.Handler {
	return newHandler(false, opts)
}

func newHandler(client bool, opts []Option) *handler {
	c := newConfig(opts)
	h := &handler{config: c, client: client, kind: trace.SpanKindServer}
	side, in, out := "server", "request", "response"
	if client {
		h.kind = trace.SpanKindClient
		side, in, out = "client", "response", "request"
	}

	h.tracer = c.TracerProvider.Tracer(
		ScopeName,
		trace.WithInstrumentationVersion(Version()),
	)

	meter := c.MeterProvider.Meter(
		ScopeName,
		metric.WithInstrumentationVersion(Version()),
	)

	var err error
	if h.duration, err = meter.Float64Histogram(
		"http."+side+".request.duration",
		metric.WithDescription("Measures the duration of HTTP exchanges."),
		metric.WithUnit("s"),
	); err != nil {
		otel.Handle(err)
	}

	if h.inSize, err = meter.Int64Histogram(
		"http."+side+"."+in+".body.size",
		metric.WithDescription("Measures size of received bodies."),
		metric.WithUnit("By"),
	); err != nil {
		otel.Handle(err)
	}

	if h.outSize, err = meter.Int64Histogram(
		"http."+side+"."+out+".body.size",
		metric.WithDescription("Measures size of sent bodies."),
		metric.WithUnit("By"),
	); err != nil {
		otel.Handle(err)
	}

	return h
}

// TagExchange starts the span. The server side continues the trace found
// in the request header.
func (h *handler) TagExchange(ctx context.Context, info *stats.ExchangeTagInfo) context.Context {
	if !h.client {
		ctx = Extract(ctx, info.Header, h.Propagators)
	}

	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(info.Method),
		semconv.URLPath(pathOnly(info.Path)),
		semconv.NetworkProtocolVersion(protocolVersion(info)),
	}
	if info.Authority != "" {
		attrs = append(attrs, semconv.ServerAddress(info.Authority))
	}

	record := true
	if h.Filter != nil {
		record = h.Filter(ctx, info)
	}

	if record {
		opts := []trace.SpanStartOption{
			trace.WithSpanKind(h.kind),
			trace.WithAttributes(attrs...),
		}
		opts = append(opts, h.SpanStartOptions...)
		ctx, _ = h.tracer.Start(ctx, info.Method+" "+pathOnly(info.Path), opts...)
	}

	return context.WithValue(ctx, exchangeContextKey{}, &exchangeContext{
		metricAttrs: attrs[:1],
		record:      record,
	})
}

// HandleExchange processes the exchange stats.
func (h *handler) HandleExchange(ctx context.Context, rs stats.ExchangeStats) {
	ectx, _ := ctx.Value(exchangeContextKey{}).(*exchangeContext)
	if ectx != nil && !ectx.record {
		return
	}

	span := trace.SpanFromContext(ctx)

	switch rs := rs.(type) {
	case *stats.OutHeader:
		if h.client && rs.Header != nil {
			Inject(ctx, rs.Header, h.Propagators)
		}
	case *stats.InHeader:
		if h.client && span.IsRecording() {
			span.SetAttributes(semconv.HTTPResponseStatusCode(rs.Status))
		}
	case *stats.OutPayload:
		if ectx != nil {
			atomic.AddInt64(&ectx.outBytes, rs.Length)
		}
		if h.SentEvent && span.IsRecording() {
			span.AddEvent("body.sent", trace.WithAttributes(attribute.Int64("size", rs.Length)))
		}
	case *stats.InPayload:
		if ectx != nil {
			atomic.AddInt64(&ectx.inBytes, rs.Length)
		}
		if h.ReceivedEvent && span.IsRecording() {
			span.AddEvent("body.received", trace.WithAttributes(attribute.Int64("size", rs.Length)))
		}
	case *stats.End:
		if ectx != nil {
			attrs := ectx.metricAttrs
			if rs.Status != 0 {
				attrs = append(attrs[:len(attrs):len(attrs)], semconv.HTTPResponseStatusCode(rs.Status))
			}
			h.inSize.Record(ctx, atomic.LoadInt64(&ectx.inBytes), metric.WithAttributes(attrs...))
			h.outSize.Record(ctx, atomic.LoadInt64(&ectx.outBytes), metric.WithAttributes(attrs...))
			h.duration.Record(ctx, rs.EndTime.Sub(rs.BeginTime).Seconds(), metric.WithAttributes(attrs...))
		}

		if span.IsRecording() {
			if rs.Status != 0 {
				span.SetAttributes(semconv.HTTPResponseStatusCode(rs.Status))
			}
			switch {
			case rs.Error != nil:
				span.RecordError(rs.Error)
				span.SetStatus(codes.Error, rs.Error.Error())
			case rs.Status >= 500 || (h.client && rs.Status >= 400):
				span.SetStatus(codes.Error, "")
			default:
				span.SetStatus(codes.Ok, "")
			}
		}
		span.End(trace.WithTimestamp(rs.EndTime))
	}
}

func (h *handler) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	return ctx
}

func (h *handler) HandleConn(context.Context, stats.ConnStats) {}

func protocolVersion(info *stats.ExchangeTagInfo) string {
	if info.Protocol.Major == 2 {
		return "2"
	}
	if info.Protocol.Major == 0 {
		return "1.1"
	}
	return strconv.Itoa(info.Protocol.Major) + "." + strconv.Itoa(info.Protocol.Minor)
}
