// Package metrics exposes exchange and connection stats as Prometheus
// collectors.
package metrics

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crazyfrankie/zhttp/stats"
)

type exchangeKey struct{}

type exchangeState struct {
	method   string
	in, out  atomic.Int64
	protocol string
}

type connKey struct{}

// Handler is a stats.Handler recording Prometheus metrics.
type Handler struct {
	exchanges *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inBytes   *prometheus.CounterVec
	outBytes  *prometheus.CounterVec
	inflight  *prometheus.GaugeVec
	conns     *prometheus.GaugeVec
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(namespace string, reg prometheus.Registerer) *Handler {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Handler{
		exchanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "total",
				Help:      "Total number of finished exchanges",
			},
			[]string{"side", "method", "status", "result"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "duration_seconds",
				Help:      "Exchange duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"side", "method", "protocol"},
		),
		inBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "received_bytes_total",
				Help:      "Body bytes received",
			},
			[]string{"side"},
		),
		outBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "sent_bytes_total",
				Help:      "Body bytes sent",
			},
			[]string{"side"},
		),
		inflight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "inflight",
				Help:      "Exchanges currently in progress",
			},
			[]string{"side"},
		),
		conns: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "open",
				Help:      "Open connections",
			},
			[]string{"side", "protocol"},
		),
	}
}

func side(client bool) string {
	if client {
		return "client"
	}
	return "server"
}

func (h *Handler) TagExchange(ctx context.Context, info *stats.ExchangeTagInfo) context.Context {
	return context.WithValue(ctx, exchangeKey{}, &exchangeState{
		method:   info.Method,
		protocol: info.Protocol.String(),
	})
}

func (h *Handler) HandleExchange(ctx context.Context, s stats.ExchangeStats) {
	st, _ := ctx.Value(exchangeKey{}).(*exchangeState)
	if st == nil {
		return
	}
	sd := side(s.IsClient())
	switch s := s.(type) {
	case *stats.Begin:
		h.inflight.WithLabelValues(sd).Inc()
	case *stats.InPayload:
		st.in.Add(s.Length)
		h.inBytes.WithLabelValues(sd).Add(float64(s.Length))
	case *stats.OutPayload:
		st.out.Add(s.Length)
		h.outBytes.WithLabelValues(sd).Add(float64(s.Length))
	case *stats.End:
		h.inflight.WithLabelValues(sd).Dec()
		result := "ok"
		if s.Error != nil {
			result = "error"
		}
		h.exchanges.WithLabelValues(sd, st.method, strconv.Itoa(s.Status), result).Inc()
		h.duration.WithLabelValues(sd, st.method, st.protocol).Observe(s.EndTime.Sub(s.BeginTime).Seconds())
	}
}

func (h *Handler) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	return context.WithValue(ctx, connKey{}, info.Protocol.String())
}

func (h *Handler) HandleConn(ctx context.Context, s stats.ConnStats) {
	proto, _ := ctx.Value(connKey{}).(string)
	switch s.(type) {
	case *stats.ConnBegin:
		h.conns.WithLabelValues(side(s.IsClient()), proto).Inc()
	case *stats.ConnEnd:
		h.conns.WithLabelValues(side(s.IsClient()), proto).Dec()
	}
}
