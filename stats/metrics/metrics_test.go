package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/stats"
)

func TestExchangeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New("zhttp", reg)

	ctx := h.TagExchange(context.Background(), &stats.ExchangeTagInfo{Method: "POST", Protocol: message.HTTP20})
	begin := time.Now()
	h.HandleExchange(ctx, &stats.Begin{Client: true, BeginTime: begin})
	assert.Equal(t, 1.0, testutil.ToFloat64(h.inflight.WithLabelValues("client")))

	h.HandleExchange(ctx, &stats.OutPayload{Client: true, Length: 10})
	h.HandleExchange(ctx, &stats.InPayload{Client: true, Length: 7})
	h.HandleExchange(ctx, &stats.End{Client: true, BeginTime: begin, EndTime: begin.Add(time.Millisecond), Status: 200})

	assert.Equal(t, 0.0, testutil.ToFloat64(h.inflight.WithLabelValues("client")))
	assert.Equal(t, 10.0, testutil.ToFloat64(h.outBytes.WithLabelValues("client")))
	assert.Equal(t, 7.0, testutil.ToFloat64(h.inBytes.WithLabelValues("client")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.exchanges.WithLabelValues("client", "POST", "200", "ok")))

	sctx := h.TagExchange(context.Background(), &stats.ExchangeTagInfo{Method: "GET", Protocol: message.HTTP11})
	h.HandleExchange(sctx, &stats.Begin{})
	h.HandleExchange(sctx, &stats.End{Error: errors.New("reset")})
	assert.Equal(t, 1.0, testutil.ToFloat64(h.exchanges.WithLabelValues("server", "GET", "0", "error")))
}

func TestConnMetrics(t *testing.T) {
	h := New("zhttp", prometheus.NewRegistry())
	ctx := h.TagConn(context.Background(), &stats.ConnTagInfo{Protocol: message.HTTP11})
	h.HandleConn(ctx, &stats.ConnBegin{Client: true})
	h.HandleConn(ctx, &stats.ConnBegin{Client: true})
	h.HandleConn(ctx, &stats.ConnEnd{Client: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(h.conns.WithLabelValues("client", "HTTP/1.1")))
}
