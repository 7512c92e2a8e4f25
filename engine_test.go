package zhttp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crazyfrankie/zhttp/discovery"
	"github.com/crazyfrankie/zhttp/discovery/memory"
	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/future"
	"github.com/crazyfrankie/zhttp/internal/testcert"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/protocol"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func certPair(t *testing.T) *testcert.Pair {
	t.Helper()
	pair, err := testcert.New()
	require.NoError(t, err)
	return pair
}

// startServer starts a server with an echo handler on /echo and returns
// its base URL.
func startServer(t *testing.T, setup func(*Server), opts ...ServerOption) (*Server, string) {
	t.Helper()
	srv := NewServer(opts...)
	srv.Register("/echo", NewEchoHandler)
	if setup != nil {
		setup(srv)
	}
	srv.Start()
	t.Cleanup(func() { srv.Close(CloseImmediate) })

	ctx := testContext(t)
	le, err := srv.Listen(ctx, "127.0.0.1:0", nil).Get(ctx)
	require.NoError(t, err)
	return srv, le.String()
}

func startRequester(t *testing.T, opts ...RequesterOption) *Requester {
	t.Helper()
	r := NewRequester(opts...)
	r.Start()
	t.Cleanup(func() { r.Close(CloseImmediate) })
	return r
}

func connect(t *testing.T, r *Requester, base string) *ClientEndpoint {
	t.Helper()
	ctx := testContext(t)
	ep, err := r.Connect(ctx, base, nil).Get(ctx)
	require.NoError(t, err)
	t.Cleanup(ep.ReleaseAndDiscard)
	return ep
}

func post(t *testing.T, url string, body []byte) RequestProducer {
	t.Helper()
	rp, err := NewRequest("POST", url, entity.NewBytesProducer(body, "application/octet-stream"))
	require.NoError(t, err)
	return rp
}

func get(t *testing.T, url string) RequestProducer {
	t.Helper()
	rp, err := NewRequest("GET", url, nil)
	require.NoError(t, err)
	return rp
}

func payload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i%251)
	}
	return p
}

// hangHandler never answers. It signals when the request arrived and when
// it was released.
type hangHandler struct {
	entity.DiscardingConsumer
	started  chan struct{}
	released chan struct{}
	once     sync.Once
}

func hangFactory() (HandlerFactory, chan struct{}, chan struct{}) {
	started, released := make(chan struct{}, 16), make(chan struct{}, 16)
	f := func(*message.Request) ServerExchangeHandler {
		return &hangHandler{started: started, released: released}
	}
	return f, started, released
}

func (h *hangHandler) HandleRequest(context.Context, *message.Request, entity.Details, ResponseChannel) error {
	h.started <- struct{}{}
	return nil
}

func (h *hangHandler) Release() {
	h.once.Do(func() { h.released <- struct{}{} })
}

// gateHandler answers once the gate opens.
type gateHandler struct {
	entity.DiscardingConsumer
	started chan struct{}
	gate    chan struct{}
}

func (h *gateHandler) HandleRequest(_ context.Context, _ *message.Request, _ entity.Details, rc ResponseChannel) error {
	h.started <- struct{}{}
	go func() {
		<-h.gate
		rc.SendResponse(message.NewResponse(200), entity.NewStringProducer("done"))
	}()
	return nil
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestEchoAcrossProtocols(t *testing.T) {
	cases := []struct {
		name      string
		secure    bool
		srvPolicy protocol.VersionPolicy
		cliPolicy protocol.VersionPolicy
		want      message.Version
	}{
		{name: "plain http1", srvPolicy: protocol.Negotiate, cliPolicy: protocol.Negotiate, want: message.HTTP11},
		{name: "tls negotiated h2", secure: true, srvPolicy: protocol.Negotiate, cliPolicy: protocol.Negotiate, want: message.HTTP20},
		{name: "tls forced http1", secure: true, srvPolicy: protocol.Negotiate, cliPolicy: protocol.ForceHTTP1, want: message.HTTP11},
		{name: "tls forced h2", secure: true, srvPolicy: protocol.ForceHTTP2, cliPolicy: protocol.ForceHTTP2, want: message.HTTP20},
		{name: "plain prior knowledge h2", srvPolicy: protocol.ForceHTTP2, cliPolicy: protocol.ForceHTTP2, want: message.HTTP20},
		{name: "plain h2 on negotiating server", srvPolicy: protocol.Negotiate, cliPolicy: protocol.ForceHTTP2, want: message.HTTP20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sopts := []ServerOption{WithVersionPolicy(tc.srvPolicy)}
			copts := []RequesterOption{DialWithVersionPolicy(tc.cliPolicy)}
			if tc.secure {
				pair := certPair(t)
				sopts = append(sopts, WithTLSConfig(pair.ServerConfig()))
				copts = append(copts, DialWithTLSConfig(pair.ClientConfig()))
			}
			_, base := startServer(t, nil, sopts...)
			r := startRequester(t, copts...)
			ep := connect(t, r, base)
			assert.Equal(t, tc.want, ep.Protocol())

			body := payload(200<<10, 7)
			ctx := testContext(t)
			res, err := Execute[[]byte](ctx, ep, post(t, base+"/echo", body), entity.NewBytesConsumer(0), nil).Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, 200, res.Head.Status)
			assert.True(t, bytes.Equal(body, res.Body), "echoed body differs")

			// the endpoint carries on after a completed exchange
			res, err = Execute[[]byte](ctx, ep, post(t, base+"/echo", []byte("again")), entity.NewBytesConsumer(0), nil).Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, "again", string(res.Body))
		})
	}
}

func TestPolicyMismatchFailsNegotiation(t *testing.T) {
	pair := certPair(t)
	_, base := startServer(t, nil, WithTLSConfig(pair.ServerConfig()), WithVersionPolicy(protocol.ForceHTTP1))
	r := startRequester(t, DialWithTLSConfig(pair.ClientConfig()), DialWithVersionPolicy(protocol.ForceHTTP2))

	ctx := testContext(t)
	_, err := r.Connect(ctx, base, nil).Get(ctx)
	require.Error(t, err)
}

func TestEchoChunkedAndEmptyBodies(t *testing.T) {
	for _, policy := range []protocol.VersionPolicy{protocol.ForceHTTP1, protocol.ForceHTTP2} {
		t.Run(policy.String(), func(t *testing.T) {
			_, base := startServer(t, nil)
			r := startRequester(t, DialWithVersionPolicy(policy))
			ep := connect(t, r, base)
			ctx := testContext(t)

			body := payload(50<<10, 3)
			rp, err := NewRequest("PUT", base+"/echo", entity.NewBytesProducer(body, "").Chunked())
			require.NoError(t, err)
			res, err := Execute[[]byte](ctx, ep, rp, entity.NewBytesConsumer(0), nil).Get(ctx)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(body, res.Body))

			res, err = Execute[[]byte](ctx, ep, post(t, base+"/echo", []byte{}), entity.NewBytesConsumer(0), nil).Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, 200, res.Head.Status)
			assert.Empty(t, res.Body)

			res, err = Execute[[]byte](ctx, ep, get(t, base+"/echo"), entity.NewBytesConsumer(0), nil).Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, 200, res.Head.Status)
			assert.Empty(t, res.Body)
		})
	}
}

func TestStreamingRequestBody(t *testing.T) {
	_, base := startServer(t, nil)
	r := startRequester(t)
	ctx := testContext(t)

	src := make(chan []byte)
	go func() {
		for i := 0; i < 8; i++ {
			src <- []byte(fmt.Sprintf("part-%d;", i))
		}
		close(src)
	}()
	rp, err := NewRequest("POST", base+"/echo", entity.NewChanProducer(src, "text/plain"))
	require.NoError(t, err)
	res, err := Do[string](ctx, r, rp, entity.NewStringConsumer(0), nil).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "part-0;part-1;part-2;part-3;part-4;part-5;part-6;part-7;", res.Body)
}

func TestJSONExchange(t *testing.T) {
	type greeting struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	_, base := startServer(t, func(s *Server) {
		s.Register("/greet", NewBasicHandler(
			func() entity.EntityConsumer[greeting] { return entity.NewJSONConsumer[greeting](0) },
			func(_ context.Context, m message.Message[*message.Request, greeting]) (*message.Response, entity.Producer, error) {
				out, err := entity.NewJSONProducer(greeting{Name: "hello " + m.Body.Name, Count: m.Body.Count + 1})
				return message.NewResponse(200), out, err
			}))
	})
	r := startRequester(t)
	ctx := testContext(t)

	in, err := entity.NewJSONProducer(greeting{Name: "zhttp", Count: 1})
	require.NoError(t, err)
	rp, err := NewRequest("POST", base+"/greet", in)
	require.NoError(t, err)
	res, err := Do[greeting](ctx, r, rp, entity.NewJSONConsumer[greeting](0), nil).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, greeting{Name: "hello zhttp", Count: 2}, res.Body)
}

func TestStatusResponses(t *testing.T) {
	srv, base := startServer(t, func(s *Server) {
		s.Register("/panic", NewBasicHandler(
			func() entity.EntityConsumer[[]byte] { return entity.NewBytesConsumer(0) },
			func(context.Context, message.Message[*message.Request, []byte]) (*message.Response, entity.Producer, error) {
				panic("boom")
			}))
		s.Register("/fail", NewBasicHandler(
			func() entity.EntityConsumer[[]byte] { return entity.NewBytesConsumer(0) },
			func(context.Context, message.Message[*message.Request, []byte]) (*message.Response, entity.Producer, error) {
				return nil, nil, errors.New("handler failed")
			}))
	}, WithAuthFunc(func(_ context.Context, req *message.Request) error {
		if req.Header.Get("Authorization") == "" {
			return errors.New("missing credentials")
		}
		return nil
	}))

	for _, policy := range []protocol.VersionPolicy{protocol.ForceHTTP1, protocol.ForceHTTP2} {
		t.Run(policy.String(), func(t *testing.T) {
			srv.ClearExceptionLog()
			r := startRequester(t, DialWithVersionPolicy(policy))
			ctx := testContext(t)

			call := func(path string, auth bool) message.Message[*message.Response, string] {
				rp := get(t, base+path)
				if auth {
					rp.Head().Header.Set("Authorization", "Bearer t")
				}
				res, err := Do[string](ctx, r, rp, entity.NewStringConsumer(0), nil).Get(ctx)
				require.NoError(t, err)
				return res
			}

			assert.Equal(t, 401, call("/echo", false).Head.Status)
			assert.Equal(t, 200, call("/echo", true).Head.Status)

			res := call("/missing", true)
			assert.Equal(t, 404, res.Head.Status)
			assert.Equal(t, "Not Found", res.Body)

			assert.Equal(t, 500, call("/panic", true).Head.Status)
			assert.Equal(t, 500, call("/fail", true).Head.Status)
			assert.Len(t, srv.ExceptionLog(), 2)

			// the connection survives handler failures
			assert.Equal(t, 200, call("/echo", true).Head.Status)
		})
	}
}

func TestMiddlewareWrapsHandlers(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	logPath := func(next HandlerFactory) HandlerFactory {
		return func(req *message.Request) ServerExchangeHandler {
			mu.Lock()
			seen = append(seen, req.Path)
			mu.Unlock()
			return next(req)
		}
	}
	_, base := startServer(t, nil, WithMiddleware(logPath))
	r := startRequester(t)
	ctx := testContext(t)

	_, err := Do[[]byte](ctx, r, get(t, base+"/echo"), entity.NewBytesConsumer(0), nil).Get(ctx)
	require.NoError(t, err)
	_, err = Do[[]byte](ctx, r, get(t, base+"/nowhere"), entity.NewBytesConsumer(0), nil).Get(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/echo", "/nowhere"}, seen)
}

func TestHTTP1Pipelining(t *testing.T) {
	_, base := startServer(t, nil)
	r := startRequester(t, DialWithVersionPolicy(protocol.ForceHTTP1), WithPipelining(true))
	ep := connect(t, r, base)
	ctx := testContext(t)

	const n = 6
	futs := make([]*future.Future[message.Message[*message.Response, []byte]], n)
	for i := range futs {
		body := payload(4096+i, byte(i))
		futs[i] = Execute[[]byte](ctx, ep, post(t, base+"/echo", body), entity.NewBytesConsumer(0), nil)
	}
	for i, f := range futs {
		res, err := f.Get(ctx)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payload(4096+i, byte(i)), res.Body), "response %d out of order", i)
	}
	assert.True(t, ep.IsConnected())
}

func TestHTTP2Multiplexing(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 16)
	_, base := startServer(t, func(s *Server) {
		s.Register("/gate", func(*message.Request) ServerExchangeHandler {
			return &gateHandler{started: started, gate: gate}
		})
	}, WithWorkerPool(4))
	r := startRequester(t, DialWithVersionPolicy(protocol.ForceHTTP2))
	ep := connect(t, r, base)
	require.Greater(t, ep.MaxConcurrent(), 1)
	ctx := testContext(t)

	// every stream is open at once before any of them is answered
	const n = 8
	futs := make([]*future.Future[message.Message[*message.Response, string]], n)
	for i := range futs {
		futs[i] = Execute[string](ctx, ep, get(t, base+"/gate"), entity.NewStringConsumer(0), nil)
	}
	for i := 0; i < n; i++ {
		waitFor(t, started, "stream to reach the handler")
	}
	close(gate)
	for _, f := range futs {
		res, err := f.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "done", res.Body)
	}
}

func TestHTTP2StreamsBeyondCeilingQueue(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 16)
	_, base := startServer(t, func(s *Server) {
		s.Register("/gate", func(*message.Request) ServerExchangeHandler {
			return &gateHandler{started: started, gate: gate}
		})
	}, WithMaxConcurrentStreams(1))
	r := startRequester(t, DialWithVersionPolicy(protocol.ForceHTTP2))
	ep := connect(t, r, base)
	require.Equal(t, 1, ep.MaxConcurrent())
	ctx := testContext(t)

	const n = 3
	futs := make([]*future.Future[message.Message[*message.Response, string]], n)
	for i := range futs {
		futs[i] = Execute[string](ctx, ep, get(t, base+"/gate"), entity.NewStringConsumer(0), nil)
	}
	waitFor(t, started, "first stream to reach the handler")
	select {
	case <-started:
		t.Fatal("a second stream opened beyond the peer's limit")
	case <-time.After(200 * time.Millisecond):
	}
	for _, f := range futs {
		assert.False(t, f.IsDone(), "queued exchange resolved early")
	}

	close(gate)
	for _, f := range futs {
		res, err := f.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "done", res.Body)
	}
}

func TestExchangeTimeoutHTTP1PoisonsConnection(t *testing.T) {
	hang, started, released := hangFactory()
	_, base := startServer(t, func(s *Server) { s.Register("/hang", hang) })
	r := startRequester(t, DialWithVersionPolicy(protocol.ForceHTTP1))
	ep := connect(t, r, base)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Execute[[]byte](ctx, ep, get(t, base+"/hang"), entity.NewBytesConsumer(0), nil).Get(context.Background())
	var te *TimeoutError
	require.ErrorAs(t, err, &te)

	waitFor(t, started, "request to arrive")
	assert.Eventually(t, func() bool { return !ep.IsConnected() }, 5*time.Second, 10*time.Millisecond)
	waitFor(t, released, "server handler release")
}

func TestExchangeTimeoutHTTP2ResetsStream(t *testing.T) {
	hang, started, released := hangFactory()
	_, base := startServer(t, func(s *Server) { s.Register("/hang", hang) })
	r := startRequester(t, DialWithVersionPolicy(protocol.ForceHTTP2))
	ep := connect(t, r, base)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Execute[[]byte](ctx, ep, get(t, base+"/hang"), entity.NewBytesConsumer(0), nil).Get(context.Background())
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	waitFor(t, started, "request to arrive")
	waitFor(t, released, "server handler release")

	assert.True(t, ep.IsConnected())
	octx := testContext(t)
	res, err := Execute[[]byte](octx, ep, post(t, base+"/echo", []byte("still here")), entity.NewBytesConsumer(0), nil).Get(octx)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(res.Body))
}

func TestCancelReleasesServerHandler(t *testing.T) {
	for _, policy := range []protocol.VersionPolicy{protocol.ForceHTTP1, protocol.ForceHTTP2} {
		t.Run(policy.String(), func(t *testing.T) {
			hang, started, released := hangFactory()
			_, base := startServer(t, func(s *Server) { s.Register("/hang", hang) })
			r := startRequester(t, DialWithVersionPolicy(policy))
			ep := connect(t, r, base)

			consumer := &releaseRecorder{BytesConsumer: entity.NewBytesConsumer(0)}
			fut := Execute[[]byte](context.Background(), ep, get(t, base+"/hang"), consumer, nil)
			waitFor(t, started, "request to arrive")

			assert.True(t, fut.Cancel())
			assert.True(t, fut.IsCancelled())
			_, err := fut.Get(context.Background())
			assert.ErrorIs(t, err, future.ErrCancelled)
			waitFor(t, released, "server handler release")
			assert.Eventually(t, func() bool { return consumer.released.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
		})
	}
}

type releaseRecorder struct {
	*entity.BytesConsumer
	released atomic.Int32
}

func (c *releaseRecorder) Release() {
	c.released.Add(1)
	c.BytesConsumer.Release()
}

func TestEndpointReleaseIsIdempotent(t *testing.T) {
	_, base := startServer(t, nil)
	r := startRequester(t, WithMaxPerRoute(1))
	ctx := testContext(t)

	ep, err := r.Connect(ctx, base, nil).Get(ctx)
	require.NoError(t, err)
	ep.ReleaseAndReuse()
	ep.ReleaseAndReuse()
	ep.ReleaseAndDiscard()
	assert.False(t, ep.IsConnected())

	_, err = Execute[[]byte](ctx, ep, get(t, base+"/echo"), entity.NewBytesConsumer(0), nil).Get(ctx)
	assert.ErrorIs(t, err, ErrEndpointReleased)

	// the single slot of the route is free again and the connection reused
	again, err := r.Connect(ctx, base, nil).Get(ctx)
	require.NoError(t, err)
	defer again.ReleaseAndReuse()
	assert.True(t, again.IsConnected())
	assert.Same(t, ep.cc, again.cc)
}

func TestConnectWaitsForRouteSlot(t *testing.T) {
	_, base := startServer(t, nil)
	r := startRequester(t, WithMaxPerRoute(1))
	first := connect(t, r, base)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Connect(ctx, base, nil).Get(context.Background())
	var te *TimeoutError
	require.ErrorAs(t, err, &te)

	fut := r.Connect(context.Background(), base, nil)
	assert.False(t, fut.IsDone())
	first.ReleaseAndReuse()
	ep, err := fut.Get(testContext(t))
	require.NoError(t, err)
	ep.ReleaseAndReuse()
}

// fakeServer accepts raw connections. The first n drop the connection after
// reading a request; later ones answer "ok".
type fakeServer struct {
	lis     net.Listener
	drop    int
	mu      sync.Mutex
	bodies  [][]byte
	accepts atomic.Int32
}

func newFakeServer(t *testing.T, drop int) *fakeServer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{lis: lis, drop: drop}
	t.Cleanup(func() { lis.Close() })
	go fs.serve()
	return fs
}

func (fs *fakeServer) url() string { return "http://" + fs.lis.Addr().String() }

func (fs *fakeServer) serve() {
	for {
		conn, err := fs.lis.Accept()
		if err != nil {
			return
		}
		n := int(fs.accepts.Add(1))
		go fs.handle(conn, n <= fs.drop)
	}
}

func (fs *fakeServer) handle(conn net.Conn, drop bool) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	req, err := protocol.ReadRequestHead(br)
	if err != nil {
		return
	}
	framing, err := protocol.RequestFraming(req.Header)
	if err != nil {
		return
	}
	body, err := io.ReadAll(protocol.NewBodyReader(br, framing))
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.bodies = append(fs.bodies, body)
	fs.mu.Unlock()
	if drop {
		return
	}
	io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
}

func (fs *fakeServer) received() [][]byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([][]byte(nil), fs.bodies...)
}

func TestDoRetriesRepeatableRequest(t *testing.T) {
	fs := newFakeServer(t, 2)
	r := startRequester(t, WithMaxRetries(2), WithRetryBackoff(time.Millisecond))
	ctx := testContext(t)

	body := payload(10<<10, 9)
	res, err := Do[string](ctx, r, post(t, fs.url()+"/upload", body), entity.NewStringConsumer(0), nil).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Body)

	got := fs.received()
	require.Len(t, got, 3)
	for _, b := range got {
		assert.True(t, bytes.Equal(body, b), "retried request body differs")
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	fs := newFakeServer(t, 10)
	r := startRequester(t, WithMaxRetries(1), WithRetryBackoff(time.Millisecond))
	ctx := testContext(t)

	_, err := Do[string](ctx, r, post(t, fs.url()+"/upload", []byte("x")), entity.NewStringConsumer(0), nil).Get(ctx)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int32(2), fs.accepts.Load())
}

func TestDoDoesNotRetryStreamingRequest(t *testing.T) {
	fs := newFakeServer(t, 10)
	r := startRequester(t, WithMaxRetries(3))
	ctx := testContext(t)

	src := make(chan []byte, 1)
	src <- []byte("once")
	close(src)
	rp, err := NewRequest("POST", fs.url()+"/upload", entity.NewChanProducer(src, ""))
	require.NoError(t, err)
	_, err = Do[string](ctx, r, rp, entity.NewStringConsumer(0), nil).Get(ctx)
	require.Error(t, err)
	assert.Equal(t, int32(1), fs.accepts.Load())
}

func TestServerGracefulClose(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	srv, base := startServer(t, func(s *Server) {
		s.Register("/gate", func(*message.Request) ServerExchangeHandler {
			return &gateHandler{started: started, gate: gate}
		})
	}, WithGracePeriod(5*time.Second))
	r := startRequester(t)
	ctx := testContext(t)

	fut := Do[string](ctx, r, get(t, base+"/gate"), entity.NewStringConsumer(0), nil)
	waitFor(t, started, "request to arrive")

	closed := make(chan struct{})
	go func() {
		srv.Close(CloseGraceful)
		close(closed)
	}()
	assert.Eventually(t, func() bool { return len(srv.Endpoints()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusStopping, srv.Status())

	close(gate)
	res, err := fut.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Body)

	waitFor(t, closed, "graceful close")
	require.NoError(t, srv.AwaitTermination(ctx))
	assert.Equal(t, StatusStopped, srv.Status())

	_, err = srv.Listen(ctx, "127.0.0.1:0", nil).Get(ctx)
	assert.ErrorIs(t, err, ErrEngineShutdown)
	srv.Close(CloseImmediate)
}

func TestServerImmediateCloseFailsExchanges(t *testing.T) {
	hang, started, released := hangFactory()
	srv, base := startServer(t, func(s *Server) { s.Register("/hang", hang) })
	r := startRequester(t, WithMaxRetries(0))
	ctx := testContext(t)

	fut := Do[[]byte](ctx, r, get(t, base+"/hang"), entity.NewBytesConsumer(0), nil)
	waitFor(t, started, "request to arrive")
	srv.Close(CloseImmediate)

	_, err := fut.Get(ctx)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
	waitFor(t, released, "server handler release")
}

func TestLifecycle(t *testing.T) {
	ctx := testContext(t)

	srv := NewServer()
	_, err := srv.Listen(ctx, "127.0.0.1:0", nil).Get(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, "created", srv.Status().String())

	r := NewRequester()
	_, err = r.Connect(ctx, "http://127.0.0.1:1", nil).Get(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)

	r.Start()
	r.Start()
	assert.Equal(t, StatusStarted, r.Status())
	r.Close(CloseGraceful)
	r.Close(CloseImmediate)
	require.NoError(t, r.AwaitTermination(ctx))
	assert.Equal(t, StatusStopped, r.Status())

	_, err = r.Connect(ctx, "http://127.0.0.1:1", nil).Get(ctx)
	assert.ErrorIs(t, err, ErrEngineShutdown)

	consumer := &releaseRecorder{BytesConsumer: entity.NewBytesConsumer(0)}
	_, err = Do[[]byte](ctx, r, get(t, "http://127.0.0.1:1/"), consumer, nil).Get(ctx)
	assert.ErrorIs(t, err, ErrEngineShutdown)
	assert.Equal(t, int32(1), consumer.released.Load())

	srv.Close(CloseImmediate)
	require.NoError(t, srv.AwaitTermination(ctx))
}

func TestRequesterGracefulCloseWaitsForLease(t *testing.T) {
	_, base := startServer(t, nil)
	r := NewRequester(WithCloseTimeout(5 * time.Second))
	r.Start()
	ctx := testContext(t)

	ep, err := r.Connect(ctx, base, nil).Get(ctx)
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		r.Close(CloseGraceful)
		close(closed)
	}()
	assert.Eventually(t, func() bool { return r.Status() == StatusStopping }, time.Second, 5*time.Millisecond)

	// a leased endpoint keeps working during the grace period
	res, err := Execute[[]byte](ctx, ep, post(t, base+"/echo", []byte("late")), entity.NewBytesConsumer(0), nil).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", string(res.Body))

	ep.ReleaseAndReuse()
	waitFor(t, closed, "requester close")
	assert.Equal(t, StatusStopped, r.Status())
}

func TestTLSConfigMismatchRecordsException(t *testing.T) {
	pair := certPair(t)
	srv, base := startServer(t, nil, WithTLSConfig(pair.ServerConfig()))
	// a client that does not trust the certificate
	r := startRequester(t, DialWithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}), WithMaxRetries(0))
	ctx := testContext(t)

	_, err := r.Connect(ctx, base, nil).Get(ctx)
	require.Error(t, err)
	assert.Eventually(t, func() bool { return len(srv.ExceptionLog()) > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDiscoveryResolvesTargetHost(t *testing.T) {
	srv, base := startServer(t, nil)
	addr := srv.Endpoints()[0].Address().String()
	d := memory.NewMultiServerDiscovery([]string{addr})
	r := startRequester(t, WithDiscovery(d, discovery.RoundRobinSelect))
	ctx := testContext(t)

	// the host never resolves through DNS
	res, err := Do[string](ctx, r, post(t, "http://echo.service.invalid/echo", []byte("via discovery")), entity.NewStringConsumer(0), nil).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "via discovery", res.Body)
	assert.NotEmpty(t, base)
}
