package zhttp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crazyfrankie/zhttp/future"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/peer"
	"github.com/crazyfrankie/zhttp/protocol"
	"github.com/crazyfrankie/zhttp/stats"
	"github.com/crazyfrankie/zhttp/transport"
)

// serverConn is a connection driver on the server side.
type serverConn interface {
	serve()
	// shutdown finishes what is in flight and closes.
	shutdown()
	close(cause error)
}

var (
	_ serverConn = (*http1ServerConn)(nil)
	_ serverConn = (*http2ServerConn)(nil)
)

type connState struct {
	sh   stats.Handler
	sctx context.Context
	peer *peer.Peer
}

// Server is the server engine. It accepts connections on any number of
// listeners and dispatches each inbound exchange to the handler registered
// for its path.
type Server struct {
	lifecycle
	opt      *serverOption
	registry *handlerRegistry
	sh       stats.Handler
	pool     *workPool

	mu        sync.Mutex
	listeners map[*ListenerEndpoint]struct{}
	conns     map[serverConn]*connState
	changed   chan struct{}
	serveWG   sync.WaitGroup // counts accept loops
}

// NewServer returns a new server.
func NewServer(opts ...ServerOption) *Server {
	opt := defaultServerOption()
	for _, o := range opts {
		o(opt)
	}

	s := &Server{
		lifecycle: newLifecycle("server"),
		opt:       opt,
		registry:  newHandlerRegistry(),
		listeners: make(map[*ListenerEndpoint]struct{}),
		conns:     make(map[serverConn]*connState),
		changed:   make(chan struct{}),
	}
	if len(opt.statsHandlers) == 1 {
		s.sh = opt.statsHandlers[0]
	} else if len(opt.statsHandlers) > 1 {
		s.sh = stats.Handlers(opt.statsHandlers)
	}
	if opt.enableWorkerPool {
		s.pool = newWorkPool(opt.minWorkerPoolSize, opt.maxWorkerPoolSize, opt.taskQueueSize, opt.adjustInterval)
	}
	return s
}

// Register binds a handler factory to a path pattern: an exact path, "*",
// "prefix*" or "*suffix".
func (s *Server) Register(pattern string, f HandlerFactory) {
	s.registry.register(pattern, f)
}

// Start makes the server accept work. Calling it again does nothing.
func (s *Server) Start() {
	if s.start() {
		zap.L().Info("zhttp: server started",
			zap.String("policy", s.opt.policy.String()),
			zap.Bool("worker_pool", s.pool != nil))
	}
}

// ListenerEndpoint is one bound listener of a server.
type ListenerEndpoint struct {
	lis    net.Listener
	srv    *Server
	secure bool
	closed atomic.Bool
}

func (le *ListenerEndpoint) Address() net.Addr { return le.lis.Addr() }
func (le *ListenerEndpoint) Secure() bool      { return le.secure }

func (le *ListenerEndpoint) String() string {
	scheme := "http"
	if le.secure {
		scheme = "https"
	}
	return scheme + "://" + le.lis.Addr().String()
}

// Close stops accepting on this listener. Connections already accepted
// carry on.
func (le *ListenerEndpoint) Close() error {
	if !le.closed.CompareAndSwap(false, true) {
		return nil
	}
	le.srv.mu.Lock()
	delete(le.srv.listeners, le)
	le.srv.mu.Unlock()
	return le.lis.Close()
}

// Listen binds addr and starts accepting on it.
func (s *Server) Listen(ctx context.Context, addr string, cb future.Callback[*ListenerEndpoint]) *future.Future[*ListenerEndpoint] {
	fut := future.New(cb)
	if !s.running() {
		if s.Status() == StatusCreated {
			fut.Fail(ErrNotStarted)
		} else {
			fut.Fail(&TransportError{Op: "listen", Cause: ErrEngineShutdown})
		}
		return fut
	}
	lis, err := transport.Listen(ctx, addr, transport.WithKeepAlive(s.opt.keepAlive))
	if err != nil {
		fut.Fail(&TransportError{Op: "listen", Cause: err})
		return fut
	}
	le := &ListenerEndpoint{lis: lis, srv: s, secure: s.opt.tlsConfig != nil || s.opt.strategy != nil}

	s.mu.Lock()
	if !s.running() {
		s.mu.Unlock()
		lis.Close()
		fut.Fail(&TransportError{Op: "listen", Cause: ErrEngineShutdown})
		return fut
	}
	s.listeners[le] = struct{}{}
	s.serveWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.serveWG.Done()
		s.serveListener(le)
	}()
	zap.L().Info("zhttp: listening", zap.String("addr", le.String()))
	fut.Complete(le)
	return fut
}

// Endpoints returns the open listeners.
func (s *Server) Endpoints() []*ListenerEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ListenerEndpoint, 0, len(s.listeners))
	for le := range s.listeners {
		out = append(out, le)
	}
	return out
}

// serveListener accepts incoming connections on le, creating a new service
// goroutine for each.
func (s *Server) serveListener(le *ListenerEndpoint) {
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := le.lis.Accept()
		if err != nil {
			if le.closed.Load() || !s.running() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && (ne.Timeout() || isRecoverableError(err)) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				zap.L().Warn("zhttp: accept error", zap.Error(err), zap.Duration("retry_in", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			s.record(&TransportError{Op: "accept", Cause: err})
			le.Close()
			return
		}
		tempDelay = 0
		go s.serveConn(conn, le.secure)
	}
}

// serveConn secures and negotiates conn, then serves it until it closes.
func (s *Server) serveConn(conn net.Conn, secure bool) {
	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			zap.L().Error(fmt.Sprintf("serving %s panic error: %s, stack:\n %s", conn.RemoteAddr(), err, buf))
			conn.Close()
		}
	}()
	if !s.running() {
		conn.Close()
		return
	}

	var v message.Version
	if secure {
		ctx, cancel := context.WithCancel(context.Background())
		tc, err := transport.HandshakeServer(ctx, conn, s.tlsStrategy(), s.opt.policy.ALPN(),
			transport.WithHandshakeTimeout(s.opt.handshakeTimeout))
		cancel()
		if err != nil {
			zap.L().Debug("zhttp: TLS handshake error", zap.String("addr", conn.RemoteAddr().String()), zap.Error(err))
			s.record(&TransportError{Op: "handshake", Cause: err})
			conn.Close()
			return
		}
		v, err = protocol.NegotiateSecure(s.opt.policy, tc.ConnectionState().NegotiatedProtocol)
		if err != nil {
			s.record(&NegotiationError{Policy: s.opt.policy, Cause: err})
			tc.Close()
			return
		}
		conn = tc
	}

	tconn := &timeoutConn{Conn: conn, read: s.opt.readTimeout, write: s.opt.writeTimeout}
	br := bufio.NewReaderSize(tconn, ReaderBufferSize)
	if !secure {
		var err error
		v, err = protocol.NegotiateServerPlain(s.opt.policy, br)
		if err != nil {
			if errors.Is(err, protocol.ErrNegotiation) {
				s.record(&NegotiationError{Policy: s.opt.policy, Cause: err})
			}
			conn.Close()
			return
		}
	}

	p := peer.New(conn, v)
	ctx := peer.NewContext(context.Background(), p)
	ctx = peer.SetConnection(ctx, conn)
	cs := &connState{peer: p}
	if s.sh != nil {
		cs.sh = s.sh
		cs.sctx = s.sh.TagConn(ctx, &stats.ConnTagInfo{
			RemoteAddr: conn.RemoteAddr(),
			LocalAddr:  conn.LocalAddr(),
			Protocol:   v,
		})
		s.sh.HandleConn(cs.sctx, &stats.ConnBegin{})
		ctx = cs.sctx
	}

	var sc serverConn
	if v == message.HTTP20 {
		// Streams outlive quiet periods on the socket; HTTP/2 reads carry
		// no deadline.
		tconn.read = 0
		sc = newHTTP2ServerConn(ctx, s, tconn, br)
	} else {
		sc = newHTTP1ServerConn(ctx, s, tconn, br, secure)
	}

	s.mu.Lock()
	if !s.running() {
		s.mu.Unlock()
		sc.close(&TransportError{Op: "accept", Cause: ErrEngineShutdown})
		return
	}
	s.conns[sc] = cs
	s.mu.Unlock()

	zap.L().Debug("zhttp: connection accepted",
		zap.String("addr", conn.RemoteAddr().String()),
		zap.String("protocol", v.String()))
	sc.serve()
}

func (s *Server) tlsStrategy() transport.TLSStrategy {
	if s.opt.strategy != nil {
		return s.opt.strategy
	}
	return transport.ServerTLS{Config: s.opt.tlsConfig}
}

// connClosed is called once by every driver when it closes.
func (s *Server) connClosed(sc serverConn, cause error) {
	s.mu.Lock()
	cs, ok := s.conns[sc]
	delete(s.conns, sc)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	var te *TimeoutError
	quiet := cause == nil || errors.Is(cause, ErrConnectionClosed) || errors.Is(cause, ErrEngineShutdown) || errors.As(cause, &te)
	if !quiet {
		s.record(cause)
	}
	if ok && cs.sh != nil {
		var err error
		if !quiet {
			err = cause
		}
		cs.sh.HandleConn(cs.sctx, &stats.ConnEnd{Error: err})
	}
}

// resolve picks the handler for req: 401 when the auth function rejects
// it, the registered factory wrapped in the middlewares, or 404.
func (s *Server) resolve(ctx context.Context, req *message.Request) ServerExchangeHandler {
	if s.opt.AuthFunc != nil {
		if err := s.opt.AuthFunc(ctx, req); err != nil {
			zap.L().Info("zhttp: request rejected", zap.String("request", req.String()), zap.Error(err))
			return newStatusHandler(401, "")
		}
	}
	f := s.registry.lookup(req.Path)
	if f == nil {
		f = func(*message.Request) ServerExchangeHandler { return newStatusHandler(404, "") }
	}
	if h := chainMiddlewares(f, s.opt.middlewares)(req); h != nil {
		return h
	}
	return newStatusHandler(500, "")
}

// dispatch runs handler work on the worker pool when there is one.
func (s *Server) dispatch(fn func()) {
	if s.pool != nil {
		s.pool.submit(fn)
		return
	}
	go fn()
}

// Close shuts the server down. Listeners close first; a graceful close
// then lets connections finish their exchanges within the grace period.
// Calling it again does nothing.
func (s *Server) Close(mode CloseMode) {
	if !s.beginStop() {
		return
	}
	zap.L().Info("zhttp: server closing", zap.Bool("graceful", mode == CloseGraceful))

	for _, le := range s.Endpoints() {
		le.Close()
	}
	s.serveWG.Wait()

	if mode == CloseGraceful {
		for _, sc := range s.connections() {
			sc.shutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opt.gracePeriod)
		if err := s.awaitConns(ctx); err != nil {
			zap.L().Warn("zhttp: grace period expired", zap.Int("conns", len(s.connections())))
		}
		cancel()
	}
	shutdown := &TransportError{Op: "close", Cause: ErrEngineShutdown}
	for _, sc := range s.connections() {
		sc.close(shutdown)
	}
	if s.pool != nil {
		s.pool.stop()
	}
	s.finishStop()
}

func (s *Server) connections() []serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]serverConn, 0, len(s.conns))
	for sc := range s.conns {
		out = append(out, sc)
	}
	return out
}

func (s *Server) awaitConns(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.conns) == 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AwaitTermination blocks until Close finished or ctx is done.
func (s *Server) AwaitTermination(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isRecoverableError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EINTR) {
		return true
	}
	return false
}
