package zhttp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/peer"
	"github.com/crazyfrankie/zhttp/stats"
)

const maxConnAge = 1 * time.Hour

// connDriver runs exchanges over one connection in one protocol.
type connDriver interface {
	submit(ex *exchange) error
	exchangeDone(ex *exchange, st exchangeState, err error)
	outstanding() int
	maxConcurrent() int
	protocol() message.Version
	// healthy reports whether the connection may take new exchanges.
	healthy() bool
	isOpen() bool
	// shutdown closes the connection once outstanding exchanges finish.
	shutdown()
	close(cause error)
	closedCh() <-chan struct{}
}

// connEvents lets the pool follow a connection. Neither hook is called with
// a driver lock held.
type connEvents struct {
	idle   func()
	closed func(cause error)
}

var (
	_ connDriver = (*http1ClientConn)(nil)
	_ connDriver = (*http2ClientConn)(nil)
)

// clientConn is a pooled connection to one route.
type clientConn struct {
	driver connDriver
	route  string
	target message.Target
	peer   *peer.Peer
	pool   *connPool

	createTime time.Time
	lastUsed   atomic.Int64

	// guarded by pool.mu
	leased  bool
	parked  bool // released with exchanges still running
	removed bool

	sh   stats.Handler
	sctx context.Context
}

func (cc *clientConn) isHealthy() bool {
	if cc.driver == nil || !cc.driver.healthy() {
		return false
	}
	return time.Since(cc.createTime) <= maxConnAge
}

func (cc *clientConn) markUsed() {
	cc.lastUsed.Store(time.Now().UnixNano())
}

func (cc *clientConn) idleFor() time.Duration {
	return time.Since(time.Unix(0, cc.lastUsed.Load()))
}

type route struct {
	idle    []*clientConn // LIFO
	created int
}

type dialFunc func(ctx context.Context, cc *clientConn, events connEvents) error

// connPool leases connections per route under a per-route and a total
// ceiling. Waiters are woken by closing and replacing the wait channel.
type connPool struct {
	mu     sync.Mutex
	routes map[string]*route
	all    map[*clientConn]struct{}
	total  int
	wait   chan struct{}
	closed bool

	maxPerRoute int
	maxTotal    int
	idleTimeout time.Duration
	dial        dialFunc
	// exception receives failures no exchange was there to see.
	exception func(error)

	stop chan struct{}
}

func newConnPool(maxPerRoute, maxTotal int, idleTimeout time.Duration, dial dialFunc) *connPool {
	p := &connPool{
		routes:      make(map[string]*route),
		all:         make(map[*clientConn]struct{}),
		wait:        make(chan struct{}),
		maxPerRoute: maxPerRoute,
		maxTotal:    maxTotal,
		idleTimeout: idleTimeout,
		dial:        dial,
		stop:        make(chan struct{}),
	}
	go p.janitor()
	return p
}

func (p *connPool) route(key string) *route {
	r, ok := p.routes[key]
	if !ok {
		r = &route{}
		p.routes[key] = r
	}
	return r
}

// broadcastLocked wakes every waiter.
func (p *connPool) broadcastLocked() {
	close(p.wait)
	p.wait = make(chan struct{})
}

// get leases a connection for key: an idle healthy one if there is one,
// otherwise a new one once the ceilings allow it.
func (p *connPool) get(ctx context.Context, key string, target message.Target) (*clientConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, &TransportError{Op: "connect", Cause: ErrEngineShutdown}
		}
		r := p.route(key)

		var stale []*clientConn
		for len(r.idle) > 0 {
			cc := r.idle[len(r.idle)-1]
			r.idle = r.idle[:len(r.idle)-1]
			if cc.isHealthy() {
				cc.leased = true
				p.mu.Unlock()
				closeAll(stale, ErrConnectionClosed)
				return cc, nil
			}
			p.removeLocked(cc)
			stale = append(stale, cc)
		}

		if r.created < p.maxPerRoute && p.total >= p.maxTotal {
			if victim := p.evictLocked(key); victim != nil {
				stale = append(stale, victim)
			}
		}

		if r.created < p.maxPerRoute && p.total < p.maxTotal {
			cc := &clientConn{route: key, target: target, pool: p, createTime: time.Now(), leased: true}
			cc.markUsed()
			r.created++
			p.total++
			p.all[cc] = struct{}{}
			p.mu.Unlock()
			closeAll(stale, ErrConnectionClosed)

			if err := p.dial(ctx, cc, p.events(cc)); err != nil {
				p.remove(cc)
				return nil, err
			}
			p.mu.Lock()
			gone := cc.removed || p.closed
			p.mu.Unlock()
			if gone {
				p.remove(cc)
				cc.driver.close(ErrEngineShutdown)
				return nil, &TransportError{Op: "connect", Cause: ErrEngineShutdown}
			}
			return cc, nil
		}

		ch := p.wait
		p.mu.Unlock()
		closeAll(stale, ErrConnectionClosed)

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, contextError("connect", ctx)
		}
	}
}

// evictLocked drops the longest idle connection of another route to make
// room under the total ceiling.
func (p *connPool) evictLocked(except string) *clientConn {
	var victim *clientConn
	for key, r := range p.routes {
		if key == except || len(r.idle) == 0 {
			continue
		}
		if cc := r.idle[0]; victim == nil || cc.lastUsed.Load() < victim.lastUsed.Load() {
			victim = cc
		}
	}
	if victim != nil {
		p.removeLocked(victim)
	}
	return victim
}

func (p *connPool) events(cc *clientConn) connEvents {
	return connEvents{
		idle:   func() { p.drained(cc) },
		closed: func(cause error) { p.connClosed(cc, cause) },
	}
}

// removeLocked takes cc out of the accounting. It is safe to call more than
// once.
func (p *connPool) removeLocked(cc *clientConn) {
	if cc.removed {
		return
	}
	cc.removed = true
	r := p.routes[cc.route]
	for i, c := range r.idle {
		if c == cc {
			r.idle = append(r.idle[:i], r.idle[i+1:]...)
			break
		}
	}
	r.created--
	if r.created == 0 && len(r.idle) == 0 {
		delete(p.routes, cc.route)
	}
	p.total--
	delete(p.all, cc)
	p.broadcastLocked()
}

func (p *connPool) remove(cc *clientConn) {
	p.mu.Lock()
	p.removeLocked(cc)
	p.mu.Unlock()
}

func (p *connPool) connClosed(cc *clientConn, cause error) {
	p.remove(cc)
	var reported reportedError
	if p.exception != nil && !errors.As(cause, &reported) &&
		!errors.Is(cause, ErrConnectionClosed) && !errors.Is(cause, ErrEngineShutdown) {
		p.exception(cause)
	}
	if cc.sh != nil {
		var err error
		if !errors.Is(cause, ErrConnectionClosed) {
			err = cause
		}
		cc.sh.HandleConn(cc.sctx, &stats.ConnEnd{Client: true, Error: err})
	}
}

// put takes back a leased connection. A connection with exchanges still
// running is parked until they drain.
func (p *connPool) put(cc *clientConn, reuse bool) {
	p.mu.Lock()
	if !cc.leased || cc.removed {
		p.mu.Unlock()
		return
	}
	cc.leased = false

	switch {
	case !reuse || !cc.isHealthy():
		p.removeLocked(cc)
		p.mu.Unlock()
		cc.driver.close(ErrConnectionClosed)
	case p.closed:
		p.mu.Unlock()
		cc.driver.shutdown()
	case cc.driver.outstanding() > 0:
		cc.parked = true
		p.mu.Unlock()
	default:
		p.idleLocked(cc)
		p.mu.Unlock()
	}
}

func (p *connPool) idleLocked(cc *clientConn) {
	cc.parked = false
	cc.markUsed()
	r := p.route(cc.route)
	r.idle = append(r.idle, cc)
	p.broadcastLocked()
}

// drained runs when a connection has no more outstanding exchanges.
func (p *connPool) drained(cc *clientConn) {
	p.mu.Lock()
	if cc.leased || !cc.parked || cc.removed {
		p.mu.Unlock()
		return
	}
	if p.closed || !cc.isHealthy() {
		cc.parked = false
		p.removeLocked(cc)
		p.mu.Unlock()
		cc.driver.close(ErrConnectionClosed)
		return
	}
	p.idleLocked(cc)
	p.mu.Unlock()
}

func (p *connPool) janitor() {
	interval := 30 * time.Second
	if p.idleTimeout > 0 && p.idleTimeout/2 < interval {
		interval = max(p.idleTimeout/2, 10*time.Millisecond)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictExpired()
		case <-p.stop:
			return
		}
	}
}

func (p *connPool) evictExpired() {
	var expired []*clientConn
	p.mu.Lock()
	for _, r := range p.routes {
		for _, cc := range append([]*clientConn(nil), r.idle...) {
			if (p.idleTimeout > 0 && cc.idleFor() > p.idleTimeout) || !cc.isHealthy() {
				p.removeLocked(cc)
				expired = append(expired, cc)
			}
		}
	}
	p.mu.Unlock()
	if len(expired) > 0 {
		zap.L().Debug("zhttp: evicting idle connections", zap.Int("count", len(expired)))
	}
	closeAll(expired, ErrConnectionClosed)
}

// leased reports connections not idle in the pool.
func (p *connPool) busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.total
	for _, r := range p.routes {
		n -= len(r.idle)
	}
	return n
}

// drain stops leasing and closes idle connections. Leased connections shut
// down when they come back.
func (p *connPool) drain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	var idle []*clientConn
	for _, r := range p.routes {
		for _, cc := range append([]*clientConn(nil), r.idle...) {
			p.removeLocked(cc)
			idle = append(idle, cc)
		}
	}
	p.broadcastLocked()
	p.mu.Unlock()
	closeAll(idle, ErrConnectionClosed)
}

// awaitEmpty waits until every connection is gone.
func (p *connPool) awaitEmpty(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.total == 0 {
			p.mu.Unlock()
			return nil
		}
		ch := p.wait
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// closeNow closes every connection, failing whatever runs on them.
func (p *connPool) closeNow(cause error) {
	p.drain()
	p.mu.Lock()
	conns := make([]*clientConn, 0, len(p.all))
	for cc := range p.all {
		conns = append(conns, cc)
	}
	p.mu.Unlock()
	closeAll(conns, cause)
}

func closeAll(conns []*clientConn, cause error) {
	for _, cc := range conns {
		if cc.driver != nil {
			cc.driver.close(cause)
		}
	}
}

// contextError maps a finished context to the engine's error taxonomy.
func contextError(op string, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Cause: ctx.Err()}
	}
	return context.Cause(ctx)
}
