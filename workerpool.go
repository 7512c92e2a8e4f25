package zhttp

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// worker is a reused goroutine running exchange tasks. Under high
// concurrency this avoids creating a goroutine per HTTP/2 stream.
type worker struct {
	tasks chan func()
	quit  chan struct{}
	pool  *workPool
	id    int
}

func newWorker(id int, pool *workPool) *worker {
	return &worker{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
		pool:  pool,
		id:    id,
	}
}

// start starts a worker to begin working
func (w *worker) start() {
	go func() {
		for {
			select {
			case t := <-w.tasks:
				t()
				atomic.AddInt32(&w.pool.workerLoads[w.id], -1)
			case <-w.quit:
				return
			}
		}
	}()
}

func (w *worker) stop() {
	close(w.quit)
}

// A workPool manages the creation, scheduling, and destruction of workers.
type workPool struct {
	minWorkers     int
	maxWorkers     int
	currentWorkers int32
	taskQueue      chan func()
	workers        []*worker
	metrics        *PoolMetrics
	adjustInterval time.Duration
	mu             sync.RWMutex
	closed         bool
	done           chan struct{}

	workerLoads     []int32
	adjustThreshold float64
}

// PoolMetrics represent the load of the workers in a pool and drive the
// dynamic scaling.
type PoolMetrics struct {
	queueUsage  float64
	idleWorkers float64
}

func newWorkPool(minWorkers, maxWorkers, queueSize int, adjustInterval time.Duration) *workPool {
	minWorkers = max(minWorkers, 1)
	maxWorkers = max(maxWorkers, minWorkers)
	pool := &workPool{
		minWorkers:      minWorkers,
		maxWorkers:      maxWorkers,
		currentWorkers:  int32(minWorkers),
		taskQueue:       make(chan func(), queueSize),
		workers:         make([]*worker, 0, maxWorkers),
		metrics:         &PoolMetrics{},
		adjustInterval:  adjustInterval,
		done:            make(chan struct{}),
		workerLoads:     make([]int32, maxWorkers),
		adjustThreshold: 0.8, // Trigger adjustment at 80% load
	}

	// Initially start only the smallest number of workers; adjustWorkers
	// grows the pool under load.
	for i := 0; i < minWorkers; i++ {
		w := newWorker(i, pool)
		pool.workers = append(pool.workers, w)
		w.start()
	}

	go pool.adjustWorkers()
	go pool.dispatch()

	return pool
}

// submit queues t. When the queue is full or the pool is stopped the task
// runs on its own goroutine.
func (p *workPool) submit(t func()) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		go t()
		return
	}
	select {
	case p.taskQueue <- t:
	default:
		go t()
	}
	p.mu.RUnlock()
}

// dispatch hands queued tasks to the least loaded worker.
func (p *workPool) dispatch() {
	for t := range p.taskQueue {
		if p.tryWorker(p.selectWorker(), t) {
			continue
		}
		p.handleOverload(t)
	}
}

func (p *workPool) tryWorker(i int, t func()) bool {
	if i < 0 {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i >= len(p.workers) {
		return false
	}
	select {
	case p.workers[i].tasks <- t:
		atomic.AddInt32(&p.workerLoads[i], 1)
		return true
	default:
		// The worker is busy
		return false
	}
}

// selectWorker returns the least loaded worker.
func (p *workPool) selectWorker() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.workers) == 0 {
		return -1
	}

	minLoad := int32(math.MaxInt32)
	selectedIndex := -1
	for i := range p.workers {
		if load := atomic.LoadInt32(&p.workerLoads[i]); load < minLoad {
			minLoad = load
			selectedIndex = i
		}
	}
	return selectedIndex
}

// handleOverload runs when every worker is busy: it scales up under heavy
// queue usage and otherwise runs the task on a fresh goroutine.
func (p *workPool) handleOverload(t func()) {
	if p.queueUsage() > p.adjustThreshold {
		p.quickScaleUp()
	}

	p.mu.RLock()
	for i, w := range p.workers {
		select {
		case w.tasks <- t:
			atomic.AddInt32(&p.workerLoads[i], 1)
			p.mu.RUnlock()
			return
		default:
		}
	}
	p.mu.RUnlock()

	go t()
}

func (p *workPool) queueUsage() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics.queueUsage
}

// quickScaleUp adds 20% more workers at once, up to maxWorkers.
func (p *workPool) quickScaleUp() {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := len(p.workers)
	target := min(max(int(float64(current)*1.2), current+1), p.maxWorkers)
	p.growLocked(target)
}

func (p *workPool) growLocked(target int) {
	if p.closed {
		return
	}
	for i := len(p.workers); i < target; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)
		w.start()
	}
	atomic.StoreInt32(&p.currentWorkers, int32(len(p.workers)))
}

func (p *workPool) adjustWorkers() {
	ticker := time.NewTicker(p.adjustInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.updateMetrics()
			p.adjustWorkerCount()
		case <-p.done:
			return
		}
	}
}

func (p *workPool) updateMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.queueUsage = float64(len(p.taskQueue)) / float64(max(cap(p.taskQueue), 1))

	var totalLoad int32
	for i := range p.workers {
		totalLoad += atomic.LoadInt32(&p.workerLoads[i])
	}
	if len(p.workers) > 0 {
		p.metrics.idleWorkers = 1.0 - float64(totalLoad)/float64(len(p.workers))
	}
}

// adjustWorkerCount fine-tunes the number of workers on the timer. Unlike
// quickScaleUp it also shrinks the pool when it sits idle.
func (p *workPool) adjustWorkerCount() {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := len(p.workers)
	target := current
	switch {
	case p.metrics.queueUsage > p.adjustThreshold && p.metrics.idleWorkers < 0.2:
		target = int(float64(current) * 1.2)
	case p.metrics.queueUsage < 0.2 && p.metrics.idleWorkers > 0.8:
		target = int(float64(current) * 0.8)
	}
	target = min(max(target, p.minWorkers), p.maxWorkers)

	if target > current {
		p.growLocked(target)
		return
	}
	for i := current - 1; i >= target; i-- {
		p.workers[i].stop()
		p.workers = p.workers[:i]
	}
	atomic.StoreInt32(&p.currentWorkers, int32(len(p.workers)))
}

// size returns the number of running workers.
func (p *workPool) size() int {
	return int(atomic.LoadInt32(&p.currentWorkers))
}

// stop shuts down the work pool. Queued tasks still run.
func (p *workPool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	close(p.taskQueue)
	for _, w := range p.workers {
		w.stop()
	}
}
