package zhttp

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of an engine.
type Status int32

const (
	StatusCreated Status = iota
	StatusStarted
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarted:
		return "started"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// CloseMode selects how an engine shuts down.
type CloseMode int

const (
	// CloseGraceful lets in-flight exchanges finish within the grace period.
	CloseGraceful CloseMode = iota
	// CloseImmediate aborts everything at once.
	CloseImmediate
)

// ExceptionEvent is an error that had no exchange to report to.
type ExceptionEvent struct {
	Cause     error
	Timestamp time.Time
}

type lifecycle struct {
	name   string
	status atomic.Int32

	mu         sync.Mutex
	exceptions []ExceptionEvent
	stopped    chan struct{}
}

func newLifecycle(name string) lifecycle {
	return lifecycle{name: name, stopped: make(chan struct{})}
}

func (l *lifecycle) Status() Status {
	return Status(l.status.Load())
}

// start moves Created to Started. Any other state is left alone.
func (l *lifecycle) start() bool {
	return l.status.CompareAndSwap(int32(StatusCreated), int32(StatusStarted))
}

// beginStop moves the engine to Stopping. Only the first caller wins.
func (l *lifecycle) beginStop() bool {
	if l.status.CompareAndSwap(int32(StatusStarted), int32(StatusStopping)) {
		return true
	}
	return l.status.CompareAndSwap(int32(StatusCreated), int32(StatusStopping))
}

func (l *lifecycle) finishStop() {
	l.status.Store(int32(StatusStopped))
	close(l.stopped)
}

func (l *lifecycle) running() bool {
	return l.Status() == StatusStarted
}

// record appends to the exception log while the engine is Started or
// Stopping.
func (l *lifecycle) record(cause error) {
	if cause == nil {
		return
	}
	st := l.Status()
	if st != StatusStarted && st != StatusStopping {
		return
	}
	l.mu.Lock()
	l.exceptions = append(l.exceptions, ExceptionEvent{Cause: cause, Timestamp: time.Now()})
	l.mu.Unlock()
	zap.L().Warn("zhttp: exception", zap.String("engine", l.name), zap.Error(cause))
}

// ExceptionLog returns a snapshot of the exception log.
func (l *lifecycle) ExceptionLog() []ExceptionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ExceptionEvent, len(l.exceptions))
	copy(out, l.exceptions)
	return out
}

// ClearExceptionLog empties the exception log.
func (l *lifecycle) ClearExceptionLog() {
	l.mu.Lock()
	l.exceptions = nil
	l.mu.Unlock()
}
