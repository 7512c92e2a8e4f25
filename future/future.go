// Package future provides a write-once result cell with callbacks.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Get when the future was cancelled.
var ErrCancelled = errors.New("future: cancelled")

// Callback receives the outcome of a Future. Exactly one method is invoked.
type Callback[T any] interface {
	Completed(result T)
	Failed(err error)
	Cancelled()
}

// Cancellable is something a future can cancel on behalf of its caller.
type Cancellable interface {
	Cancel() bool
}

type state int

const (
	pending state = iota
	completed
	failed
	cancelled
)

// Future is resolved exactly once. Late or duplicate resolutions are rejected.
type Future[T any] struct {
	mu        sync.Mutex
	st        state
	result    T
	err       error
	done      chan struct{}
	callbacks []Callback[T]
	dep       Cancellable
}

// New returns a pending future; cb may be nil.
func New[T any](cb Callback[T]) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	if cb != nil {
		f.callbacks = append(f.callbacks, cb)
	}
	return f
}

// Completed returns an already completed future.
func Completed[T any](v T) *Future[T] {
	f := New[T](nil)
	f.Complete(v)
	return f
}

// Failed returns an already failed future.
func Failed[T any](err error) *Future[T] {
	f := New[T](nil)
	f.Fail(err)
	return f
}

// SetDependency registers what Cancel must cancel. If the future is
// already cancelled the dependency is cancelled immediately.
func (f *Future[T]) SetDependency(c Cancellable) {
	f.mu.Lock()
	if f.st == cancelled {
		f.mu.Unlock()
		c.Cancel()
		return
	}
	f.dep = c
	f.mu.Unlock()
}

// AddCallback registers cb. It runs immediately when f is already resolved.
func (f *Future[T]) AddCallback(cb Callback[T]) {
	f.mu.Lock()
	if f.st == pending {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	st, v, err := f.st, f.result, f.err
	f.mu.Unlock()
	notify(cb, st, v, err)
}

// Complete resolves f with v. It returns false if f was already resolved.
func (f *Future[T]) Complete(v T) bool {
	return f.resolve(completed, v, nil)
}

// Fail resolves f with err. It returns false if f was already resolved.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(failed, zero, err)
}

// Cancel resolves f as cancelled and cancels its dependency.
func (f *Future[T]) Cancel() bool {
	var zero T
	if !f.resolve(cancelled, zero, ErrCancelled) {
		return false
	}
	f.mu.Lock()
	dep := f.dep
	f.mu.Unlock()
	if dep != nil {
		dep.Cancel()
	}
	return true
}

func (f *Future[T]) resolve(st state, v T, err error) bool {
	f.mu.Lock()
	if f.st != pending {
		f.mu.Unlock()
		return false
	}
	f.st, f.result, f.err = st, v, err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		notify(cb, st, v, err)
	}
	return true
}

func notify[T any](cb Callback[T], st state, v T, err error) {
	switch st {
	case completed:
		cb.Completed(v)
	case failed:
		cb.Failed(err)
	case cancelled:
		cb.Cancelled()
	}
}

// Done is closed once f is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether f is resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether f was resolved by Cancel.
func (f *Future[T]) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st == cancelled
}

// Get waits for the outcome. A cancelled future returns ErrCancelled.
// Expiry of ctx stops the wait without touching f.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	return f.result, f.err
}

// Funcs adapts plain functions to Callback. Nil fields are skipped.
type Funcs[T any] struct {
	OnCompleted func(T)
	OnFailed    func(error)
	OnCancelled func()
}

func (c Funcs[T]) Completed(v T) {
	if c.OnCompleted != nil {
		c.OnCompleted(v)
	}
}

func (c Funcs[T]) Failed(err error) {
	if c.OnFailed != nil {
		c.OnFailed(err)
	}
}

func (c Funcs[T]) Cancelled() {
	if c.OnCancelled != nil {
		c.OnCancelled()
	}
}
