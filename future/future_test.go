package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	completed []int
	failed    []error
	cancelled int
}

func (r *recorder) Completed(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, v)
}

func (r *recorder) Failed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *recorder) Cancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled++
}

func TestCompleteOnce(t *testing.T) {
	rec := &recorder{}
	f := New[int](rec)
	assert.False(t, f.IsDone())

	assert.True(t, f.Complete(7))
	assert.False(t, f.Complete(8))
	assert.False(t, f.Fail(errors.New("late")))
	assert.False(t, f.Cancel())

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, []int{7}, rec.completed)
	assert.Empty(t, rec.failed)
	assert.Zero(t, rec.cancelled)
}

func TestFail(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{}
	f := New[int](rec)
	f.Fail(boom)
	_, err := f.Get(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []error{boom}, rec.failed)
}

type dep struct{ n atomic.Int32 }

func (d *dep) Cancel() bool {
	d.n.Add(1)
	return true
}

func TestCancelPropagatesToDependency(t *testing.T) {
	rec := &recorder{}
	f := New[int](rec)
	d := &dep{}
	f.SetDependency(d)

	assert.True(t, f.Cancel())
	assert.True(t, f.IsCancelled())
	assert.Equal(t, int32(1), d.n.Load())
	assert.Equal(t, 1, rec.cancelled)

	_, err := f.Get(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)

	// set after cancellation: cancelled right away
	late := &dep{}
	f.SetDependency(late)
	assert.Equal(t, int32(1), late.n.Load())
}

func TestAddCallbackAfterResolution(t *testing.T) {
	f := Completed(3)
	var got int
	f.AddCallback(Funcs[int]{OnCompleted: func(v int) { got = v }})
	assert.Equal(t, 3, got)

	var gotErr error
	Failed[int](context.DeadlineExceeded).AddCallback(Funcs[int]{OnFailed: func(err error) { gotErr = err }})
	assert.ErrorIs(t, gotErr, context.DeadlineExceeded)

	// nil fields are skipped
	assert.NotPanics(t, func() { Completed(1).AddCallback(Funcs[int]{}) })
}

func TestGetHonoursContext(t *testing.T) {
	f := New[int](nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.IsDone())
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	rec := &recorder{}
	f := New[int](rec)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			switch i % 3 {
			case 0:
				ok = f.Complete(i)
			case 1:
				ok = f.Fail(errors.New("x"))
			default:
				ok = f.Cancel()
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, len(rec.completed)+len(rec.failed)+rec.cancelled)
}
