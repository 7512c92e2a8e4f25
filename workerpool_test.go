package zhttp

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkPoolRunsEveryTask(t *testing.T) {
	p := newWorkPool(2, 8, 16, 10*time.Millisecond)
	defer p.stop()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		p.submit(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(500), n.Load())
	assert.GreaterOrEqual(t, p.size(), 2)
	assert.LessOrEqual(t, p.size(), 8)
}

func TestWorkPoolScalesUnderLoad(t *testing.T) {
	p := newWorkPool(1, 4, 4, time.Hour)
	defer p.stop()

	block := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		p.submit(func() {
			defer wg.Done()
			<-block
		})
	}
	close(block)
	wg.Wait()
	assert.LessOrEqual(t, p.size(), 4)
}

func TestWorkPoolAfterStop(t *testing.T) {
	p := newWorkPool(1, 2, 4, time.Hour)
	p.stop()
	p.stop()

	done := make(chan struct{})
	p.submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task submitted after stop never ran")
	}
}
