package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPoolGet(t *testing.T) {
	pool := NewBufferPool()

	tests := []struct {
		size    int
		wantCap int
	}{
		{size: 1, wantCap: 512},
		{size: 512, wantCap: 512},
		{size: 513, wantCap: 1024},
		{size: 16 * 1024, wantCap: 16 * 1024},
		{size: 1 << 20, wantCap: 1 << 20},
	}
	for _, tt := range tests {
		buf := pool.Get(tt.size)
		assert.Len(t, *buf, tt.size)
		assert.Equal(t, tt.wantCap, cap(*buf))
		pool.Put(buf)
	}
}

func TestBufferPoolOversized(t *testing.T) {
	pool := NewBufferPool()

	buf := pool.Get(1<<20 + 1)
	assert.Len(t, *buf, 1<<20+1)
	// not a pool class, silently dropped
	pool.Put(buf)

	empty := pool.Get(0)
	assert.Empty(t, *empty)
}

func TestClassFor(t *testing.T) {
	assert.Equal(t, 0, classFor(100))
	assert.Equal(t, 1, classFor(1000))
	assert.Equal(t, maxShift-minShift, classFor(1<<20))
	assert.Equal(t, -1, classFor(1<<20+1))
}
