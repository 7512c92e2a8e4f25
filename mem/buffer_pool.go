// Package mem pools the byte slices used for socket reads and frame payloads.
package mem

import (
	"math/bits"
	"sync"
)

// BufferPool is a self-managed pool with various buffer sizes.
type BufferPool interface {
	// Get returns a buffer of length size.
	Get(size int) *[]byte
	// Put returns the buffer back to the pool.
	Put(buffer *[]byte)
}

const (
	minShift = 9  // 512B
	maxShift = 20 // 1MB
)

var defaultPool = newBufferPool()

type bufferPool struct {
	// pools[i] holds buffers with capacity 1 << (minShift+i)
	pools []*sync.Pool
}

func newBufferPool() *bufferPool {
	p := &bufferPool{pools: make([]*sync.Pool, maxShift-minShift+1)}
	for i := range p.pools {
		size := 1 << (minShift + i)
		p.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, 0, size)
				return &buf
			},
		}
	}
	return p
}

// DefaultBufferPool returns the process-wide pool.
func DefaultBufferPool() BufferPool {
	return defaultPool
}

// NewBufferPool returns a pool independent of the default one.
func NewBufferPool() BufferPool {
	return newBufferPool()
}

// Get returns a buffer with the size.
func (p *bufferPool) Get(size int) *[]byte {
	if size <= 0 {
		return &[]byte{}
	}

	idx := classFor(size)
	if idx < 0 {
		buf := make([]byte, size)
		return &buf
	}
	buf := p.pools[idx].Get().(*[]byte)
	*buf = (*buf)[:size]
	return buf
}

// Put returns the buffer to the pool. Buffers whose capacity is not a pool
// class are dropped.
func (p *bufferPool) Put(buffer *[]byte) {
	if buffer == nil {
		return
	}
	c := cap(*buffer)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	shift := bits.TrailingZeros(uint(c))
	if shift < minShift || shift > maxShift {
		return
	}
	*buffer = (*buffer)[:0]
	p.pools[shift-minShift].Put(buffer)
}

// classFor returns the smallest class that fits size, or -1.
func classFor(size int) int {
	shift := bits.Len(uint(size - 1))
	if shift < minShift {
		shift = minShift
	}
	if shift > maxShift {
		return -1
	}
	return shift - minShift
}
