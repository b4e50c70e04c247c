package engine

import (
	"sync"
)

// DefaultBufferSize is used when a pool is created with a zero size.
const DefaultBufferSize = 1 * 1024 * 1024

// BufferPool hands out reusable chunk buffers of one fixed size so that a
// pass over many files does not allocate a buffer per file.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a new BufferPool that allocates buffers of the specified size.
// If size is 0, DefaultBufferSize is used.
func NewBufferPool(size uint64) *BufferPool {
	n := int(size)
	if size == 0 || n <= 0 {
		n = DefaultBufferSize
	}

	bp := &BufferPool{size: n}
	bp.pool.New = func() any {
		b := make([]byte, n)
		return &b
	}
	return bp
}

// Size returns the length of every buffer in the pool.
func (bp *BufferPool) Size() int { return bp.size }

// Get retrieves a reusable byte buffer from the pool.
// The caller should defer calling Put on this buffer once finished.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns the byte buffer to the pool so it can be reused.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil {
		bp.pool.Put(b)
	}
}
