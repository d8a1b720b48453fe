package device

import "sync"

// BufferPool hands out scratch float32 buffers for kernels that need
// temporary storage (im2col columns, per-plane scales).
type BufferPool struct {
	pool sync.Pool
}

// Scratch is the process-wide scratch pool.
var Scratch = &BufferPool{}

// Get returns a zeroed buffer of length n.
func (p *BufferPool) Get(n int) []float32 {
	if v := p.pool.Get(); v != nil {
		buf := *(v.(*[]float32))
		if cap(buf) >= n {
			buf = buf[:n]
			clear(buf)
			poolHits.Inc()
			return buf
		}
	}
	poolMisses.Inc()
	return make([]float32, n)
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf []float32) {
	if buf == nil {
		return
	}
	p.pool.Put(&buf)
}
