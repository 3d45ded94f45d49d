package parinvoke

import "sync/atomic"

// bufferPool recycles fixed-size byte slices used for frame headers and small
// frame bodies on worker channels. It is channel based, so Get and Put never block
// and need no lock.
type bufferPool struct {
	free    chan []byte
	bufSize int

	// misses counts Gets that had to allocate.
	misses atomic.Uint64
}

// newBufferPool creates a pool holding up to count buffers of bufSize bytes.
// The pool starts empty and fills as buffers are returned.
func newBufferPool(bufSize, count int) *bufferPool {
	return &bufferPool{
		free:    make(chan []byte, count),
		bufSize: bufSize,
	}
}

// get returns a buffer of length n. Requests larger than the pool's buffer size
// are allocated directly and will be dropped by put.
func (bp *bufferPool) get(n int) []byte {
	if n > bp.bufSize {
		bp.misses.Add(1)
		return make([]byte, n)
	}
	select {
	case buf := <-bp.free:
		return buf[:n]
	default:
		bp.misses.Add(1)
		return make([]byte, n, bp.bufSize)
	}
}

// put hands a buffer back. Foreign-sized buffers and overflow are left to the GC.
func (bp *bufferPool) put(buf []byte) {
	if cap(buf) != bp.bufSize {
		return
	}
	select {
	case bp.free <- buf[:bp.bufSize]:
	default:
	}
}
