package rpc

import (
	"bytes"
	"sync"
)

var (
	// Single pool for body buffers with a reasonable starting capacity
	bufferPool = &sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 512))
		},
	}
)

// getBuffer returns an empty buffer from the pool
func getBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

// putBuffer returns a buffer to the pool after resetting it
func putBuffer(b *bytes.Buffer) {
	b.Reset()
	// Only return to pool if capacity is reasonable (< 256KB)
	// This prevents memory bloat from very large messages
	if b.Cap() < 262144 {
		bufferPool.Put(b)
	}
}
