package core

import (
	"bytes"
	"sync"
)

// bufferPool wraps a sync.Pool of *bytes.Buffer. Buffers that grew beyond
// maxPooledBufferSize are dropped instead of returned, so one oversized
// record cannot pin memory for the life of the process.
type bufferPool struct {
	pool sync.Pool
}

const maxPooledBufferSize = 1 << 20 // 1 MiB

// BufferPool is the shared buffer pool for encoding paths.
var BufferPool = &bufferPool{
	pool: sync.Pool{
		New: func() interface{} {
			return new(bytes.Buffer)
		},
	},
}

// Get returns an empty buffer from the pool.
func (p *bufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets and returns a buffer to the pool.
func (p *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
