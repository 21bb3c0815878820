package stream

import (
	"context"
	"fmt"
)

// Pool is a fixed population of payload buffers. Buffers are allocated once
// at construction; Acquire blocks until a buffer is free, so at most capacity
// buffers are ever in flight. This is the backpressure anchor of a session:
// a consumer that sits on payloads eventually starves acquisition.
type Pool struct {
	free    chan []byte
	bufSize int
}

// NewPool allocates capacity buffers of bufSize bytes each.
func NewPool(capacity, bufSize int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("stream: pool capacity must be positive, got %d", capacity)
	}
	if bufSize <= 0 {
		return nil, fmt.Errorf("stream: pool buffer size must be positive, got %d", bufSize)
	}
	p := &Pool{
		free:    make(chan []byte, capacity),
		bufSize: bufSize,
	}
	for i := 0; i < capacity; i++ {
		p.free <- make([]byte, bufSize)
	}
	return p, nil
}

// Capacity returns the total buffer count.
func (p *Pool) Capacity() int {
	return cap(p.free)
}

// BufSize returns the byte size of each buffer, the largest payload a block
// may declare.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Acquire takes a free buffer, blocking until one is available or the
// context ends.
func (p *Pool) Acquire(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-p.free:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release hands a buffer back. Only buffers obtained from Acquire may be
// released, exactly once each; the population never grows.
func (p *Pool) Release(buf []byte) {
	if cap(buf) < p.bufSize {
		panic("stream: foreign buffer released to pool")
	}
	select {
	case p.free <- buf[:p.bufSize]:
	default:
		panic("stream: pool over-release")
	}
}
