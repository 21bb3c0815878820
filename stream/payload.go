package stream

import (
	"context"
	"sync/atomic"
	"time"
)

// Payload is one completed block handed to the application. The data lives
// in a pooled buffer owned by the payload until Return is called; holding
// payloads without returning them eventually stalls acquisition.
type Payload struct {
	BlockID   uint64
	Type      PayloadType
	Timestamp time.Duration
	Status    PayloadStatus

	// Info is the image geometry for image payloads, nil otherwise.
	Info *ImageInfo

	data []byte
	buf  []byte
	pool *Pool

	returned atomic.Bool
}

// Bytes returns the valid payload data, the trailer-confirmed prefix of the
// block's buffer. The slice is invalid after Return.
func (p *Payload) Bytes() []byte {
	return p.data
}

// Len returns the valid payload byte count.
func (p *Payload) Len() int {
	return len(p.data)
}

// Return hands the payload's buffer back to the pool, unblocking pending
// buffer acquisition. Safe to call more than once; only the first call
// releases.
func (p *Payload) Return() {
	if p.returned.CompareAndSwap(false, true) {
		p.pool.Release(p.buf)
		p.data = nil
		p.buf = nil
	}
}

// Receiver is the consuming end of a session's delivery channel.
type Receiver struct {
	ch <-chan *Payload
}

// Recv waits for the next payload. It returns ErrClosed once the session has
// shut down and the channel is drained, or the context error if ctx ends
// first.
func (r *Receiver) Recv(ctx context.Context) (*Payload, error) {
	select {
	case p, ok := <-r.ch:
		if !ok {
			return nil, ErrClosed
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRecv returns the next payload if one is ready, ErrWouldBlock if not,
// and ErrClosed once the session has shut down and the channel is drained.
func (r *Receiver) TryRecv() (*Payload, error) {
	select {
	case p, ok := <-r.ch:
		if !ok {
			return nil, ErrClosed
		}
		return p, nil
	default:
		return nil, ErrWouldBlock
	}
}
