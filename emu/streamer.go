package emu

import (
	"context"
	"io"
	"sync"

	"github.com/gencam/gencam/stream"
)

// StreamTransport is a scripted segment source: tests and the software
// device enqueue leader, payload and trailer segments, and the acquisition
// loop reads them in order. After Finish, reads report io.EOF.
type StreamTransport struct {
	segments chan []byte
	finished chan struct{}
	once     sync.Once

	leaderMagic  uint32
	trailerMagic uint32
	chunkSize    int
}

// StreamerOption configures a StreamTransport.
type StreamerOption func(*StreamTransport)

// WithStreamMagics overrides the leader/trailer markers stamped on emitted
// blocks.
var WithStreamMagics = func(leader, trailer uint32) StreamerOption {
	return func(t *StreamTransport) {
		t.leaderMagic = leader
		t.trailerMagic = trailer
	}
}

// WithChunkSize sets the segment size payload data is split into.
var WithChunkSize = func(n int) StreamerOption {
	return func(t *StreamTransport) {
		t.chunkSize = n
	}
}

// NewStreamTransport builds an empty scripted stream.
func NewStreamTransport(opts ...StreamerOption) *StreamTransport {
	t := &StreamTransport{
		segments:     make(chan []byte, 256),
		finished:     make(chan struct{}),
		leaderMagic:  stream.DefaultLeaderMagic,
		trailerMagic: stream.DefaultTrailerMagic,
		chunkSize:    4096,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// EmitSegment enqueues one raw segment, well-formed or not.
func (t *StreamTransport) EmitSegment(seg []byte) {
	t.segments <- seg
}

// EmitBlock enqueues a complete block: leader, payload split into chunks,
// and a success trailer validating the full payload.
func (t *StreamTransport) EmitBlock(leader stream.Leader, payload []byte) {
	leader.PayloadSize = uint64(len(payload))
	t.EmitSegment(stream.EncodeLeader(t.leaderMagic, leader))
	for len(payload) > 0 {
		n := len(payload)
		if n > t.chunkSize {
			n = t.chunkSize
		}
		seg := make([]byte, n)
		copy(seg, payload[:n])
		t.EmitSegment(seg)
		payload = payload[n:]
	}
	t.EmitSegment(stream.EncodeTrailer(t.trailerMagic, stream.Trailer{
		BlockID:          leader.BlockID,
		Status:           stream.PayloadStatusSuccess,
		ValidPayloadSize: leader.PayloadSize,
	}))
}

// EmitTrailer enqueues a trailer with explicit status and valid size, for
// scripting discarded or truncated blocks.
func (t *StreamTransport) EmitTrailer(trailer stream.Trailer) {
	t.EmitSegment(stream.EncodeTrailer(t.trailerMagic, trailer))
}

// Finish marks end-of-stream. Queued segments still drain; reads past them
// report io.EOF.
func (t *StreamTransport) Finish() {
	t.once.Do(func() {
		close(t.finished)
	})
}

// Read returns the next scripted segment.
func (t *StreamTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case seg := <-t.segments:
		return seg, nil
	default:
	}
	select {
	case seg := <-t.segments:
		return seg, nil
	case <-t.finished:
		// Drain segments racing with Finish.
		select {
		case seg := <-t.segments:
			return seg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close finishes the stream.
func (t *StreamTransport) Close() error {
	t.Finish()
	return nil
}
