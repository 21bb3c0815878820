package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Transport is one ordered pipe of stream segments: each Read returns the
// next leader record, payload chunk or trailer record as the device emitted
// it. A nil segment with nil error is a transient empty read; end-of-stream
// or disconnection is io.EOF, never an empty segment.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Block reassembly states.
const (
	stateAwaitingLeader   = "AWAITING_LEADER"
	stateReceivingPayload = "RECEIVING_PAYLOAD"
	stateAwaitingTrailer  = "AWAITING_TRAILER"
)

// Stats are cumulative session counters.
type Stats struct {
	Delivered     uint64
	Discarded     uint64
	FramingErrors uint64
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithBufferSize sets the pooled buffer size, which bounds the largest
// payload a block may declare.
var WithBufferSize = func(n int) SessionOption {
	return func(s *Session) {
		s.bufSize = n
	}
}

// WithDeliveryDepth sets the completed-payload channel depth. When it and
// the consumer are both full, block completion blocks.
var WithDeliveryDepth = func(n int) SessionOption {
	return func(s *Session) {
		s.deliveryDepth = n
	}
}

// WithLeaderMagic overrides the leader marker value.
var WithLeaderMagic = func(magic uint32) SessionOption {
	return func(s *Session) {
		s.leaderMagic = magic
	}
}

// WithTrailerMagic overrides the trailer marker value.
var WithTrailerMagic = func(magic uint32) SessionOption {
	return func(s *Session) {
		s.trailerMagic = magic
	}
}

// WithSessionLogger sets the session's logger.
var WithSessionLogger = func(log *slog.Logger) SessionOption {
	return func(s *Session) {
		s.log = log
	}
}

// WithFrameErrorFunc registers a callback invoked for every framing error.
// The callback runs on the acquisition goroutine; it must not block.
var WithFrameErrorFunc = func(fn func(*FramingError)) SessionOption {
	return func(s *Session) {
		s.onFrameError = fn
	}
}

// Session owns one streaming acquisition: a goroutine reassembling blocks
// from transport segments and delivering completed payloads through a
// bounded channel.
type Session struct {
	id   uuid.UUID
	tr   Transport
	pool *Pool
	log  *slog.Logger

	bufSize       int
	deliveryDepth int
	leaderMagic   uint32
	trailerMagic  uint32
	onFrameError  func(*FramingError)

	deliver chan *Payload
	cancel  context.CancelFunc
	eg      *errgroup.Group

	delivered     atomic.Uint64
	discarded     atomic.Uint64
	framingErrors atomic.Uint64
}

// NewSession starts acquisition over tr with a pool of poolCapacity payload
// buffers. The session runs until Close or end-of-stream.
func NewSession(tr Transport, poolCapacity int, opts ...SessionOption) (*Session, error) {
	s := &Session{
		id:            uuid.New(),
		tr:            tr,
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		bufSize:       1 << 20,
		deliveryDepth: 1,
		leaderMagic:   DefaultLeaderMagic,
		trailerMagic:  DefaultTrailerMagic,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("stream_session", s.id.String())

	pool, err := NewPool(poolCapacity, s.bufSize)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.deliver = make(chan *Payload, s.deliveryDepth)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.eg, ctx = errgroup.WithContext(ctx)
	s.eg.Go(func() error {
		defer close(s.deliver)
		return s.run(ctx)
	})
	s.log.Debug("stream session started", "pool_capacity", poolCapacity, "buf_size", s.bufSize)
	return s, nil
}

// ID returns the session's identity, stamped on its log records.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Receiver returns the consuming end of the delivery channel.
func (s *Session) Receiver() *Receiver {
	return &Receiver{ch: s.deliver}
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Delivered:     s.delivered.Load(),
		Discarded:     s.discarded.Load(),
		FramingErrors: s.framingErrors.Load(),
	}
}

// Close stops acquisition. A partially received block is abandoned and its
// buffer returned; blocked receivers observe ErrClosed once the channel
// drains. Close is idempotent.
func (s *Session) Close() error {
	s.cancel()
	err := s.eg.Wait()
	err = multierr.Append(err, s.tr.Close())
	s.log.Debug("stream session closed",
		"delivered", s.delivered.Load(), "discarded", s.discarded.Load())
	return err
}

// block is the in-progress reassembly of one leader/payload/trailer
// sequence.
type block struct {
	leader Leader
	buf    []byte
	filled int

	// dropping is set when the declared payload exceeds the buffer size;
	// chunks are counted but not stored, and the block discards on its
	// trailer.
	dropping bool
}

// run is the acquisition loop: a segment-driven state machine moving each
// block through AWAITING_LEADER -> RECEIVING_PAYLOAD -> AWAITING_TRAILER.
func (s *Session) run(ctx context.Context) error {
	state := stateAwaitingLeader
	var cur *block
	var lastBlockID uint64
	var haveBlock bool

	defer func() {
		if cur != nil && cur.buf != nil {
			s.pool.Release(cur.buf)
		}
	}()

	for {
		seg, err := s.tr.Read(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			s.log.Debug("end of stream", "state", state)
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}
		if len(seg) == 0 {
			continue
		}

		switch state {
		case stateAwaitingLeader:
			state, cur = s.handleLeader(ctx, seg, lastBlockID, haveBlock)
		case stateReceivingPayload:
			state = s.handlePayload(seg, cur)
			if state == stateAwaitingLeader {
				cur = s.abandon(cur)
			}
		case stateAwaitingTrailer:
			var done bool
			state, done = s.handleTrailer(ctx, seg, cur)
			if done {
				lastBlockID = cur.leader.BlockID
				haveBlock = true
				cur = nil
			} else if state == stateAwaitingLeader {
				cur = s.abandon(cur)
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// handleLeader opens a new block. A malformed leader or a regressing block
// ID is a framing error; the stream stays up and the next well-formed leader
// opens the next block.
func (s *Session) handleLeader(ctx context.Context, seg []byte, lastBlockID uint64, haveBlock bool) (string, *block) {
	leader, err := ParseLeader(s.leaderMagic, seg)
	if err != nil {
		s.frameError(&FramingError{Reason: "malformed leader", Err: err})
		return stateAwaitingLeader, nil
	}
	if haveBlock && leader.BlockID < lastBlockID {
		s.frameError(&FramingError{Reason: "block ID regressed"})
		return stateAwaitingLeader, nil
	}

	cur := &block{leader: leader}
	if leader.PayloadSize > uint64(s.pool.BufSize()) {
		s.frameError(&FramingError{Reason: "declared payload exceeds buffer size"})
		cur.dropping = true
	} else {
		buf, err := s.pool.Acquire(ctx)
		if err != nil {
			// Shutdown while waiting for a buffer.
			return stateAwaitingLeader, nil
		}
		cur.buf = buf
	}

	if leader.PayloadSize == 0 {
		return stateAwaitingTrailer, cur
	}
	return stateReceivingPayload, cur
}

// handlePayload appends one chunk. Overrunning the declared size is a
// framing error that abandons the block.
func (s *Session) handlePayload(seg []byte, cur *block) string {
	if uint64(cur.filled)+uint64(len(seg)) > cur.leader.PayloadSize {
		s.frameError(&FramingError{Reason: "payload overruns declared size"})
		return stateAwaitingLeader
	}
	if !cur.dropping {
		copy(cur.buf[cur.filled:], seg)
	}
	cur.filled += len(seg)
	if uint64(cur.filled) == cur.leader.PayloadSize {
		return stateAwaitingTrailer
	}
	return stateReceivingPayload
}

// handleTrailer validates and completes the block. It reports done=true only
// when a payload was delivered.
func (s *Session) handleTrailer(ctx context.Context, seg []byte, cur *block) (string, bool) {
	trailer, err := ParseTrailer(s.trailerMagic, seg)
	if err != nil {
		s.frameError(&FramingError{Reason: "malformed trailer", Err: err})
		return stateAwaitingLeader, false
	}
	if trailer.BlockID != cur.leader.BlockID {
		s.frameError(&FramingError{Reason: "trailer block ID mismatch"})
		return stateAwaitingLeader, false
	}
	if cur.dropping || trailer.Status != PayloadStatusSuccess {
		s.discarded.Add(1)
		s.log.Debug("block discarded",
			"block_id", trailer.BlockID, "status", trailer.Status.String())
		if cur.buf != nil {
			s.pool.Release(cur.buf)
			cur.buf = nil
		}
		return stateAwaitingLeader, false
	}

	valid := trailer.ValidPayloadSize
	if valid > uint64(cur.filled) {
		s.frameError(&FramingError{Reason: "trailer valid size exceeds received payload"})
		valid = uint64(cur.filled)
	}

	p := &Payload{
		BlockID:   cur.leader.BlockID,
		Type:      cur.leader.Type,
		Timestamp: cur.leader.Timestamp,
		Status:    trailer.Status,
		Info:      cur.leader.Info,
		data:      cur.buf[:valid],
		buf:       cur.buf,
		pool:      s.pool,
	}
	cur.buf = nil

	select {
	case s.deliver <- p:
		s.delivered.Add(1)
		s.log.Debug("block delivered", "block_id", p.BlockID, "bytes", p.Len())
		return stateAwaitingLeader, true
	case <-ctx.Done():
		p.Return()
		return stateAwaitingLeader, false
	}
}

func (s *Session) abandon(cur *block) *block {
	if cur != nil && cur.buf != nil {
		s.pool.Release(cur.buf)
		s.discarded.Add(1)
	}
	return nil
}

func (s *Session) frameError(fe *FramingError) {
	s.framingErrors.Add(1)
	s.log.Warn("framing error", "reason", fe.Reason, "err", fe.Err)
	if s.onFrameError != nil {
		s.onFrameError(fe)
	}
}
