package gencp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Transport is one reliable command pipe to a device. Send writes one
// command packet; Recv reads one ack packet into buf, honoring the context
// deadline and reporting deadline expiry with context.DeadlineExceeded (or
// os.ErrDeadlineExceeded). Closure must surface as an error distinct from a
// deadline.
type Transport interface {
	Send(ctx context.Context, packet []byte) error
	Recv(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// TransactionState models the lifecycle of one command/ack exchange.
type TransactionState uint8

const (
	// TransactionPending: request sent, ack awaited.
	TransactionPending TransactionState = iota
	// TransactionAcked: response payload available.
	TransactionAcked
	// TransactionTimedOut: no ack within the deadline; retried up to the
	// configured bound before surfacing ErrTimeout.
	TransactionTimedOut
	// TransactionFailed: device reported an error code; never retried.
	TransactionFailed
)

func (s TransactionState) String() string {
	switch s {
	case TransactionPending:
		return "PENDING"
	case TransactionAcked:
		return "ACKED"
	case TransactionTimedOut:
		return "TIMED_OUT"
	case TransactionFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Option configures a Channel.
type Option func(*Channel)

// WithTimeout sets the per-attempt ack deadline.
var WithTimeout = func(d time.Duration) Option {
	return func(c *Channel) {
		c.timeout = d
	}
}

// WithRetryLimit sets how many times a timed-out transaction is resent (with
// the same request ID) before ErrTimeout surfaces. Device/transport specific;
// not a protocol constant.
var WithRetryLimit = func(n int) Option {
	return func(c *Channel) {
		c.retryLimit = n
	}
}

// WithBackOff sets the factory for the pacing policy applied between timeout
// retries. The factory is invoked once per transaction.
var WithBackOff = func(factory func() backoff.BackOff) Option {
	return func(c *Channel) {
		c.newBackOff = factory
	}
}

// WithMaxSegment bounds the byte count of a single read or write command;
// larger accesses are split into multiple transactions.
var WithMaxSegment = func(n int) Option {
	return func(c *Channel) {
		c.maxSegment = n
	}
}

// WithChannelLogger sets the channel's logger.
var WithChannelLogger = func(log *slog.Logger) Option {
	return func(c *Channel) {
		c.log = log
	}
}

// maxSegmentLimit is the largest segment whose write command still fits the
// 16-bit SCD length field (8 address bytes + data).
const maxSegmentLimit = 0xffff - 8

// Channel is the transaction layer over a command Transport. The command
// pipe correlates acks to requests by order, so exactly one transaction may
// be outstanding: callers serialize on an internal mutex.
type Channel struct {
	mu sync.Mutex

	tr  Transport
	log *slog.Logger

	timeout    time.Duration
	retryLimit int
	maxSegment int
	newBackOff func() backoff.BackOff

	nextReqID uint16
	cmdBuf    []byte
	ackBuf    []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannel wraps a Transport in a transaction layer.
func NewChannel(tr Transport, opts ...Option) *Channel {
	c := &Channel{
		tr:         tr,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:    500 * time.Millisecond,
		retryLimit: 3,
		maxSegment: 1024,
		newBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		},
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxSegment < 1 {
		c.maxSegment = 1
	}
	if c.maxSegment > maxSegmentLimit {
		c.maxSegment = maxSegmentLimit
	}
	return c
}

// Close shuts the channel down. In-flight transactions fail with
// ErrCancelled instead of staying pending forever.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.tr.Close()
	})
	return err
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ReadMem reads length bytes at address, splitting into segment-sized
// transactions.
func (c *Channel) ReadMem(ctx context.Context, address uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("gencp: negative read length %d", length)
	}
	out := make([]byte, 0, length)
	for length > 0 {
		n := length
		if n > c.maxSegment {
			n = c.maxSegment
		}
		ack, err := c.transact(ctx, ReadMem(address, uint16(n)))
		if err != nil {
			return nil, err
		}
		if len(ack.Data) != n {
			return nil, fmt.Errorf("gencp: short read ack: got %d bytes, want %d", len(ack.Data), n)
		}
		out = append(out, ack.Data...)
		address += uint64(n)
		length -= n
	}
	return out, nil
}

// WriteMem writes data at address, splitting into segment-sized
// transactions. A successful write transaction carries no payload.
func (c *Channel) WriteMem(ctx context.Context, address uint64, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > c.maxSegment {
			n = c.maxSegment
		}
		if _, err := c.transact(ctx, WriteMem(address, data[:n])); err != nil {
			return err
		}
		address += uint64(n)
		data = data[n:]
	}
	return nil
}

// transact runs one command through the Pending -> Acked/TimedOut/Failed
// state machine, retrying timeouts with the same request ID up to the bound.
func (c *Channel) transact(ctx context.Context, cmd Command) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return Ack{}, ErrClosed
	}

	reqID := c.nextReqID
	c.nextReqID++

	if n := cmd.EncodedLen(); len(c.cmdBuf) < n {
		c.cmdBuf = make([]byte, n)
	}
	if n := cmd.MaxAckLen(); len(c.ackBuf) < n {
		c.ackBuf = make([]byte, n)
	}
	cmdLen, err := cmd.Encode(c.cmdBuf, reqID)
	if err != nil {
		return Ack{}, err
	}
	frame := c.cmdBuf[:cmdLen]

	state := TransactionPending
	bo := c.newBackOff()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			state = TransactionTimedOut
			if attempt > c.retryLimit {
				c.log.Warn("transaction retries exhausted",
					"request_id", reqID, "kind", cmd.Kind.String(), "attempts", attempt)
				return Ack{}, fmt.Errorf("%w: request %d after %d attempts", ErrTimeout, reqID, attempt)
			}
			if err := c.pause(ctx, bo.NextBackOff()); err != nil {
				return Ack{}, err
			}
			c.log.Debug("retrying transaction", "request_id", reqID, "attempt", attempt)
			state = TransactionPending
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		ack, err := c.exchange(attemptCtx, frame, reqID)
		cancel()

		switch {
		case err == nil:
			if !ack.Status.OK() {
				state = TransactionFailed
				c.log.Debug("transaction rejected",
					"request_id", reqID, "status", ack.Status.String(), "state", state.String())
				return Ack{}, &RejectedError{Code: ack.Status}
			}
			state = TransactionAcked
			c.log.Debug("transaction acked", "request_id", reqID, "state", state.String())
			return ack, nil
		case isTimeout(err):
			// Loop: resend with the same request ID.
		case c.isClosed() || ctx.Err() != nil:
			return Ack{}, fmt.Errorf("%w: request %d", ErrCancelled, reqID)
		default:
			return Ack{}, fmt.Errorf("gencp: transport failure on request %d: %w", reqID, err)
		}
	}
}

// exchange sends the frame and receives acks until one matches the request
// ID and is not pending. Pending acks extend the wait as the device asks;
// stale acks from abandoned attempts are skipped.
func (c *Channel) exchange(ctx context.Context, frame []byte, reqID uint16) (Ack, error) {
	if err := c.tr.Send(ctx, frame); err != nil {
		return Ack{}, err
	}

	pendingLeft := c.retryLimit + 1
	for {
		n, err := c.tr.Recv(ctx, c.ackBuf)
		if err != nil {
			return Ack{}, err
		}
		ack, err := ParseAck(c.ackBuf[:n])
		if err != nil {
			return Ack{}, err
		}
		if ack.RequestID != reqID {
			c.log.Debug("skipping stale ack", "got", ack.RequestID, "want", reqID)
			continue
		}
		if ack.Kind == ScdPendingAck {
			pendingLeft--
			if pendingLeft <= 0 {
				return Ack{}, context.DeadlineExceeded
			}
			wait := time.Duration(ack.PendingTimeoutMS) * time.Millisecond
			c.log.Debug("pending ack", "request_id", reqID, "wait", wait)
			if err := c.pause(ctx, wait); err != nil {
				return Ack{}, err
			}
			continue
		}
		return ack, nil
	}
}

func (c *Channel) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-c.closed:
		return ErrCancelled
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
