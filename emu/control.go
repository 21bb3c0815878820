package emu

import (
	"context"
	"errors"
	"sync"

	"github.com/gencam/gencam/gencp"
)

// ControlTransport is a loopback command transport: each sent command is
// parsed, executed against a Memory and acknowledged in order. Behavior can
// be scripted per command for exercising the retry and pending-ack paths.
type ControlTransport struct {
	mu  sync.Mutex
	mem *Memory

	dropNext    int
	rejectNext  []gencp.StatusCode
	pendingNext int
	pendingMS   uint16
	sent        int

	acks   chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewControlTransport wraps a register space in a loopback command pipe.
func NewControlTransport(mem *Memory) *ControlTransport {
	return &ControlTransport{
		mem:    mem,
		acks:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

// DropNext swallows the next n commands without acknowledging, forcing the
// transaction layer into its timeout path.
func (t *ControlTransport) DropNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropNext = n
}

// RejectNext answers the next commands with the given error statuses, in
// order, instead of executing them.
func (t *ControlTransport) RejectNext(codes ...gencp.StatusCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejectNext = append(t.rejectNext, codes...)
}

// PendingNext precedes each of the next n acks with a pending ack suggesting
// a waitMS-millisecond wait.
func (t *ControlTransport) PendingNext(n int, waitMS uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingNext = n
	t.pendingMS = waitMS
}

// Sent returns how many command packets have arrived, dropped ones included.
// Tests use it to pin down retry counts.
func (t *ControlTransport) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// Send executes one command packet and queues its ack.
func (t *ControlTransport) Send(ctx context.Context, packet []byte) error {
	select {
	case <-t.closed:
		return gencp.ErrClosed
	default:
	}

	cmd, err := gencp.ParseCommand(packet)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sent++
	if t.dropNext > 0 {
		t.dropNext--
		t.mu.Unlock()
		return nil
	}
	if t.pendingNext > 0 {
		t.pendingNext--
		t.queueLocked(gencp.PendingAckOf(cmd.RequestID, t.pendingMS))
	}
	if len(t.rejectNext) > 0 {
		code := t.rejectNext[0]
		t.rejectNext = t.rejectNext[1:]
		t.queueLocked(gencp.ErrorAckOf(cmd.RequestID, ackKindOf(cmd.Kind), code))
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.queue(t.execute(ctx, cmd))
	return nil
}

func ackKindOf(kind gencp.ScdKind) gencp.ScdKind {
	if kind == gencp.ScdWriteMemCmd {
		return gencp.ScdWriteMemAck
	}
	return gencp.ScdReadMemAck
}

func (t *ControlTransport) execute(ctx context.Context, cmd gencp.Command) gencp.Ack {
	switch cmd.Kind {
	case gencp.ScdReadMemCmd:
		data, err := t.mem.Read(ctx, cmd.Address, int(cmd.ReadLength))
		if err != nil {
			return gencp.ErrorAckOf(cmd.RequestID, gencp.ScdReadMemAck, statusOf(err))
		}
		return gencp.ReadMemAckOf(cmd.RequestID, data)
	case gencp.ScdWriteMemCmd:
		if err := t.mem.Write(ctx, cmd.Address, cmd.Data); err != nil {
			return gencp.ErrorAckOf(cmd.RequestID, gencp.ScdWriteMemAck, statusOf(err))
		}
		return gencp.WriteMemAckOf(cmd.RequestID, uint16(len(cmd.Data)))
	}
	return gencp.ErrorAckOf(cmd.RequestID, cmd.Kind, gencp.StatusNotImplemented)
}

func statusOf(err error) gencp.StatusCode {
	switch {
	case errors.Is(err, ErrOutOfRange):
		return gencp.StatusInvalidAddress
	case errors.Is(err, ErrWriteProtected):
		return gencp.StatusWriteProtect
	}
	return gencp.StatusInvalidParameter
}

func (t *ControlTransport) queue(ack gencp.Ack) {
	buf := make([]byte, ack.EncodedLen())
	n, err := ack.Encode(buf)
	if err != nil {
		panic(err)
	}
	select {
	case t.acks <- buf[:n]:
	case <-t.closed:
	}
}

func (t *ControlTransport) queueLocked(ack gencp.Ack) {
	buf := make([]byte, ack.EncodedLen())
	n, err := ack.Encode(buf)
	if err != nil {
		panic(err)
	}
	select {
	case t.acks <- buf[:n]:
	default:
		panic("emu: ack queue overflow")
	}
}

// Recv delivers the next queued ack into buf, waiting until the context
// deadline.
func (t *ControlTransport) Recv(ctx context.Context, buf []byte) (int, error) {
	select {
	case ack := <-t.acks:
		if len(buf) < len(ack) {
			return 0, errors.New("emu: ack receive buffer too small")
		}
		return copy(buf, ack), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.closed:
		return 0, gencp.ErrClosed
	}
}

// Close shuts the loopback pipe.
func (t *ControlTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
	})
	return nil
}
