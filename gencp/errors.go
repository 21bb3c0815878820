package gencp

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is surfaced after the bounded retry budget is exhausted
	// without an ack. It is safe to retry the whole operation.
	ErrTimeout = errors.New("gencp: transaction timed out")

	// ErrCancelled is surfaced when the caller's context is cancelled or
	// the channel is closed while a transaction is in flight.
	ErrCancelled = errors.New("gencp: transaction cancelled")

	// ErrClosed is returned for transactions started on a closed channel.
	ErrClosed = errors.New("gencp: channel closed")
)

// RejectedError is a device-reported error ack. It is never retried; the
// device has answered, the answer is no.
type RejectedError struct {
	Code StatusCode
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gencp: device rejected command: %s", e.Code)
}
