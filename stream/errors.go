package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by receive operations once the session has shut
	// down and all delivered payloads have been drained.
	ErrClosed = errors.New("stream: session closed")

	// ErrWouldBlock is returned by TryRecv when no payload is ready.
	ErrWouldBlock = errors.New("stream: no payload ready")
)

// FramingError reports a malformed or inconsistent record in the stream.
// The current block is abandoned but the session keeps running; framing
// errors are observable through the session's error callback and counters.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream: framing error: %s: %v", e.Reason, e.Err)
	}
	return "stream: framing error: " + e.Reason
}

func (e *FramingError) Unwrap() error {
	return e.Err
}
