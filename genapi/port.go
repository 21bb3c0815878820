package genapi

import "context"

// Port is byte-addressed access to a device's register space. The control
// channel's transaction layer provides the transport-backed implementation;
// an in-memory implementation serves tests and emulation.
//
// Implementations must be safe for concurrent logical callers but may
// serialize physical access internally.
type Port interface {
	Read(ctx context.Context, address uint64, length int) ([]byte, error)
	Write(ctx context.Context, address uint64, data []byte) error
}
