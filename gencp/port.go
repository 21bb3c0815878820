package gencp

import "context"

// RemotePort exposes the transaction layer as byte-addressed register
// access. It satisfies the node map's Port interface, bridging feature reads
// and writes onto control transactions.
type RemotePort struct {
	ch *Channel
}

// NewRemotePort wraps a Channel.
func NewRemotePort(ch *Channel) *RemotePort {
	return &RemotePort{ch: ch}
}

// Read reads length bytes of device memory at address.
func (p *RemotePort) Read(ctx context.Context, address uint64, length int) ([]byte, error) {
	return p.ch.ReadMem(ctx, address, length)
}

// Write writes data to device memory at address.
func (p *RemotePort) Write(ctx context.Context, address uint64, data []byte) error {
	return p.ch.WriteMem(ctx, address, data)
}
