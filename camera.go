// Package gencam is a machine-vision camera library: a feature node map
// evaluated over device registers, a serialized control transaction channel,
// and block-structured payload streaming with pooled buffers.
//
// The subpackages are usable on their own; Camera ties one control transport
// and one stream transport together behind a single handle.
package gencam

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/gencam/gencam/genapi"
	"github.com/gencam/gencam/gencp"
	"github.com/gencam/gencam/stream"
)

var (
	// ErrAlreadyStreaming is returned by StartStreaming while a session is
	// active.
	ErrAlreadyStreaming = errors.New("gencam: streaming already started")

	// ErrNotStreaming is returned by StopStreaming with no active session.
	ErrNotStreaming = errors.New("gencam: streaming not started")

	// ErrCameraClosed is returned for operations on a closed camera.
	ErrCameraClosed = errors.New("gencam: camera closed")
)

// Camera is one device: its feature node map reached over the control
// channel, and its data stream.
type Camera struct {
	log        *slog.Logger
	ctrlOpts   []gencp.Option
	streamOpts []stream.SessionOption

	ch *gencp.Channel
	nm *genapi.NodeMap

	mu      sync.Mutex
	dataTr  stream.Transport
	session *stream.Session
	closed  bool
}

// New opens a camera over a control transport and a stream transport,
// building the feature node map described by desc against the device's
// registers.
func New(ctrl gencp.Transport, data stream.Transport, desc *genapi.Builder, opts ...Option) (*Camera, error) {
	c := &Camera{
		log:    NullLogger(),
		dataTr: data,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ch = gencp.NewChannel(ctrl, append([]gencp.Option{gencp.WithChannelLogger(c.log)}, c.ctrlOpts...)...)

	nm, err := desc.Build(gencp.NewRemotePort(c.ch), genapi.WithLogger(c.log))
	if err != nil {
		cerr := c.ch.Close()
		return nil, multierr.Append(err, cerr)
	}
	c.nm = nm

	c.log.Debug("camera opened", "features", len(nm.Names()))
	return c, nil
}

// NodeMap returns the camera's feature node map.
func (c *Camera) NodeMap() *genapi.NodeMap {
	return c.nm
}

// Control returns the underlying control channel, for raw register access
// beside the node map.
func (c *Camera) Control() *gencp.Channel {
	return c.ch
}

// StartStreaming begins payload acquisition with a pool of poolCapacity
// buffers and returns the receiving end. One session at a time.
func (c *Camera) StartStreaming(poolCapacity int) (*stream.Receiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCameraClosed
	}
	if c.session != nil {
		return nil, ErrAlreadyStreaming
	}

	opts := append([]stream.SessionOption{stream.WithSessionLogger(c.log)}, c.streamOpts...)
	session, err := stream.NewSession(c.dataTr, poolCapacity, opts...)
	if err != nil {
		return nil, err
	}
	c.session = session
	return session.Receiver(), nil
}

// StopStreaming ends the active acquisition session. Pending receivers
// observe closure once delivered payloads drain.
func (c *Camera) StopStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ErrNotStreaming
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// StreamStats returns the active session's counters, or zeroes with no
// session running.
func (c *Camera) StreamStats() stream.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return stream.Stats{}
	}
	return c.session.Stats()
}

// Close releases the camera: any active stream session stops and the
// control channel shuts down, failing in-flight transactions. Errors from
// both layers are aggregated.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if c.session != nil {
		// The session owns the transport and closes it.
		err = multierr.Append(err, c.session.Close())
		c.session = nil
	} else {
		err = multierr.Append(err, c.dataTr.Close())
	}
	err = multierr.Append(err, c.ch.Close())
	c.log.Debug("camera closed")
	return err
}

// Execute runs a command feature and polls its completion flag until done or
// the context ends, a convenience over the node map's command handle.
func (c *Camera) Execute(ctx context.Context, name string) error {
	node, err := c.nm.Node(name)
	if err != nil {
		return err
	}
	cmd, err := node.AsCommand()
	if err != nil {
		return err
	}
	if err := cmd.Execute(ctx); err != nil {
		return err
	}
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		done, err := cmd.IsDone(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
