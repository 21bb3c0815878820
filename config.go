package gencam

import (
	"log/slog"

	"github.com/gencam/gencam/gencp"
	"github.com/gencam/gencam/stream"
)

// Option is a function that configures a Camera
type Option func(*Camera)

// WithLog sets the logger for the camera
var WithLog = func(log *slog.Logger) Option {
	return func(c *Camera) {
		c.log = log
	}
}

// WithControlOptions forwards options to the control channel
var WithControlOptions = func(opts ...gencp.Option) Option {
	return func(c *Camera) {
		c.ctrlOpts = append(c.ctrlOpts, opts...)
	}
}

// WithStreamOptions forwards options to each streaming session
var WithStreamOptions = func(opts ...stream.SessionOption) Option {
	return func(c *Camera) {
		c.streamOpts = append(c.streamOpts, opts...)
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write([]byte) (int, error) { return 0, nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
