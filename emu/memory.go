// Package emu provides a software device: an in-memory register space, a
// loopback control transport speaking the command protocol against it, and a
// scripted stream transport emitting leader/payload/trailer blocks. It backs
// tests and lets applications run without hardware attached.
package emu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfRange is wrapped by accesses outside the register space.
	ErrOutOfRange = errors.New("emu: address out of range")

	// ErrWriteProtected is wrapped by writes overlapping a protected range.
	ErrWriteProtected = errors.New("emu: write protected")
)

// Memory is a byte-addressed register space. It serves the loopback control
// transport and also satisfies the node map's port interface directly, so a
// node map can run against it with no protocol layer in between.
type Memory struct {
	mu        sync.Mutex
	data      []byte
	protected []addrRange
}

type addrRange struct {
	start uint64
	end   uint64
}

// NewMemory allocates a zeroed register space of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{data: make([]byte, size)}
}

// Size returns the register space size in bytes.
func (m *Memory) Size() int {
	return len(m.data)
}

// Protect marks [address, address+length) write-protected. Writes overlapping
// a protected range fail.
func (m *Memory) Protect(address uint64, length int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protected = append(m.protected, addrRange{start: address, end: address + uint64(length)})
}

func (m *Memory) checkRange(address uint64, length int) error {
	if length < 0 || address > uint64(len(m.data)) || uint64(length) > uint64(len(m.data))-address {
		return fmt.Errorf("%w: [0x%x, +%d) in space of %d bytes", ErrOutOfRange, address, length, len(m.data))
	}
	return nil
}

func (m *Memory) writeProtected(address uint64, length int) bool {
	end := address + uint64(length)
	for _, r := range m.protected {
		if address < r.end && end > r.start {
			return true
		}
	}
	return false
}

// Read copies length bytes at address.
func (m *Memory) Read(_ context.Context, address uint64, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRange(address, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, m.data[address:])
	return out, nil
}

// Write copies data to address.
func (m *Memory) Write(_ context.Context, address uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRange(address, len(data)); err != nil {
		return err
	}
	if m.writeProtected(address, len(data)) {
		return fmt.Errorf("%w: at 0x%x", ErrWriteProtected, address)
	}
	copy(m.data[address:], data)
	return nil
}

// Peek reads without a context, for test setup and assertions.
func (m *Memory) Peek(address uint64, length int) []byte {
	out, err := m.Read(context.Background(), address, length)
	if err != nil {
		panic(err)
	}
	return out
}

// Poke writes raw bytes ignoring write protection, for test setup.
func (m *Memory) Poke(address uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRange(address, len(data)); err != nil {
		panic(err)
	}
	copy(m.data[address:], data)
}

// PokeUint writes an unsigned little-endian integer of the given byte length,
// for test setup.
func (m *Memory) PokeUint(address uint64, length int, value uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	m.Poke(address, buf[:length])
}
