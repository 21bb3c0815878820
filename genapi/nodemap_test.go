package genapi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"
)

// testPort is a register space that counts accesses, so tests can assert on
// cache behavior.
type testPort struct {
	mem    []byte
	reads  int
	writes int
}

func newTestPort() *testPort {
	return &testPort{mem: make([]byte, 256)}
}

func (p *testPort) Read(_ context.Context, address uint64, length int) ([]byte, error) {
	p.reads++
	if int(address)+length > len(p.mem) {
		return nil, fmt.Errorf("read out of range at 0x%x", address)
	}
	out := make([]byte, length)
	copy(out, p.mem[address:])
	return out, nil
}

func (p *testPort) Write(_ context.Context, address uint64, data []byte) error {
	p.writes++
	if int(address)+len(data) > len(p.mem) {
		return fmt.Errorf("write out of range at 0x%x", address)
	}
	copy(p.mem[address:], data)
	return nil
}

func (p *testPort) setU32(address uint64, v uint32) {
	binary.LittleEndian.PutUint32(p.mem[address:], v)
}

func (p *testPort) u32(address uint64) uint32 {
	return binary.LittleEndian.Uint32(p.mem[address:])
}

func intReg(address string) *RegisterSpec {
	return &RegisterSpec{Address: address, Length: 4, Cacheable: true}
}

func TestBuildValidation(t *testing.T) {
	t.Run("duplicate name", func(t *testing.T) {
		c := int64(1)
		_, err := NewBuilder().
			Integer(IntegerNode{Name: "A", Access: RO(), Const: &c}).
			Integer(IntegerNode{Name: "A", Access: RO(), Const: &c}).
			Build(newTestPort())
		assert.Error(t, err)
		assert.IsError(t, err, ErrNodeAlreadyExists)
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, err := NewBuilder().
			Integer(IntegerNode{Name: "A", Access: RO(), Formula: "Ghost + 1"}).
			Build(newTestPort())
		assert.Error(t, err)
		assert.IsError(t, err, ErrUnknownReference)
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := NewBuilder().
			Integer(IntegerNode{Name: "A", Access: RO(), Formula: "B + 1"}).
			Integer(IntegerNode{Name: "B", Access: RO(), Formula: "A + 1"}).
			Build(newTestPort())
		assert.Error(t, err)
		var cerr *CycleError
		assert.True(t, errors.As(err, &cerr))
	})

	t.Run("self cycle", func(t *testing.T) {
		_, err := NewBuilder().
			Integer(IntegerNode{Name: "A", Access: RO(), Formula: "A * 2"}).
			Build(newTestPort())
		assert.Error(t, err)
		var cerr *CycleError
		assert.True(t, errors.As(err, &cerr))
	})

	t.Run("conflicting value sources", func(t *testing.T) {
		c := int64(1)
		_, err := NewBuilder().
			Integer(IntegerNode{Name: "A", Access: RO(), Const: &c, Formula: "2"}).
			Build(newTestPort())
		assert.Error(t, err)
		assert.IsError(t, err, ErrInvalidNode)
	})

	t.Run("errors aggregate", func(t *testing.T) {
		c := int64(1)
		_, err := NewBuilder().
			Integer(IntegerNode{Name: "A", Access: RO(), Const: &c}).
			Integer(IntegerNode{Name: "A", Access: RO(), Const: &c}).
			Integer(IntegerNode{Name: "B", Access: RO(), Formula: "Ghost"}).
			Build(newTestPort())
		assert.Error(t, err)
		assert.IsError(t, err, ErrNodeAlreadyExists)
		assert.IsError(t, err, ErrUnknownReference)
	})
}

func TestIntegerRegister(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()
	base := int64(0x10)

	m, err := NewBuilder().
		Integer(IntegerNode{Name: "Base", Access: RO(), Const: &base}).
		Integer(IntegerNode{Name: "Width", Access: RW(), Register: intReg("Base + 0x4")}).
		Build(port)
	assert.NoError(t, err)

	node, err := m.Node("Width")
	assert.NoError(t, err)
	width, err := node.AsInteger()
	assert.NoError(t, err)

	t.Run("write read round trip", func(t *testing.T) {
		assert.NoError(t, width.Write(ctx, 640))
		assert.Equal(t, uint32(640), port.u32(0x14))

		got, err := width.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(640), got)
	})

	t.Run("second read served from cache", func(t *testing.T) {
		before := port.reads
		got, err := width.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(640), got)
		assert.Equal(t, before, port.reads)
	})

	t.Run("wrong kind conversion", func(t *testing.T) {
		_, err := node.AsFloat()
		assert.IsError(t, err, ErrWrongKind)
	})

	t.Run("unknown node", func(t *testing.T) {
		_, err := m.Node("Ghost")
		assert.IsError(t, err, ErrNodeNotFound)
	})
}

func TestCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()
	port.setU32(0x00, 10)

	m, err := NewBuilder().
		Integer(IntegerNode{Name: "Width", Access: RW(), Register: intReg("0x0")}).
		Integer(IntegerNode{Name: "Stride", Access: RO(), Formula: "Width * 2"}).
		Integer(IntegerNode{Name: "FrameSize", Access: RO(), Formula: "Stride * 4"}).
		Build(port)
	assert.NoError(t, err)

	width := mustInt(t, m, "Width")
	stride := mustInt(t, m, "Stride")
	frameSize := mustInt(t, m, "FrameSize")

	got, err := stride.Read(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(20), got)

	t.Run("cached value survives out of band device change", func(t *testing.T) {
		port.setU32(0x00, 99)
		got, err := stride.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(20), got)
	})

	t.Run("write invalidates transitive dependents", func(t *testing.T) {
		assert.NoError(t, width.Write(ctx, 7))

		got, err := stride.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(14), got)

		got, err = frameSize.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(56), got)
	})

	t.Run("explicit invalidate forces re-read", func(t *testing.T) {
		port.setU32(0x00, 3)
		assert.NoError(t, m.Invalidate("Width"))

		got, err := frameSize.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(24), got)
	})

	t.Run("invalidate all", func(t *testing.T) {
		port.setU32(0x00, 5)
		m.InvalidateAll()

		got, err := stride.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(10), got)
	})
}

func TestVolatileRegisterNeverCached(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()
	port.setU32(0x20, 1)

	m, err := NewBuilder().
		Integer(IntegerNode{Name: "Status", Access: RO(), Register: &RegisterSpec{
			Address: "0x20", Length: 4, Cacheable: false,
		}}).
		Build(port)
	assert.NoError(t, err)

	status := mustInt(t, m, "Status")

	got, err := status.Read(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), got)

	port.setU32(0x20, 2)
	got, err = status.Read(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestVolatilityPropagatesToDerivedNodes(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()
	port.setU32(0x20, 1)
	port.setU32(0x24, 3)

	m, err := NewBuilder().
		Integer(IntegerNode{Name: "Status", Access: RO(), Register: &RegisterSpec{
			Address: "0x20", Length: 4, Cacheable: false,
		}}).
		Integer(IntegerNode{Name: "Scale", Access: RO(), Register: intReg("0x24")}).
		Integer(IntegerNode{Name: "Derived", Access: RO(), Formula: "Status * 10"}).
		Integer(IntegerNode{Name: "Chained", Access: RO(), Formula: "Derived + 1"}).
		Integer(IntegerNode{Name: "Stable", Access: RO(), Formula: "Scale * 10"}).
		Build(port)
	assert.NoError(t, err)

	derived := mustInt(t, m, "Derived")
	chained := mustInt(t, m, "Chained")
	stable := mustInt(t, m, "Stable")

	t.Run("formula over a volatile register tracks the device", func(t *testing.T) {
		got, err := derived.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(10), got)

		port.setU32(0x20, 2)
		got, err = derived.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(20), got)
	})

	t.Run("volatility is transitive", func(t *testing.T) {
		got, err := chained.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(21), got)

		port.setU32(0x20, 5)
		got, err = chained.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(51), got)
	})

	t.Run("formula over a cacheable register still caches", func(t *testing.T) {
		got, err := stable.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(30), got)

		before := port.reads
		got, err = stable.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(30), got)
		assert.Equal(t, before, port.reads)
	})
}

func TestAccessModes(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()

	m, err := NewBuilder().
		Integer(IntegerNode{Name: "Lock", Access: RW(), Register: intReg("0x0")}).
		Integer(IntegerNode{Name: "Gain", Access: AccessSpec{Mode: AccessReadWrite, LockedWhen: "Lock == 1"}, Register: intReg("0x4")}).
		Integer(IntegerNode{Name: "Hidden", Access: AccessSpec{Mode: AccessReadWrite, AvailableWhen: "Lock == 0"}, Register: intReg("0x8")}).
		Integer(IntegerNode{Name: "Counter", Access: RO(), Register: intReg("0xc")}).
		Integer(IntegerNode{Name: "Trigger", Access: WO(), Register: intReg("0x10")}).
		Build(port)
	assert.NoError(t, err)

	lock := mustInt(t, m, "Lock")
	gain := mustInt(t, m, "Gain")
	counter := mustInt(t, m, "Counter")
	trigger := mustInt(t, m, "Trigger")

	t.Run("read only rejects write", func(t *testing.T) {
		assert.IsError(t, counter.Write(ctx, 1), ErrAccessDenied)
	})

	t.Run("write only rejects read", func(t *testing.T) {
		_, err := trigger.Read(ctx)
		assert.IsError(t, err, ErrAccessDenied)
	})

	t.Run("locked node degrades to read only", func(t *testing.T) {
		assert.NoError(t, lock.Write(ctx, 1))
		assert.Equal(t, AccessReadOnly, m.AccessMode(ctx, "Gain"))
		assert.IsError(t, gain.Write(ctx, 5), ErrAccessDenied)

		assert.NoError(t, lock.Write(ctx, 0))
		assert.Equal(t, AccessReadWrite, m.AccessMode(ctx, "Gain"))
		assert.NoError(t, gain.Write(ctx, 5))
	})

	t.Run("unavailable node is not implemented", func(t *testing.T) {
		assert.NoError(t, lock.Write(ctx, 1))
		assert.Equal(t, AccessNotImplemented, m.AccessMode(ctx, "Hidden"))

		assert.NoError(t, lock.Write(ctx, 0))
		assert.Equal(t, AccessReadWrite, m.AccessMode(ctx, "Hidden"))
	})

	t.Run("unknown name resolves without failing", func(t *testing.T) {
		assert.Equal(t, AccessNotImplemented, m.AccessMode(ctx, "Ghost"))
	})
}

func TestIntegerRange(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()

	m, err := NewBuilder().
		Integer(IntegerNode{Name: "Exposure", Access: RW(), Register: intReg("0x0"),
			Min: "8", Max: "1000", Inc: "4"}).
		Build(port)
	assert.NoError(t, err)

	exposure := mustInt(t, m, "Exposure")

	t.Run("limits resolve", func(t *testing.T) {
		min, err := exposure.Min(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(8), min)

		max, err := exposure.Max(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(1000), max)

		inc, err := exposure.Inc(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(4), inc)
	})

	t.Run("below min", func(t *testing.T) {
		err := exposure.Write(ctx, 4)
		var rerr *RangeError
		assert.True(t, errors.As(err, &rerr))
	})

	t.Run("above max", func(t *testing.T) {
		err := exposure.Write(ctx, 1004)
		var rerr *RangeError
		assert.True(t, errors.As(err, &rerr))
	})

	t.Run("off increment", func(t *testing.T) {
		err := exposure.Write(ctx, 10)
		var rerr *RangeError
		assert.True(t, errors.As(err, &rerr))
	})

	t.Run("aligned value accepted", func(t *testing.T) {
		assert.NoError(t, exposure.Write(ctx, 16))
		got, err := exposure.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(16), got)
	})
}

func TestEnumeration(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()

	m, err := NewBuilder().
		Enumeration(EnumerationNode{
			Name:   "PixelFormat",
			Access: RW(),
			Entries: []EnumEntry{
				{Name: "Mono8", Value: 0x01080001},
				{Name: "Mono16", Value: 0x01100007},
			},
			Register: intReg("0x0"),
		}).
		Build(port)
	assert.NoError(t, err)

	node, err := m.Node("PixelFormat")
	assert.NoError(t, err)
	pf, err := node.AsEnumeration()
	assert.NoError(t, err)

	t.Run("entries in declaration order", func(t *testing.T) {
		entries := pf.Entries()
		assert.Equal(t, 2, len(entries))
		assert.Equal(t, "Mono8", entries[0].Name)
		assert.Equal(t, "Mono16", entries[1].Name)
	})

	t.Run("symbolic write and read", func(t *testing.T) {
		assert.NoError(t, pf.Write(ctx, "Mono16"))
		assert.Equal(t, uint32(0x01100007), port.u32(0x0))

		entry, err := pf.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, "Mono16", entry.Name)
	})

	t.Run("unknown entry name", func(t *testing.T) {
		assert.IsError(t, pf.Write(ctx, "Mono12"), ErrUnknownEnumEntry)
	})

	t.Run("unmapped device value surfaces raw code", func(t *testing.T) {
		port.setU32(0x0, 0x99)
		m.InvalidateAll()

		_, err := pf.Read(ctx)
		var verr *InvalidEnumValueError
		assert.True(t, errors.As(err, &verr))
		assert.Equal(t, int64(0x99), verr.Value)
	})
}

func TestCommand(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()

	m, err := NewBuilder().
		Command(CommandNode{
			Name:         "AcquisitionStart",
			Access:       WO(),
			Register:     &RegisterSpec{Address: "0x40", Length: 4},
			CommandValue: 1,
			PollOnDone:   true,
		}).
		Command(CommandNode{
			Name:         "DeviceReset",
			Access:       WO(),
			Register:     &RegisterSpec{Address: "0x44", Length: 4},
			CommandValue: 1,
		}).
		Build(port)
	assert.NoError(t, err)

	start := mustCommand(t, m, "AcquisitionStart")
	reset := mustCommand(t, m, "DeviceReset")

	t.Run("execute writes command value", func(t *testing.T) {
		assert.NoError(t, start.Execute(ctx))
		assert.Equal(t, uint32(1), port.u32(0x40))
	})

	t.Run("pending until register self-clears", func(t *testing.T) {
		done, err := start.IsDone(ctx)
		assert.NoError(t, err)
		assert.False(t, done)

		port.setU32(0x40, 0)
		done, err = start.IsDone(ctx)
		assert.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("non polling command is immediately done", func(t *testing.T) {
		assert.NoError(t, reset.Execute(ctx))
		done, err := reset.IsDone(ctx)
		assert.NoError(t, err)
		assert.True(t, done)
	})
}

func TestMaskedInteger(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()
	port.setU32(0x50, 0xFFFF0100)

	m, err := NewBuilder().
		Integer(IntegerNode{Name: "GainRaw", Access: RW(), Register: &RegisterSpec{
			Address: "0x50", Length: 4, Mask: &BitRange{LSB: 0, MSB: 7}, Cacheable: true,
		}}).
		Build(port)
	assert.NoError(t, err)

	gain := mustInt(t, m, "GainRaw")

	t.Run("read extracts the field", func(t *testing.T) {
		got, err := gain.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), got)
	})

	t.Run("write preserves surrounding bits", func(t *testing.T) {
		assert.NoError(t, gain.Write(ctx, 0xAB))
		assert.Equal(t, uint32(0xFFFF01AB), port.u32(0x50))

		got, err := gain.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(0xAB), got)
	})
}

func TestStringNode(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()

	vendor := "ACME Vision"
	m, err := NewBuilder().
		String(StringNode{Name: "VendorName", Access: RO(), Const: &vendor}).
		String(StringNode{Name: "UserID", Access: RW(), Register: &RegisterSpec{
			Address: "0x60", Length: 8, Cacheable: true,
		}}).
		Build(port)
	assert.NoError(t, err)

	t.Run("const string", func(t *testing.T) {
		s := mustString(t, m, "VendorName")
		got, err := s.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, "ACME Vision", got)
	})

	t.Run("register string round trip", func(t *testing.T) {
		s := mustString(t, m, "UserID")
		assert.NoError(t, s.Write(ctx, "cam0"))
		assert.Equal(t, []byte("cam0\x00\x00\x00\x00"), port.mem[0x60:0x68])

		got, err := s.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, "cam0", got)
	})

	t.Run("oversized string rejected", func(t *testing.T) {
		s := mustString(t, m, "UserID")
		assert.Error(t, s.Write(ctx, "name-too-long"))
	})
}

func TestFloatNode(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()

	m, err := NewBuilder().
		Float(FloatNode{Name: "Gamma", Access: RW(), Register: &RegisterSpec{
			Address: "0x70", Length: 8, Cacheable: true,
		}, Min: "0.0", Max: "4.0"}).
		Build(port)
	assert.NoError(t, err)

	node, err := m.Node("Gamma")
	assert.NoError(t, err)
	gamma, err := node.AsFloat()
	assert.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		assert.NoError(t, gamma.Write(ctx, 2.25))
		got, err := gamma.Read(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 2.25, got)
	})

	t.Run("out of range", func(t *testing.T) {
		err := gamma.Write(ctx, 5.5)
		var rerr *RangeError
		assert.True(t, errors.As(err, &rerr))
	})
}

func TestRegisterNode(t *testing.T) {
	ctx := context.Background()
	port := newTestPort()

	m, err := NewBuilder().
		Register(RegisterNode{Name: "LUT", Access: RW(), Register: &RegisterSpec{
			Address: "0x80", Length: 4,
		}}).
		Build(port)
	assert.NoError(t, err)

	node, err := m.Node("LUT")
	assert.NoError(t, err)
	lut, err := node.AsRegister()
	assert.NoError(t, err)

	assert.Equal(t, 4, lut.Length())
	assert.NoError(t, lut.Write(ctx, []byte{1, 2, 3, 4}))

	got, err := lut.Read(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	assert.Error(t, lut.Write(ctx, []byte{1, 2}))
}

func TestCategory(t *testing.T) {
	port := newTestPort()
	c := int64(1)

	m, err := NewBuilder().
		Integer(IntegerNode{Name: "Width", Access: RO(), Const: &c}).
		Integer(IntegerNode{Name: "Height", Access: RO(), Const: &c}).
		Category(CategoryNode{Name: "ImageFormat", Features: []string{"Width", "Height"}}).
		Build(port)
	assert.NoError(t, err)

	node, err := m.Node("ImageFormat")
	assert.NoError(t, err)
	cat, err := node.AsCategory()
	assert.NoError(t, err)

	features := cat.Features()
	assert.Equal(t, 2, len(features))
	assert.Equal(t, "Width", features[0].Name())
	assert.Equal(t, "Height", features[1].Name())

	assert.Equal(t, []string{"Height", "ImageFormat", "Width"}, m.Names())
}

func mustInt(t *testing.T, m *NodeMap, name string) IntegerHandle {
	t.Helper()
	node, err := m.Node(name)
	assert.NoError(t, err)
	h, err := node.AsInteger()
	assert.NoError(t, err)
	return h
}

func mustCommand(t *testing.T, m *NodeMap, name string) CommandHandle {
	t.Helper()
	node, err := m.Node(name)
	assert.NoError(t, err)
	h, err := node.AsCommand()
	assert.NoError(t, err)
	return h
}

func mustString(t *testing.T, m *NodeMap, name string) StringHandle {
	t.Helper()
	node, err := m.Node(name)
	assert.NoError(t, err)
	h, err := node.AsString()
	assert.NoError(t, err)
	return h
}
