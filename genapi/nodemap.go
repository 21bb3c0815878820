package genapi

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"log/slog"

	"github.com/gencam/gencam/formula"
)

// NodeMap owns the compiled feature nodes of one device and their value
// cache. All access goes through typed handles obtained via Node.
//
// A node map is safe for concurrent use; accesses are serialized, which also
// serializes the underlying control transactions as the transport requires.
type NodeMap struct {
	mu    sync.Mutex
	nodes []*node
	index map[string]int
	cache []cacheEntry
	port  Port
	log   *slog.Logger
}

// cacheEntry memoizes the last evaluation of a node. raw is kept for
// register and string nodes, val for numeric ones.
type cacheEntry struct {
	valid bool
	val   formula.Value
	raw   []byte
}

// Node returns a handle for the named feature.
func (m *NodeMap) Node(name string) (NodeHandle, error) {
	id, ok := m.index[name]
	if !ok {
		return NodeHandle{}, fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	return NodeHandle{m: m, id: id}, nil
}

// Names returns all node names in sorted order.
func (m *NodeMap) Names() []string {
	names := make([]string, 0, len(m.nodes))
	for _, n := range m.nodes {
		names = append(names, n.name)
	}
	slices.Sort(names)
	return names
}

// AccessMode resolves the effective access mode of the named node. Unknown
// names resolve to NotImplemented; resolution itself never fails.
func (m *NodeMap) AccessMode(ctx context.Context, name string) AccessMode {
	id, ok := m.index[name]
	if !ok {
		return AccessNotImplemented
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessModeLocked(ctx, id)
}

// Invalidate drops the cached value of the named node and of every node
// depending on it.
func (m *NodeMap) Invalidate(name string) error {
	id, ok := m.index[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(id)
	return nil
}

// InvalidateAll drops every cached value, forcing re-reads from the device.
func (m *NodeMap) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.cache {
		m.cache[i] = cacheEntry{}
	}
}

func (m *NodeMap) invalidateLocked(id int) {
	for _, nid := range m.nodes[id].invalidates {
		m.cache[nid] = cacheEntry{}
	}
}

func (m *NodeMap) accessModeLocked(ctx context.Context, id int) AccessMode {
	n := m.nodes[id]
	mode := n.access

	if n.availableWhen != nil {
		v, err := n.availableWhen.Eval(m.lookup(ctx))
		if err != nil {
			m.log.Warn("access mode resolution failed", "node", n.name, "error", err)
			return AccessNotImplemented
		}
		if !v.AsBool() {
			return AccessNotImplemented
		}
	}

	if n.lockedWhen != nil {
		v, err := n.lockedWhen.Eval(m.lookup(ctx))
		if err != nil {
			m.log.Warn("access mode resolution failed", "node", n.name, "error", err)
			return AccessNotImplemented
		}
		if v.AsBool() {
			switch mode {
			case AccessReadWrite:
				return AccessReadOnly
			case AccessWriteOnly:
				return AccessNotImplemented
			}
		}
	}

	return mode
}

// lookup adapts the node map into the expression engine's value resolver.
// Referenced nodes are read through the cache, so a formula evaluation pulls
// in dependencies at most once until they are invalidated.
func (m *NodeMap) lookup(ctx context.Context) formula.Lookup {
	return func(name string) (formula.Value, error) {
		id, ok := m.index[name]
		if !ok {
			return formula.Value{}, fmt.Errorf("%w: %q", formula.ErrUnknownIdentifier, name)
		}
		return m.readValueLocked(ctx, id)
	}
}

// readValueLocked returns the node's numeric value, from cache when valid.
func (m *NodeMap) readValueLocked(ctx context.Context, id int) (formula.Value, error) {
	if m.cache[id].valid {
		return m.cache[id].val, nil
	}

	n := m.nodes[id]
	var (
		val formula.Value
		err error
	)
	switch {
	case n.constVal != nil:
		val = *n.constVal
	case n.valueExpr != nil:
		val, err = n.valueExpr.Eval(m.lookup(ctx))
	case n.reg != nil:
		val, err = m.readRegisterValueLocked(ctx, n)
	default:
		return formula.Value{}, fmt.Errorf("%w: %q has no numeric value", ErrWrongKind, n.name)
	}
	if err != nil {
		return formula.Value{}, err
	}

	if !n.volatile {
		m.cache[id] = cacheEntry{valid: true, val: val}
	}
	return val, nil
}

func (m *NodeMap) readRegisterValueLocked(ctx context.Context, n *node) (formula.Value, error) {
	raw, err := m.portReadLocked(ctx, n)
	if err != nil {
		return formula.Value{}, err
	}

	if n.kind == KindFloat {
		f, err := decodeFloat(raw, n.reg.endianness)
		if err != nil {
			return formula.Value{}, fmt.Errorf("node %q: %w", n.name, err)
		}
		return formula.Float64(f), nil
	}

	i, err := decodeInt(raw, n.reg.endianness, n.reg.signed && n.reg.mask == nil)
	if err != nil {
		return formula.Value{}, fmt.Errorf("node %q: %w", n.name, err)
	}
	if n.reg.mask != nil {
		i = maskExtract(i, n.reg.mask, n.reg.signed)
	}
	return formula.Int64(i), nil
}

// portReadLocked computes the register address and reads its bytes.
func (m *NodeMap) portReadLocked(ctx context.Context, n *node) ([]byte, error) {
	addr, err := m.registerAddressLocked(ctx, n)
	if err != nil {
		return nil, err
	}
	raw, err := m.port.Read(ctx, addr, n.reg.length)
	if err != nil {
		return nil, fmt.Errorf("node %q: read register 0x%x: %w", n.name, addr, err)
	}
	if len(raw) != n.reg.length {
		return nil, fmt.Errorf("node %q: register read returned %d bytes, want %d", n.name, len(raw), n.reg.length)
	}
	return raw, nil
}

func (m *NodeMap) portWriteLocked(ctx context.Context, n *node, data []byte) error {
	addr, err := m.registerAddressLocked(ctx, n)
	if err != nil {
		return err
	}
	if err := m.port.Write(ctx, addr, data); err != nil {
		return fmt.Errorf("node %q: write register 0x%x: %w", n.name, addr, err)
	}
	return nil
}

func (m *NodeMap) registerAddressLocked(ctx context.Context, n *node) (uint64, error) {
	v, err := n.reg.addrExpr.Eval(m.lookup(ctx))
	if err != nil {
		return 0, fmt.Errorf("node %q: address: %w", n.name, err)
	}
	return uint64(v.AsInt64()), nil
}

// readIntLocked reads and range-checks an integer node.
func (m *NodeMap) readIntLocked(ctx context.Context, id int) (int64, error) {
	n := m.nodes[id]
	if mode := m.accessModeLocked(ctx, id); !mode.Readable() {
		return 0, fmt.Errorf("%w: %q is %s", ErrAccessDenied, n.name, mode)
	}
	v, err := m.readValueLocked(ctx, id)
	if err != nil {
		return 0, err
	}
	val := v.AsInt64()
	if err := m.checkIntRangeLocked(ctx, n, val); err != nil {
		return 0, err
	}
	return val, nil
}

// writeIntLocked validates, encodes and writes an integer node, then
// invalidates the node's reachable set in a single pass.
func (m *NodeMap) writeIntLocked(ctx context.Context, id int, value int64) error {
	n := m.nodes[id]
	if mode := m.accessModeLocked(ctx, id); !mode.Writable() {
		return fmt.Errorf("%w: %q is %s", ErrAccessDenied, n.name, mode)
	}
	if err := m.checkIntRangeLocked(ctx, n, value); err != nil {
		return err
	}
	if n.reg == nil {
		return fmt.Errorf("%w: %q", ErrNotRegister, n.name)
	}

	encoded := value
	if n.reg.mask != nil {
		raw, err := m.portReadLocked(ctx, n)
		if err != nil {
			return err
		}
		current, err := decodeInt(raw, n.reg.endianness, false)
		if err != nil {
			return fmt.Errorf("node %q: %w", n.name, err)
		}
		encoded = maskInsert(current, value, n.reg.mask)
	}

	data, err := encodeInt(encoded, n.reg.length, n.reg.endianness)
	if err != nil {
		return fmt.Errorf("node %q: %w", n.name, err)
	}
	if err := m.portWriteLocked(ctx, n, data); err != nil {
		return err
	}
	m.invalidateLocked(id)
	return nil
}

func (m *NodeMap) checkIntRangeLocked(ctx context.Context, n *node, value int64) error {
	lookup := m.lookup(ctx)
	var anchor int64

	if n.minExpr != nil {
		v, err := n.minExpr.Eval(lookup)
		if err != nil {
			return fmt.Errorf("node %q: Min: %w", n.name, err)
		}
		anchor = v.AsInt64()
		if value < anchor {
			return &RangeError{Node: n.name, Value: strconv.FormatInt(value, 10), Bound: fmt.Sprintf("Min %d", anchor)}
		}
	}
	if n.maxExpr != nil {
		v, err := n.maxExpr.Eval(lookup)
		if err != nil {
			return fmt.Errorf("node %q: Max: %w", n.name, err)
		}
		if value > v.AsInt64() {
			return &RangeError{Node: n.name, Value: strconv.FormatInt(value, 10), Bound: fmt.Sprintf("Max %d", v.AsInt64())}
		}
	}
	if n.incExpr != nil {
		v, err := n.incExpr.Eval(lookup)
		if err != nil {
			return fmt.Errorf("node %q: Inc: %w", n.name, err)
		}
		if inc := v.AsInt64(); inc > 1 && (value-anchor)%inc != 0 {
			return &RangeError{Node: n.name, Value: strconv.FormatInt(value, 10), Bound: fmt.Sprintf("Inc %d", inc)}
		}
	}
	return nil
}

func (m *NodeMap) readFloatLocked(ctx context.Context, id int) (float64, error) {
	n := m.nodes[id]
	if mode := m.accessModeLocked(ctx, id); !mode.Readable() {
		return 0, fmt.Errorf("%w: %q is %s", ErrAccessDenied, n.name, mode)
	}
	v, err := m.readValueLocked(ctx, id)
	if err != nil {
		return 0, err
	}
	val := v.AsFloat64()
	if err := m.checkFloatRangeLocked(ctx, n, val); err != nil {
		return 0, err
	}
	return val, nil
}

func (m *NodeMap) writeFloatLocked(ctx context.Context, id int, value float64) error {
	n := m.nodes[id]
	if mode := m.accessModeLocked(ctx, id); !mode.Writable() {
		return fmt.Errorf("%w: %q is %s", ErrAccessDenied, n.name, mode)
	}
	if err := m.checkFloatRangeLocked(ctx, n, value); err != nil {
		return err
	}
	if n.reg == nil {
		return fmt.Errorf("%w: %q", ErrNotRegister, n.name)
	}
	data, err := encodeFloat(value, n.reg.length, n.reg.endianness)
	if err != nil {
		return fmt.Errorf("node %q: %w", n.name, err)
	}
	if err := m.portWriteLocked(ctx, n, data); err != nil {
		return err
	}
	m.invalidateLocked(id)
	return nil
}

func (m *NodeMap) checkFloatRangeLocked(ctx context.Context, n *node, value float64) error {
	lookup := m.lookup(ctx)
	if n.minExpr != nil {
		v, err := n.minExpr.Eval(lookup)
		if err != nil {
			return fmt.Errorf("node %q: Min: %w", n.name, err)
		}
		if value < v.AsFloat64() {
			return &RangeError{Node: n.name, Value: formatFloat(value), Bound: fmt.Sprintf("Min %s", formatFloat(v.AsFloat64()))}
		}
	}
	if n.maxExpr != nil {
		v, err := n.maxExpr.Eval(lookup)
		if err != nil {
			return fmt.Errorf("node %q: Max: %w", n.name, err)
		}
		if value > v.AsFloat64() {
			return &RangeError{Node: n.name, Value: formatFloat(value), Bound: fmt.Sprintf("Max %s", formatFloat(v.AsFloat64()))}
		}
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// readRawLocked reads the raw bytes of a register or string node.
func (m *NodeMap) readRawLocked(ctx context.Context, id int) ([]byte, error) {
	n := m.nodes[id]
	if mode := m.accessModeLocked(ctx, id); !mode.Readable() {
		return nil, fmt.Errorf("%w: %q is %s", ErrAccessDenied, n.name, mode)
	}
	if n.constStr != nil {
		return []byte(*n.constStr), nil
	}
	if n.reg == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotRegister, n.name)
	}

	if m.cache[id].valid && m.cache[id].raw != nil {
		return slices.Clone(m.cache[id].raw), nil
	}
	raw, err := m.portReadLocked(ctx, n)
	if err != nil {
		return nil, err
	}
	if !n.volatile {
		m.cache[id] = cacheEntry{valid: true, raw: slices.Clone(raw)}
	}
	return raw, nil
}

func (m *NodeMap) writeRawLocked(ctx context.Context, id int, data []byte) error {
	n := m.nodes[id]
	if mode := m.accessModeLocked(ctx, id); !mode.Writable() {
		return fmt.Errorf("%w: %q is %s", ErrAccessDenied, n.name, mode)
	}
	if n.reg == nil {
		return fmt.Errorf("%w: %q", ErrNotRegister, n.name)
	}
	if len(data) != n.reg.length {
		return fmt.Errorf("node %q: write of %d bytes into register of length %d", n.name, len(data), n.reg.length)
	}
	if err := m.portWriteLocked(ctx, n, data); err != nil {
		return err
	}
	m.invalidateLocked(id)
	return nil
}
