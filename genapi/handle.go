package genapi

import (
	"context"
	"fmt"
	"math"

	"github.com/gencam/gencam/formula"
)

// NodeHandle is an untyped reference to a node. Convert it to a typed handle
// matching the node's kind before reading or writing.
type NodeHandle struct {
	m  *NodeMap
	id int
}

// Name returns the node's unique name.
func (h NodeHandle) Name() string { return h.m.nodes[h.id].name }

// Kind returns the node's kind.
func (h NodeHandle) Kind() NodeKind { return h.m.nodes[h.id].kind }

// Description returns the node's description text.
func (h NodeHandle) Description() string { return h.m.nodes[h.id].description }

// Visibility returns the node's audience tier.
func (h NodeHandle) Visibility() Visibility { return h.m.nodes[h.id].visibility }

// AccessMode resolves the node's effective access mode.
func (h NodeHandle) AccessMode(ctx context.Context) AccessMode {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.accessModeLocked(ctx, h.id)
}

func (h NodeHandle) requireKind(kind NodeKind) error {
	if got := h.m.nodes[h.id].kind; got != kind {
		return fmt.Errorf("%w: %q is %s, not %s", ErrWrongKind, h.Name(), got, kind)
	}
	return nil
}

// AsInteger converts the handle; fails unless the node is an Integer.
func (h NodeHandle) AsInteger() (IntegerHandle, error) {
	if err := h.requireKind(KindInteger); err != nil {
		return IntegerHandle{}, err
	}
	return IntegerHandle{h}, nil
}

// AsFloat converts the handle; fails unless the node is a Float.
func (h NodeHandle) AsFloat() (FloatHandle, error) {
	if err := h.requireKind(KindFloat); err != nil {
		return FloatHandle{}, err
	}
	return FloatHandle{h}, nil
}

// AsEnumeration converts the handle; fails unless the node is an Enumeration.
func (h NodeHandle) AsEnumeration() (EnumerationHandle, error) {
	if err := h.requireKind(KindEnumeration); err != nil {
		return EnumerationHandle{}, err
	}
	return EnumerationHandle{h}, nil
}

// AsCommand converts the handle; fails unless the node is a Command.
func (h NodeHandle) AsCommand() (CommandHandle, error) {
	if err := h.requireKind(KindCommand); err != nil {
		return CommandHandle{}, err
	}
	return CommandHandle{h}, nil
}

// AsString converts the handle; fails unless the node is a String.
func (h NodeHandle) AsString() (StringHandle, error) {
	if err := h.requireKind(KindString); err != nil {
		return StringHandle{}, err
	}
	return StringHandle{h}, nil
}

// AsRegister converts the handle; fails unless the node is a Register.
func (h NodeHandle) AsRegister() (RegisterHandle, error) {
	if err := h.requireKind(KindRegister); err != nil {
		return RegisterHandle{}, err
	}
	return RegisterHandle{h}, nil
}

// AsCategory converts the handle; fails unless the node is a Category.
func (h NodeHandle) AsCategory() (CategoryHandle, error) {
	if err := h.requireKind(KindCategory); err != nil {
		return CategoryHandle{}, err
	}
	return CategoryHandle{h}, nil
}

// IntegerHandle accesses an integer feature.
type IntegerHandle struct {
	NodeHandle
}

// Read returns the node's current value, from cache when valid.
func (h IntegerHandle) Read(ctx context.Context) (int64, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.readIntLocked(ctx, h.id)
}

// Write validates and writes the value, then invalidates every node whose
// cached value could depend on it.
func (h IntegerHandle) Write(ctx context.Context, value int64) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.writeIntLocked(ctx, h.id, value)
}

// Min returns the node's minimum, or math.MinInt64 when unconstrained.
func (h IntegerHandle) Min(ctx context.Context) (int64, error) {
	return h.limit(ctx, h.m.nodes[h.id].minExpr, math.MinInt64)
}

// Max returns the node's maximum, or math.MaxInt64 when unconstrained.
func (h IntegerHandle) Max(ctx context.Context) (int64, error) {
	return h.limit(ctx, h.m.nodes[h.id].maxExpr, math.MaxInt64)
}

// Inc returns the node's increment, or 1 when unconstrained.
func (h IntegerHandle) Inc(ctx context.Context) (int64, error) {
	return h.limit(ctx, h.m.nodes[h.id].incExpr, 1)
}

func (h IntegerHandle) limit(ctx context.Context, expr *formula.Expr, fallback int64) (int64, error) {
	if expr == nil {
		return fallback, nil
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	v, err := expr.Eval(h.m.lookup(ctx))
	if err != nil {
		return 0, fmt.Errorf("node %q: %w", h.Name(), err)
	}
	return v.AsInt64(), nil
}

// FloatHandle accesses a float feature.
type FloatHandle struct {
	NodeHandle
}

// Read returns the node's current value, from cache when valid.
func (h FloatHandle) Read(ctx context.Context) (float64, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.readFloatLocked(ctx, h.id)
}

// Write validates and writes the value, then invalidates dependents.
func (h FloatHandle) Write(ctx context.Context, value float64) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.writeFloatLocked(ctx, h.id, value)
}

// EnumerationHandle accesses an enumeration feature by entry name.
type EnumerationHandle struct {
	NodeHandle
}

// Entries returns the declared entries in declaration order.
func (h EnumerationHandle) Entries() []EnumEntry {
	entries := h.m.nodes[h.id].entries
	out := make([]EnumEntry, len(entries))
	copy(out, entries)
	return out
}

// Read decodes the current integer value into its entry. A value without a
// matching entry is surfaced as InvalidEnumValueError, never coerced.
func (h EnumerationHandle) Read(ctx context.Context) (EnumEntry, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	n := h.m.nodes[h.id]
	if mode := h.m.accessModeLocked(ctx, h.id); !mode.Readable() {
		return EnumEntry{}, fmt.Errorf("%w: %q is %s", ErrAccessDenied, n.name, mode)
	}
	v, err := h.m.readValueLocked(ctx, h.id)
	if err != nil {
		return EnumEntry{}, err
	}
	value := v.AsInt64()
	for _, e := range n.entries {
		if e.Value == value {
			return e, nil
		}
	}
	return EnumEntry{}, &InvalidEnumValueError{Node: n.name, Value: value}
}

// Write resolves the entry name to its integer value and delegates to the
// integer write path.
func (h EnumerationHandle) Write(ctx context.Context, entryName string) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	n := h.m.nodes[h.id]
	for _, e := range n.entries {
		if e.Name == entryName {
			return h.m.writeIntLocked(ctx, h.id, e.Value)
		}
	}
	return fmt.Errorf("%w: enumeration %q has no entry %q", ErrUnknownEnumEntry, n.name, entryName)
}

// CommandHandle triggers a device action.
type CommandHandle struct {
	NodeHandle
}

// Execute writes the command value to the device, triggering the action.
func (h CommandHandle) Execute(ctx context.Context) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.writeIntLocked(ctx, h.id, h.m.nodes[h.id].commandValue)
}

// IsDone polls whether the triggered action has completed. Devices with
// self-clearing command registers report completion once the register no
// longer reads back the command value; others always report done.
func (h CommandHandle) IsDone(ctx context.Context) (bool, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	n := h.m.nodes[h.id]
	if !n.pollOnDone {
		return true, nil
	}
	// Bypass the cache: command registers are volatile by nature.
	raw, err := h.m.portReadLocked(ctx, n)
	if err != nil {
		return false, err
	}
	current, err := decodeInt(raw, n.reg.endianness, n.reg.signed)
	if err != nil {
		return false, fmt.Errorf("node %q: %w", n.name, err)
	}
	return current != n.commandValue, nil
}

// StringHandle accesses a fixed-length device string.
type StringHandle struct {
	NodeHandle
}

// Read returns the string with NUL padding stripped.
func (h StringHandle) Read(ctx context.Context) (string, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	raw, err := h.m.readRawLocked(ctx, h.id)
	if err != nil {
		return "", err
	}
	return decodeString(raw), nil
}

// Write NUL-pads the string to the register length and writes it.
func (h StringHandle) Write(ctx context.Context, value string) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	n := h.m.nodes[h.id]
	if n.reg == nil {
		return fmt.Errorf("%w: %q", ErrNotRegister, n.name)
	}
	data, err := encodeString(value, n.reg.length)
	if err != nil {
		return err
	}
	return h.m.writeRawLocked(ctx, h.id, data)
}

// RegisterHandle accesses raw register bytes.
type RegisterHandle struct {
	NodeHandle
}

// Read returns the register's bytes.
func (h RegisterHandle) Read(ctx context.Context) ([]byte, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.readRawLocked(ctx, h.id)
}

// Write writes the register's bytes; data length must match the declaration.
func (h RegisterHandle) Write(ctx context.Context, data []byte) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.writeRawLocked(ctx, h.id, data)
}

// Length returns the register length in bytes.
func (h RegisterHandle) Length() int {
	return h.m.nodes[h.id].reg.length
}

// CategoryHandle lists a category's features.
type CategoryHandle struct {
	NodeHandle
}

// Features returns handles for the category's member features.
func (h CategoryHandle) Features() []NodeHandle {
	ids := h.m.nodes[h.id].features
	out := make([]NodeHandle, len(ids))
	for i, id := range ids {
		out[i] = NodeHandle{m: h.m, id: id}
	}
	return out
}
