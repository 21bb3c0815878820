package genapi

import (
	"errors"
	"fmt"
)

// Build-time errors.
var (
	ErrNodeAlreadyExists = errors.New("genapi: node already exists")
	ErrUnknownReference  = errors.New("genapi: formula references unknown node")
	ErrInvalidNode       = errors.New("genapi: invalid node declaration")
)

// Access-time errors.
var (
	ErrNodeNotFound     = errors.New("genapi: node not found")
	ErrAccessDenied     = errors.New("genapi: access denied")
	ErrWrongKind        = errors.New("genapi: node kind mismatch")
	ErrNotRegister      = errors.New("genapi: node is not register-backed")
	ErrUnknownEnumEntry = errors.New("genapi: unknown enumeration entry")
)

// CycleError reports a dependency cycle found while building a node map.
type CycleError struct {
	// Path is the node names along the cycle, first repeated at the end.
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("genapi: dependency cycle: %v", e.Path)
}

// RangeError reports a value outside a node's declared constraints.
type RangeError struct {
	Node  string
	Value string
	Bound string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("genapi: %s: value %s violates %s", e.Node, e.Value, e.Bound)
}

// InvalidEnumValueError reports that a device returned an integer with no
// matching enumeration entry. The raw value is preserved for diagnostics.
type InvalidEnumValueError struct {
	Node  string
	Value int64
}

func (e *InvalidEnumValueError) Error() string {
	return fmt.Sprintf("genapi: %s: device returned unmapped enum value %d", e.Node, e.Value)
}
