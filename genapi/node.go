// Package genapi interprets a device feature description: a graph of typed,
// named parameters whose access modes, values and register addresses may be
// derived from other parameters through formulas. It provides cached,
// dependency-tracked read/write access to the features of a device through a
// byte-addressed Port.
package genapi

// NodeKind discriminates the feature kinds of a node map.
type NodeKind uint8

const (
	KindInteger NodeKind = iota
	KindFloat
	KindString
	KindEnumeration
	KindCommand
	KindRegister
	KindCategory
)

func (k NodeKind) String() string {
	switch k {
	case KindInteger:
		return "Integer"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindEnumeration:
		return "Enumeration"
	case KindCommand:
		return "Command"
	case KindRegister:
		return "Register"
	case KindCategory:
		return "Category"
	}
	return "Unknown"
}

// AccessMode describes how a node may be accessed.
type AccessMode uint8

const (
	AccessNotImplemented AccessMode = iota
	AccessReadOnly
	AccessWriteOnly
	AccessReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case AccessReadOnly:
		return "RO"
	case AccessWriteOnly:
		return "WO"
	case AccessReadWrite:
		return "RW"
	}
	return "NI"
}

// Readable reports whether the mode permits reading.
func (m AccessMode) Readable() bool {
	return m == AccessReadOnly || m == AccessReadWrite
}

// Writable reports whether the mode permits writing.
func (m AccessMode) Writable() bool {
	return m == AccessWriteOnly || m == AccessReadWrite
}

// Visibility is the recommended audience tier of a feature.
type Visibility uint8

const (
	VisibilityBeginner Visibility = iota
	VisibilityExpert
	VisibilityGuru
	VisibilityInvisible
)

// Endianness of a register-backed value.
type Endianness uint8

const (
	LittleEndian Endianness = iota
	BigEndian
)

// BitRange selects a contiguous bit field of a register, LSB and MSB
// inclusive, counted from bit 0 of the decoded register value.
type BitRange struct {
	LSB uint8
	MSB uint8
}

// RegisterSpec describes the register backing of a node. Address is a formula
// and may reference other nodes; a plain constant like "0xfffc" works too.
type RegisterSpec struct {
	Address    string
	Length     int64
	Endianness Endianness

	// Signed selects sign extension for integer decode.
	Signed bool

	// Mask, when non-nil, restricts an integer node to a bit field of the
	// register. Writes read-modify-write the surrounding bits.
	Mask *BitRange

	// Cacheable is true for registers whose value only changes when written
	// through this node map. Volatile registers (status words, sensor
	// readouts) must set it to false.
	Cacheable bool
}

// AccessSpec is a fixed access mode plus optional formula-derived refinement.
// AvailableWhen evaluating to false forces NotImplemented; LockedWhen
// evaluating to true strips write access.
type AccessSpec struct {
	Mode          AccessMode
	AvailableWhen string
	LockedWhen    string
}

// RW is the common fixed read-write access spec.
func RW() AccessSpec { return AccessSpec{Mode: AccessReadWrite} }

// RO is the common fixed read-only access spec.
func RO() AccessSpec { return AccessSpec{Mode: AccessReadOnly} }

// WO is the common fixed write-only access spec.
func WO() AccessSpec { return AccessSpec{Mode: AccessWriteOnly} }

// IntegerNode declares an integer feature. Exactly one of Const, Formula or
// Register must be set. Min, Max and Inc are optional formulas constraining
// reads and writes.
type IntegerNode struct {
	Name        string
	Description string
	Visibility  Visibility
	Access      AccessSpec

	Const    *int64
	Formula  string
	Register *RegisterSpec

	Min string
	Max string
	Inc string
}

// FloatNode declares a float feature. Register-backed floats must be 4 or 8
// bytes (IEEE 754).
type FloatNode struct {
	Name        string
	Description string
	Visibility  Visibility
	Access      AccessSpec

	Const    *float64
	Formula  string
	Register *RegisterSpec

	Min string
	Max string
}

// StringNode declares a fixed-length register-backed string. Shorter values
// are NUL padded on the device.
type StringNode struct {
	Name        string
	Description string
	Visibility  Visibility
	Access      AccessSpec

	Const    *string
	Register *RegisterSpec
}

// EnumEntry is one named value of an enumeration.
type EnumEntry struct {
	Name  string
	Value int64
}

// EnumerationNode declares an enumeration backed by an integer value source.
type EnumerationNode struct {
	Name        string
	Description string
	Visibility  Visibility
	Access      AccessSpec

	Entries []EnumEntry

	Formula  string
	Register *RegisterSpec
}

// CommandNode declares a device action: executing writes CommandValue to the
// register; the action is done once the register no longer reads back
// CommandValue (self-clearing registers), or immediately for devices that do
// not support completion polling (PollOnDone false).
type CommandNode struct {
	Name        string
	Description string
	Visibility  Visibility
	Access      AccessSpec

	Register     *RegisterSpec
	CommandValue int64
	PollOnDone   bool
}

// RegisterNode declares raw byte access to a register range.
type RegisterNode struct {
	Name        string
	Description string
	Visibility  Visibility
	Access      AccessSpec

	Register *RegisterSpec
}

// CategoryNode groups features for presentation. Categories carry no value.
type CategoryNode struct {
	Name        string
	Description string
	Visibility  Visibility

	Features []string
}
