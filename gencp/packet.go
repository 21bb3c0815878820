// Package gencp implements the request/acknowledge control protocol spoken
// over a device's command channel: framed read/write register commands, ack
// parsing including pending acks, and a strictly serialized transaction layer
// with bounded timeout retry.
package gencp

import (
	"encoding/binary"
	"fmt"
)

// Command packets and acks share a 4-byte prefix magic followed by an 8-byte
// common descriptor, all little-endian.
const (
	commandMagic = 0x43563355
	ackMagic     = 0x43563355

	headerLen = 4 + 8
)

// CommandFlagRequestAck asks the device to acknowledge the command. Every
// command this layer sends sets it; a transaction without an ack cannot
// complete.
const CommandFlagRequestAck = 0x4000

// ScdKind identifies the command-specific data layout of a packet.
type ScdKind uint16

const (
	ScdReadMemCmd  ScdKind = 0x0800
	ScdReadMemAck  ScdKind = 0x0801
	ScdWriteMemCmd ScdKind = 0x0802
	ScdWriteMemAck ScdKind = 0x0803
	ScdPendingAck  ScdKind = 0x0805
)

func (k ScdKind) String() string {
	switch k {
	case ScdReadMemCmd:
		return "ReadMemCmd"
	case ScdReadMemAck:
		return "ReadMemAck"
	case ScdWriteMemCmd:
		return "WriteMemCmd"
	case ScdWriteMemAck:
		return "WriteMemAck"
	case ScdPendingAck:
		return "PendingAck"
	}
	return fmt.Sprintf("ScdKind(0x%04x)", uint16(k))
}

// Command is a parsed or to-be-serialized command packet.
type Command struct {
	Kind      ScdKind
	RequestID uint16

	// ReadMem
	Address    uint64
	ReadLength uint16

	// WriteMem
	Data []byte
}

// ReadMem builds a read command for length bytes at address.
func ReadMem(address uint64, length uint16) Command {
	return Command{Kind: ScdReadMemCmd, Address: address, ReadLength: length}
}

// WriteMem builds a write command. The data is referenced, not copied.
func WriteMem(address uint64, data []byte) Command {
	return Command{Kind: ScdWriteMemCmd, Address: address, Data: data}
}

func (c Command) scdLen() int {
	switch c.Kind {
	case ScdReadMemCmd:
		// address + reserved + read length
		return 8 + 2 + 2
	case ScdWriteMemCmd:
		return 8 + len(c.Data)
	}
	return 0
}

// EncodedLen returns the full packet length of the serialized command.
func (c Command) EncodedLen() int {
	return headerLen + c.scdLen()
}

// MaxAckLen returns the largest ack packet the command can produce. Pending
// acks carry a 4-byte SCD, so the floor is headerLen+4.
func (c Command) MaxAckLen() int {
	scd := 4
	if c.Kind == ScdReadMemCmd && int(c.ReadLength) > scd {
		scd = int(c.ReadLength)
	}
	return headerLen + scd
}

// Encode serializes the command with the given request ID into buf, which
// must hold EncodedLen bytes. It returns the number of bytes written.
func (c Command) Encode(buf []byte, requestID uint16) (int, error) {
	total := c.EncodedLen()
	if len(buf) < total {
		return 0, fmt.Errorf("gencp: command buffer too small: %d < %d", len(buf), total)
	}
	scdLen := c.scdLen()
	if scdLen > 0xffff {
		return 0, fmt.Errorf("gencp: command payload exceeds 16-bit length: %d", scdLen)
	}

	le := binary.LittleEndian
	le.PutUint32(buf[0:], commandMagic)
	le.PutUint16(buf[4:], CommandFlagRequestAck)
	le.PutUint16(buf[6:], uint16(c.Kind))
	le.PutUint16(buf[8:], uint16(scdLen))
	le.PutUint16(buf[10:], requestID)

	switch c.Kind {
	case ScdReadMemCmd:
		le.PutUint64(buf[12:], c.Address)
		le.PutUint16(buf[20:], 0)
		le.PutUint16(buf[22:], c.ReadLength)
	case ScdWriteMemCmd:
		le.PutUint64(buf[12:], c.Address)
		copy(buf[20:], c.Data)
	default:
		return 0, fmt.Errorf("gencp: cannot encode %s", c.Kind)
	}
	return total, nil
}

// ParseCommand parses a command packet. The device side of a loopback
// transport uses it; the host never receives commands.
func ParseCommand(buf []byte) (Command, error) {
	if len(buf) < headerLen {
		return Command{}, fmt.Errorf("gencp: command packet too short: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != commandMagic {
		return Command{}, fmt.Errorf("gencp: bad command prefix magic 0x%08x", le.Uint32(buf[0:]))
	}

	kind := ScdKind(le.Uint16(buf[6:]))
	scdLen := int(le.Uint16(buf[8:]))
	cmd := Command{Kind: kind, RequestID: le.Uint16(buf[10:])}

	scd := buf[headerLen:]
	if len(scd) < scdLen {
		return Command{}, fmt.Errorf("gencp: command SCD truncated: %d < %d", len(scd), scdLen)
	}
	scd = scd[:scdLen]

	switch kind {
	case ScdReadMemCmd:
		if scdLen != 12 {
			return Command{}, fmt.Errorf("gencp: ReadMem SCD must be 12 bytes, got %d", scdLen)
		}
		cmd.Address = le.Uint64(scd[0:])
		cmd.ReadLength = le.Uint16(scd[10:])
	case ScdWriteMemCmd:
		if scdLen < 8 {
			return Command{}, fmt.Errorf("gencp: WriteMem SCD must be at least 8 bytes, got %d", scdLen)
		}
		cmd.Address = le.Uint64(scd[0:])
		cmd.Data = scd[8:]
	default:
		return Command{}, fmt.Errorf("gencp: unsupported command kind %s", kind)
	}
	return cmd, nil
}

// Ack is a parsed or to-be-serialized acknowledge packet.
type Ack struct {
	Status    StatusCode
	Kind      ScdKind
	RequestID uint16

	// ReadMemAck
	Data []byte

	// WriteMemAck
	LengthWritten uint16

	// PendingAck: device-suggested wait in milliseconds before the next
	// receive attempt.
	PendingTimeoutMS uint16
}

// ReadMemAckOf builds a successful read ack carrying data.
func ReadMemAckOf(requestID uint16, data []byte) Ack {
	return Ack{Status: StatusSuccess, Kind: ScdReadMemAck, RequestID: requestID, Data: data}
}

// WriteMemAckOf builds a successful write ack.
func WriteMemAckOf(requestID uint16, lengthWritten uint16) Ack {
	return Ack{Status: StatusSuccess, Kind: ScdWriteMemAck, RequestID: requestID, LengthWritten: lengthWritten}
}

// PendingAckOf builds a pending ack suggesting a wait before re-receiving.
func PendingAckOf(requestID uint16, timeoutMS uint16) Ack {
	return Ack{Status: StatusSuccess, Kind: ScdPendingAck, RequestID: requestID, PendingTimeoutMS: timeoutMS}
}

// ErrorAckOf builds a device-error ack for the given command kind's ack kind.
func ErrorAckOf(requestID uint16, ackKind ScdKind, status StatusCode) Ack {
	return Ack{Status: status, Kind: ackKind, RequestID: requestID}
}

func (a Ack) scdLen() int {
	switch a.Kind {
	case ScdReadMemAck:
		return len(a.Data)
	case ScdWriteMemAck:
		// reserved + length written
		return 4
	case ScdPendingAck:
		// reserved + timeout
		return 4
	}
	return 0
}

// EncodedLen returns the full packet length of the serialized ack.
func (a Ack) EncodedLen() int {
	return headerLen + a.scdLen()
}

// Encode serializes the ack into buf and returns the bytes written.
func (a Ack) Encode(buf []byte) (int, error) {
	total := a.EncodedLen()
	if len(buf) < total {
		return 0, fmt.Errorf("gencp: ack buffer too small: %d < %d", len(buf), total)
	}
	scdLen := a.scdLen()
	if scdLen > 0xffff {
		return 0, fmt.Errorf("gencp: ack payload exceeds 16-bit length: %d", scdLen)
	}

	le := binary.LittleEndian
	le.PutUint32(buf[0:], ackMagic)
	le.PutUint16(buf[4:], uint16(a.Status))
	le.PutUint16(buf[6:], uint16(a.Kind))
	le.PutUint16(buf[8:], uint16(scdLen))
	le.PutUint16(buf[10:], a.RequestID)

	switch a.Kind {
	case ScdReadMemAck:
		copy(buf[headerLen:], a.Data)
	case ScdWriteMemAck:
		le.PutUint16(buf[headerLen:], 0)
		le.PutUint16(buf[headerLen+2:], a.LengthWritten)
	case ScdPendingAck:
		le.PutUint16(buf[headerLen:], 0)
		le.PutUint16(buf[headerLen+2:], a.PendingTimeoutMS)
	default:
		return 0, fmt.Errorf("gencp: cannot encode ack kind %s", a.Kind)
	}
	return total, nil
}

// ParseAck parses an ack packet received from the device. Device-sourced
// bytes are untrusted; every length is checked.
func ParseAck(buf []byte) (Ack, error) {
	if len(buf) < headerLen {
		return Ack{}, fmt.Errorf("gencp: ack packet too short: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != ackMagic {
		return Ack{}, fmt.Errorf("gencp: bad ack prefix magic 0x%08x", le.Uint32(buf[0:]))
	}

	ack := Ack{
		Status:    StatusCode(le.Uint16(buf[4:])),
		Kind:      ScdKind(le.Uint16(buf[6:])),
		RequestID: le.Uint16(buf[10:]),
	}
	scdLen := int(le.Uint16(buf[8:]))
	scd := buf[headerLen:]
	if len(scd) < scdLen {
		return Ack{}, fmt.Errorf("gencp: ack SCD truncated: %d < %d", len(scd), scdLen)
	}
	scd = scd[:scdLen]

	switch ack.Kind {
	case ScdReadMemAck:
		ack.Data = scd
	case ScdWriteMemAck:
		if scdLen >= 4 {
			ack.LengthWritten = le.Uint16(scd[2:])
		}
	case ScdPendingAck:
		if scdLen < 4 {
			return Ack{}, fmt.Errorf("gencp: pending ack SCD must be 4 bytes, got %d", scdLen)
		}
		ack.PendingTimeoutMS = le.Uint16(scd[2:])
	}
	return ack, nil
}
