package gencp

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestCommandWire(t *testing.T) {
	t.Run("read command", func(t *testing.T) {
		cmd := ReadMem(0xDEAD0000BEEF, 64)
		buf := make([]byte, cmd.EncodedLen())
		n, err := cmd.Encode(buf, 7)
		assert.NoError(t, err)

		parsed, err := ParseCommand(buf[:n])
		assert.NoError(t, err)
		assert.Equal(t, ScdReadMemCmd, parsed.Kind)
		assert.Equal(t, uint16(7), parsed.RequestID)
		assert.Equal(t, uint64(0xDEAD0000BEEF), parsed.Address)
		assert.Equal(t, uint16(64), parsed.ReadLength)
	})

	t.Run("write command", func(t *testing.T) {
		cmd := WriteMem(0x1000, []byte{0xCA, 0xFE})
		buf := make([]byte, cmd.EncodedLen())
		n, err := cmd.Encode(buf, 9)
		assert.NoError(t, err)

		parsed, err := ParseCommand(buf[:n])
		assert.NoError(t, err)
		assert.Equal(t, ScdWriteMemCmd, parsed.Kind)
		assert.Equal(t, uint64(0x1000), parsed.Address)
		assert.Equal(t, []byte{0xCA, 0xFE}, parsed.Data)
	})

	t.Run("truncated packet", func(t *testing.T) {
		cmd := ReadMem(0x0, 4)
		buf := make([]byte, cmd.EncodedLen())
		n, err := cmd.Encode(buf, 1)
		assert.NoError(t, err)

		_, err = ParseCommand(buf[: n-1 : n-1])
		assert.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		cmd := ReadMem(0x0, 4)
		buf := make([]byte, cmd.EncodedLen())
		_, err := cmd.Encode(buf, 1)
		assert.NoError(t, err)
		buf[0] ^= 0xFF

		_, err = ParseCommand(buf)
		assert.Error(t, err)
	})
}

func TestAckWire(t *testing.T) {
	t.Run("read ack", func(t *testing.T) {
		ack := ReadMemAckOf(3, []byte{1, 2, 3})
		buf := make([]byte, ack.EncodedLen())
		n, err := ack.Encode(buf)
		assert.NoError(t, err)

		parsed, err := ParseAck(buf[:n])
		assert.NoError(t, err)
		assert.True(t, parsed.Status.OK())
		assert.Equal(t, uint16(3), parsed.RequestID)
		assert.Equal(t, []byte{1, 2, 3}, parsed.Data)
	})

	t.Run("write ack carries length written", func(t *testing.T) {
		ack := WriteMemAckOf(4, 16)
		buf := make([]byte, ack.EncodedLen())
		n, err := ack.Encode(buf)
		assert.NoError(t, err)

		parsed, err := ParseAck(buf[:n])
		assert.NoError(t, err)
		assert.Equal(t, uint16(16), parsed.LengthWritten)
	})

	t.Run("pending ack carries suggested wait", func(t *testing.T) {
		ack := PendingAckOf(5, 250)
		buf := make([]byte, ack.EncodedLen())
		n, err := ack.Encode(buf)
		assert.NoError(t, err)

		parsed, err := ParseAck(buf[:n])
		assert.NoError(t, err)
		assert.Equal(t, ScdPendingAck, parsed.Kind)
		assert.Equal(t, uint16(250), parsed.PendingTimeoutMS)
	})

	t.Run("error ack", func(t *testing.T) {
		ack := ErrorAckOf(6, ScdWriteMemAck, StatusBadAlignment)
		buf := make([]byte, ack.EncodedLen())
		n, err := ack.Encode(buf)
		assert.NoError(t, err)

		parsed, err := ParseAck(buf[:n])
		assert.NoError(t, err)
		assert.False(t, parsed.Status.OK())
		assert.Equal(t, StatusBadAlignment, parsed.Status)
	})

	t.Run("scd length beyond packet", func(t *testing.T) {
		ack := ReadMemAckOf(1, []byte{1, 2, 3, 4})
		buf := make([]byte, ack.EncodedLen())
		n, err := ack.Encode(buf)
		assert.NoError(t, err)

		_, err = ParseAck(buf[: n-2 : n-2])
		assert.Error(t, err)
	})
}
