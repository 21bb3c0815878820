package genapi

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// decodeInt decodes a register value of 1..8 bytes into int64, honoring
// endianness and optional sign extension.
func decodeInt(data []byte, endianness Endianness, signed bool) (int64, error) {
	if len(data) == 0 || len(data) > 8 {
		return 0, fmt.Errorf("genapi: integer register must be 1..8 bytes, got %d", len(data))
	}

	var u uint64
	if endianness == BigEndian {
		for _, b := range data {
			u = u<<8 | uint64(b)
		}
	} else {
		for i := len(data) - 1; i >= 0; i-- {
			u = u<<8 | uint64(data[i])
		}
	}

	if signed && len(data) < 8 {
		shift := uint(64 - len(data)*8)
		return int64(u<<shift) >> shift, nil
	}
	return int64(u), nil
}

// encodeInt encodes an int64 into length bytes with the given endianness.
func encodeInt(value int64, length int, endianness Endianness) ([]byte, error) {
	if length <= 0 || length > 8 {
		return nil, fmt.Errorf("genapi: integer register must be 1..8 bytes, got %d", length)
	}

	buf := make([]byte, length)
	u := uint64(value)
	if endianness == BigEndian {
		for i := length - 1; i >= 0; i-- {
			buf[i] = byte(u)
			u >>= 8
		}
	} else {
		for i := 0; i < length; i++ {
			buf[i] = byte(u)
			u >>= 8
		}
	}
	return buf, nil
}

// decodeFloat decodes a 4- or 8-byte IEEE 754 register value.
func decodeFloat(data []byte, endianness Endianness) (float64, error) {
	switch len(data) {
	case 4:
		var bits uint32
		if endianness == BigEndian {
			bits = binary.BigEndian.Uint32(data)
		} else {
			bits = binary.LittleEndian.Uint32(data)
		}
		return float64(math.Float32frombits(bits)), nil
	case 8:
		var bits uint64
		if endianness == BigEndian {
			bits = binary.BigEndian.Uint64(data)
		} else {
			bits = binary.LittleEndian.Uint64(data)
		}
		return math.Float64frombits(bits), nil
	}
	return 0, fmt.Errorf("genapi: float register must be 4 or 8 bytes, got %d", len(data))
}

// encodeFloat encodes a float64 into a 4- or 8-byte IEEE 754 register value.
func encodeFloat(value float64, length int, endianness Endianness) ([]byte, error) {
	switch length {
	case 4:
		buf := make([]byte, 4)
		bits := math.Float32bits(float32(value))
		if endianness == BigEndian {
			binary.BigEndian.PutUint32(buf, bits)
		} else {
			binary.LittleEndian.PutUint32(buf, bits)
		}
		return buf, nil
	case 8:
		buf := make([]byte, 8)
		bits := math.Float64bits(value)
		if endianness == BigEndian {
			binary.BigEndian.PutUint64(buf, bits)
		} else {
			binary.LittleEndian.PutUint64(buf, bits)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("genapi: float register must be 4 or 8 bytes, got %d", length)
}

// decodeString interprets register bytes as a NUL-padded string.
func decodeString(data []byte) string {
	if i := strings.IndexByte(string(data), 0); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}

// encodeString NUL-pads s to length. Longer strings are an error, not a
// silent truncation.
func encodeString(s string, length int) ([]byte, error) {
	if len(s) > length {
		return nil, fmt.Errorf("genapi: string %q exceeds register length %d", s, length)
	}
	buf := make([]byte, length)
	copy(buf, s)
	return buf, nil
}

// maskExtract pulls the bit field out of a decoded register value.
func maskExtract(raw int64, mask *BitRange, signed bool) int64 {
	width := uint(mask.MSB-mask.LSB) + 1
	u := (uint64(raw) >> mask.LSB) & (uint64(math.MaxUint64) >> (64 - width))
	if signed && width < 64 {
		shift := 64 - width
		return int64(u<<shift) >> shift
	}
	return int64(u)
}

// maskInsert writes the bit field into the surrounding register value.
func maskInsert(raw, value int64, mask *BitRange) int64 {
	width := uint(mask.MSB-mask.LSB) + 1
	fieldMask := (uint64(math.MaxUint64) >> (64 - width)) << mask.LSB
	u := uint64(raw) &^ fieldMask
	u |= (uint64(value) << mask.LSB) & fieldMask
	return int64(u)
}
