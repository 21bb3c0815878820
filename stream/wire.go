// Package stream implements the block-structured streaming protocol of the
// data channel: leader and trailer records delimiting payload chunks, a
// block reassembly state machine, a bounded reusable buffer pool and a
// backpressure-aware delivery channel handing completed payloads to the
// application.
package stream

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Default leader/trailer marker values. Devices and transports may use
// different markers; they are session configuration, not constants of the
// implementation.
const (
	DefaultLeaderMagic  uint32 = 0x4C563355
	DefaultTrailerMagic uint32 = 0x54563355
)

const (
	genericLeaderLen  = 28
	imageLeaderLen    = genericLeaderLen + 32
	chunkLeaderLen    = genericLeaderLen + 8
	genericTrailerLen = 28
	imageTrailerLen   = genericTrailerLen + 4
)

// PayloadType discriminates what a block carries.
type PayloadType uint16

const (
	PayloadImage              PayloadType = 0x0001
	PayloadChunk              PayloadType = 0x4000
	PayloadImageExtendedChunk PayloadType = 0x4001
)

func (t PayloadType) String() string {
	switch t {
	case PayloadImage:
		return "Image"
	case PayloadChunk:
		return "Chunk"
	case PayloadImageExtendedChunk:
		return "ImageExtendedChunk"
	}
	return fmt.Sprintf("PayloadType(0x%04x)", uint16(t))
}

func (t PayloadType) valid() bool {
	return t == PayloadImage || t == PayloadChunk || t == PayloadImageExtendedChunk
}

// PayloadStatus is the trailer's verdict on the payload data.
type PayloadStatus uint16

const (
	PayloadStatusSuccess       PayloadStatus = 0x0000
	PayloadStatusDataDiscarded PayloadStatus = 0xA100
	PayloadStatusDataOverrun   PayloadStatus = 0xA101
)

func (s PayloadStatus) String() string {
	switch s {
	case PayloadStatusSuccess:
		return "Success"
	case PayloadStatusDataDiscarded:
		return "DataDiscarded"
	case PayloadStatusDataOverrun:
		return "DataOverrun"
	}
	return fmt.Sprintf("PayloadStatus(0x%04x)", uint16(s))
}

// ImageInfo is the image geometry metadata embedded in an image leader.
type ImageInfo struct {
	PixelFormat uint32
	Width       uint32
	Height      uint32
	XOffset     uint32
	YOffset     uint32
	XPadding    uint16
}

// Leader announces a block: its ID, payload type, declared payload byte
// count and, for image payloads, the image geometry.
type Leader struct {
	BlockID     uint64
	Type        PayloadType
	PayloadSize uint64

	// Timestamp is the device clock at capture, as a duration since the
	// device started. Zero for payload types that carry none.
	Timestamp time.Duration

	// Info is set for Image and ImageExtendedChunk leaders.
	Info *ImageInfo
}

// EncodedLen returns the byte length of the serialized leader.
func (l Leader) EncodedLen() int {
	switch l.Type {
	case PayloadImage, PayloadImageExtendedChunk:
		return imageLeaderLen
	default:
		return chunkLeaderLen
	}
}

// EncodeLeader serializes a leader record with the given marker. The
// software device uses it to produce a stream; the host only parses.
func EncodeLeader(magic uint32, l Leader) []byte {
	size := l.EncodedLen()
	buf := make([]byte, size)
	le := binary.LittleEndian

	le.PutUint32(buf[0:], magic)
	le.PutUint16(buf[4:], 0)
	le.PutUint16(buf[6:], uint16(size))
	le.PutUint64(buf[8:], l.BlockID)
	le.PutUint16(buf[16:], 0)
	le.PutUint16(buf[18:], uint16(l.Type))
	le.PutUint64(buf[20:], l.PayloadSize)

	switch l.Type {
	case PayloadImage, PayloadImageExtendedChunk:
		info := l.Info
		if info == nil {
			info = &ImageInfo{}
		}
		le.PutUint64(buf[28:], uint64(l.Timestamp))
		le.PutUint32(buf[36:], info.PixelFormat)
		le.PutUint32(buf[40:], info.Width)
		le.PutUint32(buf[44:], info.Height)
		le.PutUint32(buf[48:], info.XOffset)
		le.PutUint32(buf[52:], info.YOffset)
		le.PutUint16(buf[56:], info.XPadding)
		le.PutUint16(buf[58:], 0)
	default:
		le.PutUint64(buf[28:], uint64(l.Timestamp))
	}
	return buf
}

// ParseLeader parses a leader record. All device-sourced lengths are
// validated; a parse failure is a framing error, never a panic.
func ParseLeader(magic uint32, buf []byte) (Leader, error) {
	if len(buf) < genericLeaderLen {
		return Leader{}, fmt.Errorf("leader too short: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	if got := le.Uint32(buf[0:]); got != magic {
		return Leader{}, fmt.Errorf("bad leader magic 0x%08x", got)
	}

	declared := int(le.Uint16(buf[6:]))
	if declared > len(buf) {
		return Leader{}, fmt.Errorf("leader size %d exceeds record of %d bytes", declared, len(buf))
	}

	l := Leader{
		BlockID:     le.Uint64(buf[8:]),
		Type:        PayloadType(le.Uint16(buf[18:])),
		PayloadSize: le.Uint64(buf[20:]),
	}
	if !l.Type.valid() {
		return Leader{}, fmt.Errorf("unknown payload type 0x%04x", uint16(l.Type))
	}

	switch l.Type {
	case PayloadImage, PayloadImageExtendedChunk:
		if len(buf) < imageLeaderLen {
			return Leader{}, fmt.Errorf("image leader too short: %d bytes", len(buf))
		}
		l.Timestamp = time.Duration(le.Uint64(buf[28:]))
		l.Info = &ImageInfo{
			PixelFormat: le.Uint32(buf[36:]),
			Width:       le.Uint32(buf[40:]),
			Height:      le.Uint32(buf[44:]),
			XOffset:     le.Uint32(buf[48:]),
			YOffset:     le.Uint32(buf[52:]),
			XPadding:    le.Uint16(buf[56:]),
		}
	case PayloadChunk:
		if len(buf) >= chunkLeaderLen {
			l.Timestamp = time.Duration(le.Uint64(buf[28:]))
		}
	}
	return l, nil
}

// Trailer closes a block, confirming its ID and the number of payload bytes
// that are actually valid.
type Trailer struct {
	BlockID          uint64
	Status           PayloadStatus
	ValidPayloadSize uint64

	// ActualHeight is set for image trailers of devices with variable
	// frame size; zero means the leader's height stands.
	ActualHeight uint32
}

// EncodeTrailer serializes a trailer record with the given marker.
func EncodeTrailer(magic uint32, t Trailer) []byte {
	size := genericTrailerLen
	if t.ActualHeight != 0 {
		size = imageTrailerLen
	}
	buf := make([]byte, size)
	le := binary.LittleEndian

	le.PutUint32(buf[0:], magic)
	le.PutUint16(buf[4:], 0)
	le.PutUint16(buf[6:], uint16(size))
	le.PutUint64(buf[8:], t.BlockID)
	le.PutUint16(buf[16:], uint16(t.Status))
	le.PutUint16(buf[18:], 0)
	le.PutUint64(buf[20:], t.ValidPayloadSize)
	if size == imageTrailerLen {
		le.PutUint32(buf[28:], t.ActualHeight)
	}
	return buf
}

// ParseTrailer parses a trailer record.
func ParseTrailer(magic uint32, buf []byte) (Trailer, error) {
	if len(buf) < genericTrailerLen {
		return Trailer{}, fmt.Errorf("trailer too short: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	if got := le.Uint32(buf[0:]); got != magic {
		return Trailer{}, fmt.Errorf("bad trailer magic 0x%08x", got)
	}

	t := Trailer{
		BlockID:          le.Uint64(buf[8:]),
		Status:           PayloadStatus(le.Uint16(buf[16:])),
		ValidPayloadSize: le.Uint64(buf[20:]),
	}
	if len(buf) >= imageTrailerLen {
		t.ActualHeight = le.Uint32(buf[28:])
	}
	return t, nil
}
