package gencp

import "fmt"

// StatusCode is the device-reported outcome of a command.
type StatusCode uint16

const (
	StatusSuccess          StatusCode = 0x0000
	StatusNotImplemented   StatusCode = 0x8001
	StatusInvalidParameter StatusCode = 0x8002
	StatusInvalidAddress   StatusCode = 0x8003
	StatusWriteProtect     StatusCode = 0x8004
	StatusBadAlignment     StatusCode = 0x8005
	StatusAccessDenied     StatusCode = 0x8006
	StatusBusy             StatusCode = 0x8007
)

// OK reports whether the status is a success.
func (s StatusCode) OK() bool { return s == StatusSuccess }

func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusNotImplemented:
		return "NotImplemented"
	case StatusInvalidParameter:
		return "InvalidParameter"
	case StatusInvalidAddress:
		return "InvalidAddress"
	case StatusWriteProtect:
		return "WriteProtect"
	case StatusBadAlignment:
		return "BadAlignment"
	case StatusAccessDenied:
		return "AccessDenied"
	case StatusBusy:
		return "Busy"
	}
	return fmt.Sprintf("StatusCode(0x%04x)", uint16(s))
}
