package usb

import (
	"errors"
	"fmt"
)

// Sentinel decode errors. Match them with errors.Is on the error returned by
// Decode.
var (
	ErrTruncated  = errors.New("usb: truncated packet")
	ErrLength     = errors.New("usb: unexpected packet length")
	ErrUnknownPID = errors.New("usb: unknown PID")
	ErrPIDCheck   = errors.New("usb: PID check nibble mismatch")
	ErrCRC        = errors.New("usb: CRC mismatch")
)

// DecodeError reports why a packet could not be decoded. It records the
// PID (if one could be read) and the packet length.
type DecodeError struct {
	PID    PID
	Length int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Length == 0 {
		return fmt.Sprintf("usb: decode: %v", e.Err)
	}
	return fmt.Sprintf("usb: decode %s (%d bytes): %v", e.PID, e.Length, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
