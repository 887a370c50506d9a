package apci

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameDecode matches every error returned for bytes that are not a valid APDU.
	ErrFrameDecode = errors.New("frame decode error")

	// ErrUnknownFunction indicates a well-formed U-frame whose function code is not one of
	// STARTDT, STOPDT or TESTFR act/con. The frame bytes were fully consumed, so a reader may
	// log it and continue with the next frame.
	ErrUnknownFunction = errors.New("unknown U-frame function")

	// ErrInvalidSeq indicates a sequence number that does not fit in 15 bits.
	ErrInvalidSeq = errors.New("sequence number out of range [0, 32767]")

	// ErrPayloadSize indicates an I-frame payload that is empty or longer than MaxASDULen.
	ErrPayloadSize = errors.New("invalid I-frame payload size")
)

// DecodeError describes why a byte sequence could not be decoded as an APDU.
//
// It matches ErrFrameDecode with errors.Is, and the wrapped cause, if any.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apci: %s: %v", e.Reason, e.Err)
	}

	return "apci: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrFrameDecode }

func decodeErr(reason string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(reason, args...)}
}
