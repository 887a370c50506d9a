package apci

import (
	"fmt"
)

const (
	// StartByte is the first octet of every APDU.
	StartByte byte = 0x68
	// HeaderLen is the length of the APCI: start byte, length octet and four control octets.
	HeaderLen = 6
	// ControlLen is the length of the control field.
	ControlLen = 4
	// MaxAPDULen is the largest value of the length octet.
	MaxAPDULen = 253
	// MaxASDULen is the largest I-frame payload.
	MaxASDULen = MaxAPDULen - ControlLen
	// MaxFrameLen is the largest encoded frame including start and length octets.
	MaxFrameLen = MaxAPDULen + 2
)

// Kind is the frame format selected by the low bits of the first control octet.
type Kind uint8

const (
	// KindI is the numbered information transfer format.
	KindI Kind = iota
	// KindS is the numbered supervisory format.
	KindS
	// KindU is the unnumbered control format.
	KindU
)

// String returns the conventional letter of the format.
func (k Kind) String() string {
	switch k {
	case KindI:
		return "I"
	case KindS:
		return "S"
	case KindU:
		return "U"
	default:
		return "?"
	}
}

// UFunction is the first control octet of a U-frame.
type UFunction byte

// U-frame functions.
const (
	StartDTAct UFunction = 0x07
	StartDTCon UFunction = 0x0B
	StopDTAct  UFunction = 0x13
	StopDTCon  UFunction = 0x23
	TestFRAct  UFunction = 0x43
	TestFRCon  UFunction = 0x83
)

// Known reports whether f is one of the six functions defined by the standard.
func (f UFunction) Known() bool {
	switch f {
	case StartDTAct, StartDTCon, StopDTAct, StopDTCon, TestFRAct, TestFRCon:
		return true
	default:
		return false
	}
}

// IsAct reports whether f is an activation.
func (f UFunction) IsAct() bool {
	return f == StartDTAct || f == StopDTAct || f == TestFRAct
}

// Confirmation returns the confirmation function answering the activation f.
// It returns f itself when f is not an activation.
func (f UFunction) Confirmation() UFunction {
	switch f {
	case StartDTAct:
		return StartDTCon
	case StopDTAct:
		return StopDTCon
	case TestFRAct:
		return TestFRCon
	default:
		return f
	}
}

func (f UFunction) String() string {
	switch f {
	case StartDTAct:
		return "STARTDT act"
	case StartDTCon:
		return "STARTDT con"
	case StopDTAct:
		return "STOPDT act"
	case StopDTCon:
		return "STOPDT con"
	case TestFRAct:
		return "TESTFR act"
	case TestFRCon:
		return "TESTFR con"
	default:
		return fmt.Sprintf("U(0x%02X)", byte(f))
	}
}

// Frame is one of IFrame, SFrame or UFrame.
type Frame interface {
	Kind() Kind
	String() string
}

// IFrame carries one ASDU with the sender's N(S) and the acknowledged N(R).
type IFrame struct {
	SendSeq SeqNum
	RecvSeq SeqNum
	Payload []byte
}

// SFrame acknowledges received I-frames up to, excluding, RecvSeq.
type SFrame struct {
	RecvSeq SeqNum
}

// UFrame carries one control function.
type UFrame struct {
	Function UFunction
}

var (
	_ Frame = (*IFrame)(nil)
	_ Frame = (*SFrame)(nil)
	_ Frame = (*UFrame)(nil)
)

func (*IFrame) Kind() Kind { return KindI }
func (*SFrame) Kind() Kind { return KindS }
func (*UFrame) Kind() Kind { return KindU }

func (f *IFrame) String() string {
	return fmt.Sprintf("I(ns=%d nr=%d len=%d)", f.SendSeq, f.RecvSeq, len(f.Payload))
}

func (f *SFrame) String() string {
	return fmt.Sprintf("S(nr=%d)", f.RecvSeq)
}

func (f *UFrame) String() string {
	return "U(" + f.Function.String() + ")"
}

// Encode returns the wire representation of f.
func Encode(f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case *IFrame:
		return AppendIFrame(nil, fr.SendSeq, fr.RecvSeq, fr.Payload)
	case *SFrame:
		return AppendSFrame(nil, fr.RecvSeq)
	case *UFrame:
		return AppendUFrame(nil, fr.Function)
	default:
		return nil, fmt.Errorf("apci: unsupported frame type %T", f)
	}
}

// AppendIFrame appends an I-frame to dst and returns the extended buffer.
func AppendIFrame(dst []byte, sendSeq, recvSeq SeqNum, payload []byte) ([]byte, error) {
	if !sendSeq.Valid() || !recvSeq.Valid() {
		return dst, ErrInvalidSeq
	}

	if len(payload) == 0 || len(payload) > MaxASDULen {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(payload))
	}

	dst = append(dst,
		StartByte,
		byte(ControlLen+len(payload)),
		byte(sendSeq<<1),
		byte(sendSeq>>7),
		byte(recvSeq<<1),
		byte(recvSeq>>7),
	)

	return append(dst, payload...), nil
}

// AppendSFrame appends an S-frame to dst and returns the extended buffer.
func AppendSFrame(dst []byte, recvSeq SeqNum) ([]byte, error) {
	if !recvSeq.Valid() {
		return dst, ErrInvalidSeq
	}

	return append(dst, StartByte, ControlLen, 0x01, 0x00, byte(recvSeq<<1), byte(recvSeq>>7)), nil
}

// AppendUFrame appends a U-frame to dst and returns the extended buffer.
func AppendUFrame(dst []byte, fn UFunction) ([]byte, error) {
	if !fn.Known() {
		return dst, fmt.Errorf("apci: encode %s: %w", fn, ErrUnknownFunction)
	}

	return append(dst, StartByte, ControlLen, byte(fn), 0x00, 0x00, 0x00), nil
}

// Decode parses one complete frame, from the start byte to the last payload octet.
//
// The payload of a decoded IFrame is a copy and does not alias b.
// A well-formed U-frame with an unknown function is returned together with an error
// matching both ErrFrameDecode and ErrUnknownFunction.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return nil, decodeErr("frame too short: %d bytes", len(b))
	}

	if b[0] != StartByte {
		return nil, decodeErr("invalid start byte 0x%02X", b[0])
	}

	apduLen := int(b[1])
	if apduLen < ControlLen || apduLen > MaxAPDULen {
		return nil, decodeErr("invalid length field %d", apduLen)
	}

	if apduLen != len(b)-2 {
		return nil, decodeErr("length field %d does not match %d octets", apduLen, len(b)-2)
	}

	return decodeAPDU(b[2:6], b[6:])
}

// decodeAPDU parses the control field cf and the bytes following it.
func decodeAPDU(cf []byte, payload []byte) (Frame, error) {
	switch {
	case cf[0]&0x01 == 0:
		if cf[2]&0x01 != 0 {
			return nil, decodeErr("I-frame control octet 3 has bit 0 set")
		}

		if len(payload) == 0 {
			return nil, decodeErr("I-frame without ASDU")
		}

		return &IFrame{
			SendSeq: SeqNum(cf[0])>>1 | SeqNum(cf[1])<<7,
			RecvSeq: SeqNum(cf[2])>>1 | SeqNum(cf[3])<<7,
			Payload: append([]byte(nil), payload...),
		}, nil

	case cf[0]&0x03 == 0x01:
		if len(payload) != 0 {
			return nil, decodeErr("S-frame with %d payload octets", len(payload))
		}

		if cf[0] != 0x01 || cf[1] != 0 || cf[2]&0x01 != 0 {
			return nil, decodeErr("malformed S-frame control field % X", cf)
		}

		return &SFrame{RecvSeq: SeqNum(cf[2])>>1 | SeqNum(cf[3])<<7}, nil

	default:
		if len(payload) != 0 {
			return nil, decodeErr("U-frame with %d payload octets", len(payload))
		}

		if cf[1] != 0 || cf[2] != 0 || cf[3] != 0 {
			return nil, decodeErr("malformed U-frame control field % X", cf)
		}

		f := &UFrame{Function: UFunction(cf[0])}
		if !f.Function.Known() {
			return f, &DecodeError{Reason: f.Function.String(), Err: ErrUnknownFunction}
		}

		return f, nil
	}
}
