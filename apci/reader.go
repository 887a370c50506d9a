package apci

import (
	"bufio"
	"fmt"
	"io"
	"time"
)

// deadliner is implemented by net.Conn.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader reads frames from a byte stream.
//
// By default the wait for the start of a frame has no deadline, so an idle link blocks
// ReadFrame indefinitely. SetHeaderDeadline bounds that wait, e.g. while a handshake is in
// progress. Once the two header octets arrived, the rest of the frame must arrive within
// the frame timeout when the underlying reader supports read deadlines.
//
// Reader is NOT goroutine-safe, a link has a single receiver.
type Reader struct {
	src          io.Reader
	br           *bufio.Reader
	frameTimeout time.Duration
	headerDL     time.Time
	buf          [MaxFrameLen]byte
}

// NewReader returns a Reader on r. frameTimeout bounds the read of a frame body once its
// header has been received. Zero disables it.
func NewReader(r io.Reader, frameTimeout time.Duration) *Reader {
	return &Reader{
		src:          r,
		br:           bufio.NewReaderSize(r, 4*MaxFrameLen),
		frameTimeout: frameTimeout,
	}
}

// SetHeaderDeadline sets the deadline for the arrival of the next frame header.
// The zero value waits forever. It only has an effect when the stream supports read deadlines.
func (r *Reader) SetHeaderDeadline(t time.Time) {
	r.headerDL = t
}

// ReadFrame reads and decodes the next frame.
//
// raw holds the frame octets for trace logging. It is only valid until the next call.
// When decoding fails raw is still returned so the malformed bytes can be dumped.
// After an invalid start byte or length octet the stream position is undefined. Errors
// found in the control field leave the stream at the start of the next frame.
func (r *Reader) ReadFrame() (f Frame, raw []byte, err error) {
	dl, hasDeadline := r.src.(deadliner)
	if hasDeadline {
		if err = dl.SetReadDeadline(r.headerDL); err != nil {
			return nil, nil, fmt.Errorf("set header deadline: %w", err)
		}
	}

	hdr := r.buf[:2]
	if _, err = io.ReadFull(r.br, hdr); err != nil {
		return nil, nil, fmt.Errorf("read frame header: %w", err)
	}

	if hdr[0] != StartByte {
		return nil, hdr, decodeErr("invalid start byte 0x%02X", hdr[0])
	}

	apduLen := int(hdr[1])
	if apduLen < ControlLen || apduLen > MaxAPDULen {
		return nil, hdr, decodeErr("invalid length field %d", apduLen)
	}

	if hasDeadline && r.frameTimeout > 0 && r.br.Buffered() < apduLen {
		if err = dl.SetReadDeadline(time.Now().Add(r.frameTimeout)); err != nil {
			return nil, nil, fmt.Errorf("set frame deadline: %w", err)
		}
	}

	raw = r.buf[:2+apduLen]
	if _, err = io.ReadFull(r.br, raw[2:]); err != nil {
		return nil, nil, fmt.Errorf("read frame body: %w", err)
	}

	f, err = decodeAPDU(raw[2:6], raw[6:])

	return f, raw, err
}
