package apci

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReader_Stream(t *testing.T) {
	require := require.New(t)

	var stream []byte
	frames := []Frame{
		&UFrame{Function: StartDTCon},
		&IFrame{SendSeq: 0, RecvSeq: 0, Payload: []byte{0x01, 0x02, 0x03}},
		&SFrame{RecvSeq: 1},
		&IFrame{SendSeq: 1, RecvSeq: 1, Payload: bytes.Repeat([]byte{0xEE}, MaxASDULen)},
		&UFrame{Function: TestFRAct},
	}
	for _, f := range frames {
		b, err := Encode(f)
		require.NoError(err)
		stream = append(stream, b...)
	}

	r := NewReader(bytes.NewReader(stream), 0)
	for _, want := range frames {
		got, raw, err := r.ReadFrame()
		require.NoError(err)
		require.Equal(want, got)

		wire, _ := Encode(want)
		require.Equal(wire, raw)
	}

	_, _, err := r.ReadFrame()
	require.ErrorIs(err, io.EOF)
}

func TestReader_UnknownFunctionKeepsAlignment(t *testing.T) {
	require := require.New(t)

	stream := []byte{
		0x68, 0x04, 0xC3, 0x00, 0x00, 0x00, // unknown function
		0x68, 0x04, 0x83, 0x00, 0x00, 0x00, // TESTFR con
	}
	r := NewReader(bytes.NewReader(stream), 0)

	f, _, err := r.ReadFrame()
	require.ErrorIs(err, ErrUnknownFunction)
	require.Equal(&UFrame{Function: 0xC3}, f)

	f, _, err = r.ReadFrame()
	require.NoError(err)
	require.Equal(&UFrame{Function: TestFRCon}, f)
}

func TestReader_InvalidHeader(t *testing.T) {
	require := require.New(t)

	r := NewReader(bytes.NewReader([]byte{0x10, 0x04, 0x07, 0x00, 0x00, 0x00}), 0)
	f, raw, err := r.ReadFrame()
	require.Nil(f)
	require.Equal([]byte{0x10, 0x04}, raw)
	require.ErrorIs(err, ErrFrameDecode)

	r = NewReader(bytes.NewReader([]byte{0x68, 0x02, 0x07, 0x00}), 0)
	_, _, err = r.ReadFrame()
	require.ErrorIs(err, ErrFrameDecode)
}

func TestReader_TruncatedBody(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x68, 0x04, 0x07, 0x00}), 0)
	_, _, err := r.ReadFrame()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.NotErrorIs(t, err, ErrFrameDecode)
}

func TestReader_NetConn(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewReader(client, 50*time.Millisecond)

	// an idle link does not time out while waiting for a header
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = server.Write([]byte{0x68, 0x04, 0x0B, 0x00, 0x00, 0x00})
	}()

	f, _, err := r.ReadFrame()
	require.NoError(err)
	require.Equal(&UFrame{Function: StartDTCon}, f)

	// a stalled body does
	go func() {
		_, _ = server.Write([]byte{0x68, 0x04, 0x43})
	}()

	_, _, err = r.ReadFrame()
	require.Error(err)

	var netErr net.Error
	require.True(errors.As(err, &netErr))
	require.True(netErr.Timeout())
	require.ErrorIs(err, os.ErrDeadlineExceeded)
}

func TestReader_HeaderDeadline(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewReader(client, 0)
	r.SetHeaderDeadline(time.Now().Add(30 * time.Millisecond))

	start := time.Now()
	_, _, err := r.ReadFrame()
	require.ErrorIs(err, os.ErrDeadlineExceeded)
	require.Less(time.Since(start), time.Second)

	r.SetHeaderDeadline(time.Time{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = server.Write([]byte{0x68, 0x04, 0x83, 0x00, 0x00, 0x00})
	}()

	f, _, err := r.ReadFrame()
	require.NoError(err)
	require.Equal(&UFrame{Function: TestFRCon}, f)
}
