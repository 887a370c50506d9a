package cs104

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/arloliu/go-iec104/apci"
	"github.com/arloliu/go-iec104/asdu"
	"github.com/stretchr/testify/require"
)

// station simulates a controlled station on a loopback port.
type station struct {
	ln    net.Listener
	conns chan net.Conn
}

func newStation(t *testing.T) *station {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	st := &station{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			st.conns <- conn
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })

	return st
}

func (st *station) addr() string {
	return st.ln.Addr().String()
}

// accept waits for the next connection of the client.
func (st *station) accept(t *testing.T, timeout time.Duration) *stationConn {
	t.Helper()

	select {
	case conn := <-st.conns:
		sc := &stationConn{t: t, conn: conn, r: apci.NewReader(conn, time.Second)}
		t.Cleanup(sc.close)

		return sc
	case <-time.After(timeout):
		require.FailNow(t, "no connection accepted")
		return nil
	}
}

// stationConn is the station side of one connection. Its methods must be called from the
// test goroutine.
type stationConn struct {
	t    *testing.T
	conn net.Conn
	r    *apci.Reader
	ns   apci.SeqNum // next N(S) the station sends
	nr   apci.SeqNum // next N(S) expected from the client
}

func (sc *stationConn) close() {
	_ = sc.conn.Close()
}

func (sc *stationConn) tryReadFrame(timeout time.Duration) (apci.Frame, error) {
	sc.r.SetHeaderDeadline(time.Now().Add(timeout))

	f, _, err := sc.r.ReadFrame()
	if err != nil {
		return nil, err
	}

	if i, ok := f.(*apci.IFrame); ok {
		require.Equal(sc.t, sc.nr, i.SendSeq, "client N(S)")
		sc.nr = sc.nr.Next()
	}

	return f, nil
}

func (sc *stationConn) readFrame(timeout time.Duration) apci.Frame {
	sc.t.Helper()

	f, err := sc.tryReadFrame(timeout)
	require.NoError(sc.t, err)

	return f
}

func (sc *stationConn) expectU(fn apci.UFunction, timeout time.Duration) {
	sc.t.Helper()

	f := sc.readFrame(timeout)
	require.Equal(sc.t, &apci.UFrame{Function: fn}, f)
}

func (sc *stationConn) expectS(nr apci.SeqNum, timeout time.Duration) {
	sc.t.Helper()

	f := sc.readFrame(timeout)
	require.Equal(sc.t, &apci.SFrame{RecvSeq: nr}, f)
}

// expectI reads an I-frame and decodes its telegram.
func (sc *stationConn) expectI(timeout time.Duration) (*apci.IFrame, *asdu.ASDU) {
	sc.t.Helper()

	f := sc.readFrame(timeout)
	i, ok := f.(*apci.IFrame)
	require.True(sc.t, ok, "expected I-frame, got %s", f)

	a, err := asdu.ParamsWide.Decode(i.Payload)
	require.NoError(sc.t, err)

	return i, a
}

// expectClosed reads until the client closes the connection and returns the frames read.
func (sc *stationConn) expectClosed(timeout time.Duration) []apci.Frame {
	sc.t.Helper()

	var frames []apci.Frame
	deadline := time.Now().Add(timeout)
	for {
		f, err := sc.tryReadFrame(time.Until(deadline))
		if err != nil {
			require.False(sc.t, errors.Is(err, os.ErrDeadlineExceeded), "connection not closed by client")
			return frames
		}
		frames = append(frames, f)
	}
}

// handshake answers STARTDT act.
func (sc *stationConn) handshake() {
	sc.t.Helper()

	sc.expectU(apci.StartDTAct, 2*time.Second)
	sc.sendU(apci.StartDTCon)
}

func (sc *stationConn) write(b []byte) {
	sc.t.Helper()

	_, err := sc.conn.Write(b)
	require.NoError(sc.t, err)
}

func (sc *stationConn) sendU(fn apci.UFunction) {
	sc.t.Helper()

	b, err := apci.AppendUFrame(nil, fn)
	require.NoError(sc.t, err)
	sc.write(b)
}

func (sc *stationConn) sendS() {
	sc.t.Helper()

	b, err := apci.AppendSFrame(nil, sc.nr)
	require.NoError(sc.t, err)
	sc.write(b)
}

// sendIRaw sends an I-frame with an explicit N(S).
func (sc *stationConn) sendIRaw(ns apci.SeqNum, a *asdu.ASDU) {
	sc.t.Helper()

	payload, err := asdu.ParamsWide.Encode(a)
	require.NoError(sc.t, err)

	b, err := apci.AppendIFrame(nil, ns, sc.nr, payload)
	require.NoError(sc.t, err)
	sc.write(b)
}

func (sc *stationConn) sendI(a *asdu.ASDU) {
	sc.t.Helper()

	sc.sendIRaw(sc.ns, a)
	sc.ns = sc.ns.Next()
}

// reply answers the command a with cause.
func (sc *stationConn) reply(a *asdu.ASDU, cause asdu.Cause, negative bool) {
	sc.t.Helper()

	r := *a
	r.Cause = cause
	r.Negative = negative
	sc.sendI(&r)
}

func spontaneous(ioa byte, on bool) *asdu.ASDU {
	var spi byte
	if on {
		spi = 1
	}

	return &asdu.ASDU{
		Type:       asdu.M_SP_NA_1,
		Variable:   asdu.VariableStruct{Number: 1},
		Cause:      asdu.Spontaneous,
		CommonAddr: 1,
		Body:       []byte{ioa, 0x00, 0x00, spi},
	}
}

func testTimeouts() Timeouts {
	return Timeouts{
		Connect:  time.Second,
		AckWait:  time.Second,
		AckDelay: 500 * time.Millisecond,
		Idle:     3 * time.Second,
	}
}

func newTestClient(t *testing.T, addr string, opts ...ConnOption) (*Client, *Reader) {
	t.Helper()

	base := []ConnOption{
		WithTimeouts(testTimeouts()),
		WithReconnectBackoff(20*time.Millisecond, 100*time.Millisecond, 2),
		WithCloseTimeout(time.Second),
	}

	cfg, err := NewConnectionConfig(addr, append(base, opts...)...)
	require.NoError(t, err)

	client, reader, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)

	go func() { _ = reader.Run() }()
	t.Cleanup(func() { _ = client.Close() })

	return client, reader
}

// activate opens the client and completes the handshake on the station side.
func activate(t *testing.T, client *Client, st *station) *stationConn {
	t.Helper()

	require.NoError(t, client.Open(false))

	sc := st.accept(t, 2*time.Second)
	sc.handshake()

	waitActive(t, client)

	return sc
}

func waitActive(t *testing.T, client *Client) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.WaitActive(ctx))
}

func recvTelegram(t *testing.T, reader *Reader, timeout time.Duration) *asdu.ASDU {
	t.Helper()

	select {
	case a, ok := <-reader.Telegrams():
		require.True(t, ok, "telegram channel closed")
		return a
	case <-time.After(timeout):
		require.FailNow(t, "no telegram received")
		return nil
	}
}
