package cs104

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-iec104/apci"
	"github.com/arloliu/go-iec104/asdu"
	"github.com/stretchr/testify/require"
)

// stalledConn is a socket whose writes time out without sending a byte while stalled is set.
type stalledConn struct {
	net.Conn

	mu      sync.Mutex
	stalled bool
	written [][]byte
}

func (c *stalledConn) setStalled(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stalled = v
}

func (c *stalledConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([][]byte(nil), c.written...)
}

func (c *stalledConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stalled {
		return 0, os.ErrDeadlineExceeded
	}

	c.written = append(c.written, append([]byte(nil), b...))

	return len(b), nil
}

func (c *stalledConn) SetWriteDeadline(time.Time) error { return nil }

func (c *stalledConn) Close() error { return nil }

// newStalledSession returns a session on a stalled socket, not attached to any connection
// attempt of the client.
func newStalledSession(t *testing.T, opts ...ConnOption) (*Client, *Reader, *session, *stalledConn) {
	t.Helper()

	cfg, err := NewConnectionConfig("127.0.0.1:2404", append([]ConnOption{WithTimeouts(testTimeouts())}, opts...)...)
	require.NoError(t, err)

	client, reader, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)

	conn := &stalledConn{stalled: true}
	sess := newSession(client.ctx, 1, conn, nil, cfg, &client.metrics)
	t.Cleanup(sess.cancel)
	t.Cleanup(func() { _ = client.Close() })

	return client, reader, sess, conn
}

func TestFatalOnly(t *testing.T) {
	_, _, sess, _ := newStalledSession(t)

	require.NoError(t, fatalOnly(sess, newWriteError(0, os.ErrDeadlineExceeded)))

	// a partial write corrupts the stream
	partial := newWriteError(3, os.ErrDeadlineExceeded)
	require.ErrorIs(t, fatalOnly(sess, partial), os.ErrDeadlineExceeded)

	reset := newWriteError(0, io.ErrClosedPipe)
	require.ErrorIs(t, fatalOnly(sess, reset), io.ErrClosedPipe)

	require.ErrorIs(t, fatalOnly(sess, ErrConnectionLost), ErrConnectionLost)
}

func TestWriteFailed_Transient(t *testing.T) {
	require := require.New(t)

	client, _, sess, _ := newStalledSession(t)

	err := sess.sendU(apci.TestFRAct)
	var wErr *WriteError
	require.True(errors.As(err, &wErr))
	require.False(wErr.Fatal())

	// the error is reported to the caller but the link stays up
	require.ErrorIs(client.writeFailed(sess, err), os.ErrDeadlineExceeded)
	require.False(sess.failed.Load())
	require.NoError(sess.ctx.Err())
}

func TestHandleI_TransientAckWrite(t *testing.T) {
	require := require.New(t)

	client, reader, sess, _ := newStalledSession(t, WithAckWatermark(1))

	payload, err := asdu.ParamsWide.Encode(spontaneous(7, true))
	require.NoError(err)

	// the watermark S-frame times out, the telegram is still delivered
	require.NoError(reader.handleI(sess, &apci.IFrame{SendSeq: 0, RecvSeq: 0, Payload: payload}))

	select {
	case a := <-reader.Telegrams():
		require.Equal(asdu.Spontaneous, a.Cause)
		require.Equal(byte(7), a.Body[0])
	default:
		require.Fail("telegram not delivered")
	}

	require.Equal(apci.SeqNum(1), sess.seq.recvSeq)
	require.Equal(1, sess.seq.unackedRecv)
	require.False(sess.failed.Load())
	require.Zero(client.Metrics().SFrameSendCount.Load())

	// the deadline loop is woken to retry
	select {
	case <-sess.wake:
	default:
		require.Fail("deadline loop not woken")
	}
}

func TestCheckDeadlines_TransientAckWrite(t *testing.T) {
	require := require.New(t)

	client, reader, sess, conn := newStalledSession(t)

	payload, err := asdu.ParamsWide.Encode(spontaneous(1, false))
	require.NoError(err)
	require.NoError(reader.handleI(sess, &apci.IFrame{SendSeq: 0, RecvSeq: 0, Payload: payload}))
	<-reader.Telegrams()

	require.Equal(1, sess.seq.unackedRecv)

	// t2 expired while the socket is stalled: nothing sent, retried after another t2
	now := time.Now().Add(time.Second)
	next, err := client.checkDeadlines(sess, now)
	require.NoError(err)
	require.Equal(now.Add(testTimeouts().AckDelay), next)
	require.Equal(1, sess.seq.unackedRecv)
	require.Empty(conn.frames())

	conn.setStalled(false)

	next, err = client.checkDeadlines(sess, now.Add(testTimeouts().AckDelay))
	require.NoError(err)
	require.False(next.IsZero())
	require.Zero(sess.seq.unackedRecv)

	want, err := apci.AppendSFrame(nil, 1)
	require.NoError(err)
	require.Equal([][]byte{want}, conn.frames())
	require.Equal(uint64(1), client.Metrics().SFrameSendCount.Load())
	require.False(sess.failed.Load())
}

func TestCheckDeadlines_TransientTestWrite(t *testing.T) {
	require := require.New(t)

	client, _, sess, conn := newStalledSession(t)

	// t3 expired while the socket is stalled: no TESTFR act outstanding, tried again after t1
	now := sess.idleSince().Add(testTimeouts().Idle)
	next, err := client.checkDeadlines(sess, now)
	require.NoError(err)
	require.Equal(now.Add(testTimeouts().AckWait), next)
	require.Nil(sess.testDone)
	require.Equal(uint64(1), client.Metrics().TestFrameErrCount.Load())

	conn.setStalled(false)

	_, err = client.checkDeadlines(sess, next)
	require.NoError(err)
	require.NotNil(sess.testDone)
	require.Len(conn.frames(), 1)
}

func TestSendI_WindowFull(t *testing.T) {
	require := require.New(t)

	_, _, sess, conn := newStalledSession(t)
	conn.setStalled(false)

	now := time.Now()
	for range maxOutstanding - 1 {
		sess.seq.commitSend(now, nil)
	}

	// the last free sequence number
	require.NoError(sess.sendI([]byte{0x01}, nil))
	require.Equal(maxOutstanding, sess.seq.outstanding())

	require.ErrorIs(sess.sendI([]byte{0x01}, nil), ErrSendWindowFull)
	require.Len(conn.frames(), 1)

	// every outstanding frame acknowledged at once
	require.NoError(sess.seq.ack(sess.seq.sendSeq))
	require.Zero(sess.seq.outstanding())
	require.NoError(sess.sendI([]byte{0x01}, nil))
}
