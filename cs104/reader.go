package cs104

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-iec104/apci"
	"github.com/arloliu/go-iec104/asdu"
	"github.com/arloliu/go-iec104/logger"
)

// RestartEvent is delivered when the reader loop attaches to a new connection. Telegrams
// received before the event belong to earlier connections; nothing lost in between is replayed.
type RestartEvent struct {
	// Epoch identifies the connection, see SequenceState.
	Epoch uint64
	// First is true for the first connection of the client.
	First bool
}

// Reader runs the receive loop of a Client and delivers its telegrams.
//
// Run must be called on a goroutine owned by the application. Without a running reader no
// frame is received: I-frames are not acknowledged, commands are not answered and the link
// is eventually torn down by t1 on the station side.
type Reader struct {
	c         *Client
	telegrams chan *asdu.ASDU
	restarts  chan RestartEvent
	running   atomic.Bool
}

func newReader(c *Client, capacity int) *Reader {
	return &Reader{
		c:         c,
		telegrams: make(chan *asdu.ASDU, capacity),
		restarts:  make(chan RestartEvent, 1),
	}
}

// Telegrams returns the channel of received telegrams that are not command replies, in the
// order they were received. It spans reconnections and is closed when Run returns.
//
// The reader blocks while the channel is full, which stalls the link; the application must
// drain it.
func (r *Reader) Telegrams() <-chan *asdu.ASDU {
	return r.telegrams
}

// RestartEvents returns a channel signaling every new connection. Only the latest event is
// kept when the application does not keep up.
func (r *Reader) RestartEvents() <-chan RestartEvent {
	return r.restarts
}

// Run receives frames until the client is closed. It returns ErrReaderRunning when called
// again while running.
//
// Reads have no deadline: a silent station blocks Run until the idle timer t3 and the TESTFR
// confirmation bound t1 tear the connection down.
func (r *Reader) Run() error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrReaderRunning
	}
	defer close(r.telegrams)

	c := r.c
	first := true

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("reader loop terminated", "method", "Run")
			return nil

		case sess := <-c.sessions:
			if sess.ctx.Err() != nil {
				continue
			}

			r.notifyRestart(RestartEvent{Epoch: sess.epoch, First: first})
			first = false

			r.serve(sess)
		}
	}
}

func (r *Reader) notifyRestart(ev RestartEvent) {
	select {
	case <-r.restarts:
	default:
	}

	r.restarts <- ev
}

// serve runs the receive loop of one session until it fails or is closed.
func (r *Reader) serve(sess *session) {
	c := r.c
	sess.logger.Debug("reader attached", "method", "serve")

	for {
		f, raw, err := sess.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, apci.ErrUnknownFunction) {
				c.metrics.incUFrameRecvCount()
				sess.touch(time.Now())
				sess.logger.Warn("unknown U-frame function ignored", "method", "serve", "frame", fmt.Sprintf("% X", raw))

				continue
			}

			if sess.ctx.Err() != nil {
				return
			}

			if errors.Is(err, apci.ErrFrameDecode) {
				c.metrics.incDecodeErrCount()
				sess.logger.Debug("malformed frame", "method", "serve", "frame", fmt.Sprintf("% X", raw))
			}

			c.fail(sess, err)

			return
		}

		sess.touch(time.Now())

		if err := r.dispatch(sess, f); err != nil {
			if sess.ctx.Err() != nil {
				return
			}

			c.fail(sess, err)

			return
		}
	}
}

func (r *Reader) dispatch(sess *session, f apci.Frame) error {
	c := r.c

	if sess.logger.Level() == logger.DebugLevel {
		sess.logger.Debug("frame received", "method", "dispatch", "frame", f)
	}

	switch fr := f.(type) {
	case *apci.IFrame:
		c.metrics.incIFrameRecvCount()
		return r.handleI(sess, fr)

	case *apci.SFrame:
		c.metrics.incSFrameRecvCount()

		sess.mu.Lock()
		err := sess.seq.ack(fr.RecvSeq)
		sess.mu.Unlock()

		return err

	case *apci.UFrame:
		c.metrics.incUFrameRecvCount()
		return r.handleU(sess, fr)
	}

	return nil
}

func (r *Reader) handleI(sess *session, fr *apci.IFrame) error {
	c := r.c

	sess.mu.Lock()
	err := sess.seq.ack(fr.RecvSeq)

	var ackDue bool
	if err == nil {
		ackDue, err = sess.seq.recvI(fr.SendSeq, time.Now())
	}

	firstUnacked := sess.seq.unackedRecv == 1

	var ackErr error
	if err == nil && ackDue {
		ackErr = sess.sendSLocked(false)
	}
	sess.mu.Unlock()

	if err != nil {
		return err
	}

	// the frame is accepted: a transient S-frame failure must not lose its telegram
	if ackErr != nil {
		if err := fatalOnly(sess, ackErr); err != nil {
			return err
		}
	}

	// the t2 deadline starts with the first unacknowledged frame and retries a failed S-frame
	if (firstUnacked && !ackDue) || ackErr != nil {
		sess.nudge()
	}

	a, err := c.cfg.codec.Decode(fr.Payload)
	if err != nil {
		c.metrics.incDecodeErrCount()
		return &apci.DecodeError{Reason: "telegram", Err: err}
	}

	return r.route(sess, a)
}

// route resolves the command a answers, or delivers a to the telegram channel.
// Telegrams with push causes are never command replies.
func (r *Reader) route(sess *session, a *asdu.ASDU) error {
	c := r.c

	if !a.Cause.IsPush() {
		if key, ok := c.cfg.codec.CorrelationKey(a); ok && c.pending.resolve(key, a) {
			sess.logger.Debug("command reply received", "method", "route", "key", key)
			return nil
		}
	}

	select {
	case r.telegrams <- a:
		c.metrics.incTelegramRecvCount()
		return nil
	case <-sess.ctx.Done():
		return sess.ctx.Err()
	}
}

func (r *Reader) handleU(sess *session, fr *apci.UFrame) error {
	c := r.c

	switch fr.Function {
	case apci.TestFRAct:
		return fatalOnly(sess, sess.sendU(apci.TestFRCon))

	case apci.TestFRCon:
		if sess.testConfirmed() {
			c.metrics.incTestFrameRecvCount()
		} else {
			sess.logger.Debug("unsolicited TESTFR con ignored", "method", "handleU")
		}

	case apci.StopDTCon:
		sess.stopConfirmed()

	default:
		sess.logger.Warn("unexpected U-frame ignored", "method", "handleU", "function", fr.Function)
	}

	return nil
}

// fatalOnly drops write errors that left the socket usable.
func fatalOnly(sess *session, err error) error {
	var wErr *WriteError
	if errors.As(err, &wErr) && !wErr.Fatal() {
		sess.logger.Warn("write timed out, frame not sent", "error", err)
		return nil
	}

	return err
}
