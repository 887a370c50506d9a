package cs104

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-iec104/apci"
	"github.com/arloliu/go-iec104/logger"
)

// session is one TCP connection in the data transfer phase, from STARTDT con to teardown.
// Every reconnect creates a new session, so sequence state never crosses connections.
//
// The session lock serializes socket writes with the sequence stamp they carry, and guards
// the tracker and the test frame state shared by the reader, the deadline loop and callers.
type session struct {
	epoch  uint64
	conn   net.Conn
	reader *apci.Reader
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger

	metrics      *ConnectionMetrics
	writeTimeout time.Duration

	mu        sync.Locker
	seq       *seqTracker
	testSince time.Time     // send time of the outstanding TESTFR act
	testDone  chan struct{} // closed by TESTFR con
	wbuf      []byte

	// lastActivity is the unix nano time of the last frame sent or received.
	lastActivity atomic.Int64
	// wake nudges the deadline loop to recompute its next deadline.
	wake chan struct{}

	stopCon  chan struct{}
	stopOnce sync.Once

	failed atomic.Bool
	closed atomic.Bool
}

func newSession(pctx context.Context, epoch uint64, conn net.Conn, reader *apci.Reader, cfg *ConnectionConfig, metrics *ConnectionMetrics) *session {
	ctx, cancel := context.WithCancel(pctx)
	s := &session{
		epoch:        epoch,
		conn:         conn,
		reader:       reader,
		ctx:          ctx,
		cancel:       cancel,
		logger:       cfg.logger.With("epoch", epoch),
		metrics:      metrics,
		writeTimeout: cfg.writeTimeout,
		mu:           cfg.lockPolicy.NewMutex(),
		seq:          newSeqTracker(cfg.ackWatermark),
		wbuf:         make([]byte, 0, apci.MaxFrameLen),
		wake:         make(chan struct{}, 1),
		stopCon:      make(chan struct{}),
	}
	s.touch(time.Now())

	return s
}

func (s *session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *session) idleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// nudge wakes the deadline loop without blocking.
func (s *session) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// writeLocked writes a frame built in s.wbuf. The caller holds s.mu.
func (s *session) writeLocked(b []byte, now time.Time) error {
	if s.closed.Load() {
		return ErrConnectionLost
	}

	if err := s.conn.SetWriteDeadline(now.Add(s.writeTimeout)); err != nil {
		return newWriteError(0, err)
	}

	n, err := s.conn.Write(b)
	if err != nil {
		return newWriteError(n, err)
	}

	s.touch(now)

	return nil
}

// sendI writes an I-frame stamped with the current sequence numbers. When acked is not nil it
// is closed once the peer acknowledges the frame.
func (s *session) sendI(payload []byte, acked chan struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq.outstanding() >= maxOutstanding {
		return ErrSendWindowFull
	}

	b, err := apci.AppendIFrame(s.wbuf[:0], s.seq.sendSeq, s.seq.recvSeq, payload)
	if err != nil {
		return err
	}

	now := time.Now()
	startTimer := s.seq.outstanding() == 0
	if err := s.writeLocked(b, now); err != nil {
		return err
	}

	if s.logger.Level() == logger.DebugLevel {
		s.logger.Debug("I-frame sent", "ns", s.seq.sendSeq, "nr", s.seq.recvSeq, "len", len(payload))
	}

	s.seq.commitSend(now, acked)
	s.metrics.incIFrameSendCount()

	// the t1 deadline only moves when the first frame becomes outstanding
	if startTimer {
		s.nudge()
	}

	return nil
}

// sendS writes an S-frame acknowledging every received I-frame. Unless force is set nothing is
// written when no received I-frame waits for an acknowledgement.
func (s *session) sendS(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sendSLocked(force)
}

func (s *session) sendSLocked(force bool) error {
	if !force && s.seq.unackedRecv == 0 {
		return nil
	}

	b, _ := apci.AppendSFrame(s.wbuf[:0], s.seq.recvSeq)
	if err := s.writeLocked(b, time.Now()); err != nil {
		return err
	}

	if s.logger.Level() == logger.DebugLevel {
		s.logger.Debug("S-frame sent", "nr", s.seq.recvSeq, "acked", s.seq.unackedRecv)
	}

	s.seq.recvAcked()
	s.metrics.incSFrameSendCount()

	return nil
}

// sendU writes an U-frame.
func (s *session) sendU(fn apci.UFunction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sendULocked(fn)
}

func (s *session) sendULocked(fn apci.UFunction) error {
	b, err := apci.AppendUFrame(s.wbuf[:0], fn)
	if err != nil {
		return err
	}

	if err := s.writeLocked(b, time.Now()); err != nil {
		return err
	}

	s.logger.Debug("U-frame sent", "function", fn)
	s.metrics.incUFrameSendCount()

	return nil
}

// startTest sends TESTFR act unless one is outstanding already. The returned channel is
// closed when the confirmation arrives; it is shared by concurrent callers.
func (s *session) startTest() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.startTestLocked()
}

func (s *session) startTestLocked() (<-chan struct{}, error) {
	if s.testDone != nil {
		return s.testDone, nil
	}

	if err := s.sendULocked(apci.TestFRAct); err != nil {
		s.metrics.incTestFrameErrCount()
		return nil, err
	}

	s.metrics.incTestFrameSendCount()
	s.testSince = time.Now()
	s.testDone = make(chan struct{})
	s.nudge()

	return s.testDone, nil
}

// testConfirmed resolves the outstanding TESTFR act. An unsolicited TESTFR con is ignored.
func (s *session) testConfirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.testDone == nil {
		return false
	}

	close(s.testDone)
	s.testDone = nil
	s.testSince = time.Time{}

	return true
}

// stopConfirmed signals the STOPDT con to Close.
func (s *session) stopConfirmed() {
	s.stopOnce.Do(func() { close(s.stopCon) })
}

// snapshot returns the sequence counters.
func (s *session) snapshot() SequenceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.seq.snapshot(s.epoch)
}

// close cancels the session context and closes the socket, which unblocks the reader.
// Waiters on acknowledgements observe the canceled context.
func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.failed.Store(true)
	s.cancel()

	if tcpConn, ok := s.conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0) // Set linger timeout to 0 to force close
	}

	if err := s.conn.Close(); err != nil && !isNetClosed(err) {
		s.logger.Error("failed to close TCP connection", "method", "close", "error", err)
	}
}
