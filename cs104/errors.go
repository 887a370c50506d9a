package cs104

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/arloliu/go-iec104/apci"
)

var (
	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = errors.New("connection config is nil")

	// ErrConnClosed indicates that the client has been closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotActive indicates that the link is not in the data transfer active state.
	ErrNotActive = errors.New("data transfer is not active")

	// ErrConnectionLost is returned to every command and delivery wait outstanding when the
	// link is torn down.
	ErrConnectionLost = errors.New("connection lost")

	// ErrInvalidTransition is returned when an attempt is made to transition the connection
	// state to an invalid state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDuplicateCommand indicates a command whose correlation key is already outstanding.
	// The protocol has no transaction identifier, identical commands must be serialized.
	ErrDuplicateCommand = errors.New("command with the same correlation key is outstanding")

	// ErrNoCorrelationKey indicates a command telegram the codec derives no key from.
	ErrNoCorrelationKey = errors.New("telegram has no correlation key")

	// ErrReaderRunning indicates a second call of Reader.Run.
	ErrReaderRunning = errors.New("reader is already running")

	// ErrUnexpectedFrame indicates a frame the peer must not send in the current state.
	ErrUnexpectedFrame = errors.New("unexpected frame")

	// ErrSequenceViolation matches every SequenceError.
	ErrSequenceViolation = errors.New("sequence violation")

	// ErrSendWindowFull indicates that SeqModulo-1 sent I-frames are unacknowledged. One more
	// would make an acknowledgement ambiguous; the frame is not sent.
	ErrSendWindowFull = errors.New("send window full")
)

// ErrTimeout matches every timeout of the link layer.
var ErrTimeout = errors.New("timeout")

var (
	// ErrCommandTimeout indicates that no reply arrived before the caller's deadline.
	ErrCommandTimeout = fmt.Errorf("command reply %w", ErrTimeout)

	// ErrTestFrameTimeout indicates that a TESTFR act was not confirmed within t1.
	// The link is considered dead and reconnected.
	ErrTestFrameTimeout = fmt.Errorf("TESTFR confirmation t1 %w", ErrTimeout)

	// ErrAckTimeout indicates that a sent I-frame was not acknowledged within t1.
	// The link is considered dead and reconnected.
	ErrAckTimeout = fmt.Errorf("I-frame acknowledgement t1 %w", ErrTimeout)

	// ErrStartDTTimeout indicates that STARTDT act was not confirmed within t1.
	ErrStartDTTimeout = fmt.Errorf("STARTDT confirmation t1 %w", ErrTimeout)

	// ErrStopDTTimeout indicates that STOPDT act was not confirmed within t1.
	ErrStopDTTimeout = fmt.Errorf("STOPDT confirmation t1 %w", ErrTimeout)
)

// SequenceError describes a receive or acknowledge sequence number that does not fit the
// state of the link. It is always fatal to the connection.
type SequenceError struct {
	// Field is "N(S)" for a gap in received I-frames, "N(R)" for an acknowledgement of a frame
	// never sent.
	Field string
	Got   apci.SeqNum
	// Expected is the next N(S) for gaps, the oldest unacknowledged N(S) for bad acknowledgements.
	Expected apci.SeqNum
	// Outstanding is the number of unacknowledged sent I-frames when the error was detected.
	Outstanding int
}

func (e *SequenceError) Error() string {
	if e.Field == "N(S)" {
		return fmt.Sprintf("sequence violation: received N(S)=%d, expected %d", e.Got, e.Expected)
	}

	return fmt.Sprintf("sequence violation: received N(R)=%d outside [%d, %d]",
		e.Got, e.Expected, e.Expected.Add(e.Outstanding))
}

func (e *SequenceError) Is(target error) bool { return target == ErrSequenceViolation }

// ConnectError reports a failure to establish the TCP connection.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// WriteError reports a failure to write a frame.
//
// A write that timed out before any octet left is transient: the link stays up and the frame
// was not sent. Any other failure leaves the stream unusable and tears the connection down.
type WriteError struct {
	Err   error
	fatal bool
}

func newWriteError(n int, err error) *WriteError {
	return &WriteError{Err: err, fatal: !(n == 0 && errors.Is(err, os.ErrDeadlineExceeded))}
}

func (e *WriteError) Error() string {
	return "write frame: " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }

// Fatal reports whether the error tore down the connection.
func (e *WriteError) Fatal() bool { return e.fatal }

// isNetClosed reports errors caused by our own close of the socket or a peer close.
func isNetClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return !opErr.Timeout()
	}

	return false
}
