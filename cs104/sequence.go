package cs104

import (
	"time"

	"github.com/arloliu/go-iec104/apci"
)

// maxOutstanding bounds the unacknowledged I-frames. With SeqModulo of them an N(R) equal to
// ackSeq could mean none or all acknowledged.
const maxOutstanding = apci.SeqModulo - 1

// sentFrame is an I-frame waiting for the peer's acknowledgement.
type sentFrame struct {
	at time.Time
	// acked is closed when the frame is acknowledged, nil if nobody waits for it.
	acked chan struct{}
}

// seqTracker holds the sequence state of one connection. A fresh tracker is created for every
// connection, which resets all counters to zero.
//
// It is not goroutine-safe; the session lock guards it.
type seqTracker struct {
	watermark int

	// sendSeq is the N(S) of the next I-frame we send.
	sendSeq apci.SeqNum
	// recvSeq is the N(S) we expect next from the peer. It is the N(R) we send.
	recvSeq apci.SeqNum
	// ackSeq is the N(S) of our oldest unacknowledged I-frame.
	ackSeq apci.SeqNum
	// sent holds our unacknowledged I-frames, oldest first. sent[i] has N(S) ackSeq+i.
	sent []sentFrame

	// unackedRecv counts received I-frames not acknowledged yet.
	unackedRecv int
	// oldestRecv is the arrival time of the oldest of them.
	oldestRecv time.Time
}

func newSeqTracker(watermark int) *seqTracker {
	return &seqTracker{watermark: watermark}
}

// commitSend records an I-frame written with N(S)=sendSeq and N(R)=recvSeq.
// Since it carries our N(R), it also acknowledges every received I-frame.
func (t *seqTracker) commitSend(now time.Time, acked chan struct{}) {
	t.sent = append(t.sent, sentFrame{at: now, acked: acked})
	t.sendSeq = t.sendSeq.Next()
	t.recvAcked()
}

// recvAcked records that an S-frame or I-frame carrying recvSeq was written.
func (t *seqTracker) recvAcked() {
	t.unackedRecv = 0
	t.oldestRecv = time.Time{}
}

// ack processes an N(R) received from the peer. It must lie within [ackSeq, sendSeq].
func (t *seqTracker) ack(nr apci.SeqNum) error {
	n := t.ackSeq.Distance(nr)
	if n > len(t.sent) {
		return &SequenceError{Field: "N(R)", Got: nr, Expected: t.ackSeq, Outstanding: len(t.sent)}
	}

	for i := range n {
		if t.sent[i].acked != nil {
			close(t.sent[i].acked)
		}
	}

	remaining := copy(t.sent, t.sent[n:])
	clear(t.sent[remaining:])
	t.sent = t.sent[:remaining]
	t.ackSeq = nr

	return nil
}

// recvI processes the N(S) of a received I-frame. Gaps are violations.
// ackDue reports that the watermark is reached and an S-frame must be sent now.
func (t *seqTracker) recvI(ns apci.SeqNum, now time.Time) (ackDue bool, err error) {
	if ns != t.recvSeq {
		return false, &SequenceError{Field: "N(S)", Got: ns, Expected: t.recvSeq}
	}

	t.recvSeq = t.recvSeq.Next()
	if t.unackedRecv == 0 {
		t.oldestRecv = now
	}
	t.unackedRecv++

	return t.unackedRecv >= t.watermark, nil
}

// oldestSent returns the send time of the oldest unacknowledged I-frame.
func (t *seqTracker) oldestSent() (time.Time, bool) {
	if len(t.sent) == 0 {
		return time.Time{}, false
	}

	return t.sent[0].at, true
}

// outstanding returns the number of unacknowledged sent I-frames.
func (t *seqTracker) outstanding() int {
	return len(t.sent)
}

// SequenceState is a snapshot of the sequence counters of the current connection.
type SequenceState struct {
	// Epoch identifies the connection. It increases with every successful STARTDT.
	Epoch uint64
	// SendSeq is the N(S) of the next I-frame sent.
	SendSeq apci.SeqNum
	// RecvSeq is the N(S) expected next from the peer.
	RecvSeq apci.SeqNum
	// AckSeq is the oldest N(S) not acknowledged by the peer.
	AckSeq apci.SeqNum
	// UnackedSent is the number of sent I-frames not acknowledged by the peer.
	UnackedSent int
	// UnackedRecv is the number of received I-frames we did not acknowledge yet.
	UnackedRecv int
}

func (t *seqTracker) snapshot(epoch uint64) SequenceState {
	return SequenceState{
		Epoch:       epoch,
		SendSeq:     t.sendSeq,
		RecvSeq:     t.recvSeq,
		AckSeq:      t.ackSeq,
		UnackedSent: len(t.sent),
		UnackedRecv: t.unackedRecv,
	}
}
