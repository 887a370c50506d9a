package cs104

import (
	"context"
	"fmt"
	"time"

	"github.com/arloliu/go-iec104/internal/pool"
)

// deadlineTask supervises one session. It evaluates the t1, t2 and t3 deadlines in a single
// loop, so an acknowledgement processed by the reader and an expiring t1 are always ordered
// by the session lock.
//
// The loop sleeps until the earliest deadline and is woken early by session.nudge when a
// deadline moves closer.
func (c *Client) deadlineTask(s *session) func(ctx context.Context) {
	return func(ctx context.Context) {
		timer := pool.GetTimer(c.cfg.timeouts.Idle)
		defer pool.PutTimer(timer)

		for {
			next, err := c.checkDeadlines(s, time.Now())
			if err != nil {
				c.fail(s, err)
				return
			}

			pool.ResetTimer(timer, time.Until(next))

			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case <-s.wake:
			case <-timer.C:
			}
		}
	}
}

// checkDeadlines acts on every expired deadline of s and returns the earliest pending one.
// A returned error is fatal to the connection.
func (c *Client) checkDeadlines(s *session, now time.Time) (time.Time, error) {
	t := c.cfg.timeouts

	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	earliest := func(dl time.Time) {
		if next.IsZero() || dl.Before(next) {
			next = dl
		}
	}

	// t1: the oldest sent I-frame must be acknowledged.
	if at, ok := s.seq.oldestSent(); ok {
		dl := at.Add(t.AckWait)
		if !now.Before(dl) {
			return next, fmt.Errorf("%w: %d I-frames outstanding since %s",
				ErrAckTimeout, s.seq.outstanding(), at.Format(time.RFC3339Nano))
		}
		earliest(dl)
	}

	// t1: the outstanding TESTFR act must be confirmed.
	if !s.testSince.IsZero() {
		dl := s.testSince.Add(t.AckWait)
		if !now.Before(dl) {
			s.metrics.incTestFrameErrCount()
			return next, ErrTestFrameTimeout
		}
		earliest(dl)
	}

	// t2: received I-frames are acknowledged at the latest t2 after the oldest arrived.
	if s.seq.unackedRecv > 0 {
		dl := s.seq.oldestRecv.Add(t.AckDelay)
		if !now.Before(dl) {
			if err := s.sendSLocked(false); err != nil {
				if err := fatalOnly(s, err); err != nil {
					return next, err
				}
				// still unacknowledged, retried after another t2
				earliest(now.Add(t.AckDelay))
			}
		} else {
			earliest(dl)
		}
	}

	// t3: an idle link is tested once. The confirmation is then bounded by t1 above.
	if s.testDone == nil {
		dl := s.idleSince().Add(t.Idle)
		if !now.Before(dl) {
			s.logger.Debug("link idle, send TESTFR act", "idle", now.Sub(s.idleSince()))
			if _, err := s.startTestLocked(); err != nil {
				if err := fatalOnly(s, err); err != nil {
					return next, err
				}
				// not sent, the link stays idle and is tested again after another t1
				earliest(now.Add(t.AckWait))
			} else {
				earliest(s.testSince.Add(t.AckWait))
			}
		} else {
			earliest(dl)
		}
	}

	return next, nil
}
