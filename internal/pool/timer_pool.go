// Package pool provides pooled timers for the deadline waits on the client hot paths
// (command replies, test frame confirmations and the supervision loop).
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a timer for the given duration d from the pool.
//
// Return back the timer to the pool with PutTimer.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer)
		ResetTimer(t, d)

		return t
	}

	return time.NewTimer(d)
}

// PutTimer returns timer to the pool.
//
// t cannot be accessed after returning to the pool.
func PutTimer(t *time.Timer) {
	stopAndDrain(t)
	timerPool.Put(t)
}

// ResetTimer stops t, discards a pending expiry and re-arms it to fire after d.
// A non-positive d fires the timer immediately.
func ResetTimer(t *time.Timer, d time.Duration) {
	stopAndDrain(t)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

func stopAndDrain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
