package cs104

import (
	"math"
	"time"
)

// nextBackoffDelay returns the delay before reconnection attempt n, counting from 1.
func nextBackoffDelay(b Backoff, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(b.Max) {
		return b.Max
	}

	return time.Duration(delay)
}
