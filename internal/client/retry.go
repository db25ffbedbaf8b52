package client

import (
	"math"
	"time"
)

// backoffDelay is the wait after failed submission attempt n (0-based):
// (2^n + jitter) seconds, jitter in [0, 1).
func backoffDelay(attempt int, jitter float64) time.Duration {
	if jitter < 0 || jitter >= 1 {
		jitter = 0
	}
	factor := math.Pow(2, float64(attempt)) + jitter
	return time.Duration(factor * float64(time.Second))
}
