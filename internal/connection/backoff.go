package connection

import "time"

// Backoff returns the delay before retry number attempt (starting at 1):
// min(base * 2^attempt, maxDelay). A non-positive maxDelay disables the cap
// and a non-positive base means no delay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
		if d <= 0 {
			// overflow without a cap
			return time.Duration(1<<63 - 1)
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
