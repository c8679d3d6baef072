package dispatch

import "time"

// Backoff computes the delay before retry attempt n (1-based).
type Backoff func(attempt int) time.Duration

// ExponentialBackoff doubles the base per attempt up to cap.
func ExponentialBackoff(base, cap time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= cap {
				return cap
			}
		}
		if d > cap {
			return cap
		}
		return d
	}
}
