package breaker

import "time"

// Backoff returns the delay before reconnect attempt n (zero-based). The
// transport does not own retry scheduling; callers supply a policy.
type Backoff func(attempt int) time.Duration

// Exponential doubles base per attempt, capped at max.
func Exponential(base, max time.Duration) Backoff {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// Constant always waits d.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}
