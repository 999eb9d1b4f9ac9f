package uploader

import "time"

// BackoffDelay returns the wait before the given attempt number (1-based):
// base doubled per prior failure, never beyond cap. Pure so it can be
// recomputed from the attempt count persisted with each queue entry.
func BackoffDelay(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
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
