package engine

import "time"

// backoffSchedule spaces retry attempts: 1m, 5m, 15m, 1h, 4h (cap).
var backoffSchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	14400 * time.Second,
}

// RetryDelay returns the delay before the next retry after attemptCount
// failed attempts. The index clamps to the last entry, so every retry past
// the schedule waits the 4-hour cap.
func RetryDelay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	idx := attemptCount - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}
