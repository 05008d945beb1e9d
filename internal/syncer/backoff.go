package syncer

import "time"

const maxBackoff = time.Hour

// backoffDelay returns the wait before the next delivery attempt, doubling
// per retry from the configured base and capped at an hour.
func backoffDelay(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
