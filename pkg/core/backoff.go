package core

import "time"

// Backoff returns the delay before attempt k of any bounded-retry chain:
// 2^k seconds, so 2s, 4s, 8s for k = 1, 2, 3. Job retries, session-cleanup
// retries and webhook-delivery retries all share this schedule.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<attempt) * time.Second
}
