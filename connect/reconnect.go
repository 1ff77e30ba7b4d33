package connect

import (
	"time"
)

// ReconnectDelay is `min(maxDelay, initialDelay * 2^attempt)`.
func ReconnectDelay(attempt int, initialDelay time.Duration, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := initialDelay
	for i := 0; i < attempt; i += 1 {
		if maxDelay <= delay {
			return maxDelay
		}
		delay *= 2
	}
	return min(delay, maxDelay)
}
