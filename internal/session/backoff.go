package session

import (
	"math"
	"time"
)

const reconnectJitterRatio = 0.1

// ReconnectDelay is min(initial*multiplier^attempts, max) stretched by up to
// 10% using jitter in [0, 1).
func ReconnectDelay(initial, maxDelay time.Duration, multiplier float64, attempts int, jitter float64) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempts))
	delay = math.Min(delay, float64(maxDelay))
	return time.Duration(delay * (1 + reconnectJitterRatio*jitter))
}
