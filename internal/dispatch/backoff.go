package dispatch

import (
	"math/rand"
	"time"
)

// backoffDelay computes the wait before the next delivery attempt:
// exponential in the attempt count with half-interval jitter, capped at max.
// A server-supplied retry-after overrides the computed delay (still capped).
func backoffDelay(attempts int, base, max, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > max {
			return max
		}
		return retryAfter
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	// Jitter to half the interval so synchronized drainers spread out.
	half := delay / 2
	if half > 0 {
		delay = half + time.Duration(rand.Int63n(int64(half+1)))
	}
	if delay > max {
		delay = max
	}
	return delay
}
