package dispatcher

import (
	"math/rand/v2"
	"time"
)

// retryDelay is min(base*2^attempts + jitter, ceiling).
func retryDelay(attempts int, base, ceiling, jitter time.Duration, sample func(time.Duration) time.Duration) time.Duration {
	delay := ceiling
	if attempts < 0 {
		attempts = 0
	}
	if attempts < 62 {
		if d := base << attempts; d > 0 && d>>attempts == base {
			delay = d
		}
	}
	if jitter > 0 && sample != nil {
		delay += sample(jitter)
	}
	if delay > ceiling || delay < 0 {
		return ceiling
	}
	return delay
}

// uniformJitter returns a duration in [0, n).
func uniformJitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return rand.N(n)
}
