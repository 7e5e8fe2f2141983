package queue

import (
	"math/rand"
	"time"
)

const defaultReconnectBackoff = time.Second

// backoffDuration doubles base per attempt, capped at 64x, plus up to 25% jitter.
func backoffDuration(attempts int, base time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = defaultReconnectBackoff
	}
	d := base * time.Duration(1<<uint(min(attempts-1, 6)))
	if quarter := int64(d / 4); quarter > 0 {
		d += time.Duration(rand.Int63n(quarter))
	}
	return d
}
