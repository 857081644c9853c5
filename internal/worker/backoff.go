package worker

import (
	"math/rand"
	"time"
)

// Retry backoff: 30s, 60s, 120s, then capped. Each delay gets up to 20%
// jitter so released tasks from the same batch do not thunder back together.
const (
	backoffBase = 30 * time.Second
	backoffCap  = 120 * time.Second
)

// backoffDelay returns the wait before the next attempt. attempt is the
// number of attempts already consumed, starting at 1 after the first failure.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	return d + jitter
}
