package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPause returns a small jittered pause applied between
// consecutive origin attempts within run(), so a request with many
// candidate origins doesn't hammer them back to back the instant one
// fails. m_fetch.cc relies on the cooperative scheduler naturally
// interleaving other fibers between synchronous retries; Go's
// goroutines don't get that for free, so the pause is explicit here.
func retryPause(ctx context.Context, attemptNumber int) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	var d time.Duration
	for i := 0; i <= attemptNumber; i++ {
		d = b.NextBackOff()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Sweep periodically prunes the unit's error latches so a peer that
// recovers isn't excluded forever by a stale Errmsg, complementing
// the TTL-based expiry the latch already carries in Redis (this sweep
// matters for the in-memory backend used in tests and single-node
// deployments, where the map is never otherwise garbage collected).
// Runs until ctx is cancelled.
func (u *Unit) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.pool.SweepExpiredLatches()
		}
	}
}
