package bridge

import (
	"sync"
	"time"
)

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// rateCleanupInterval controls how often stale sender entries are
// evicted.
const rateCleanupInterval = 10 * time.Minute

// rateLimiter bounds messages per sender per window. A limit of zero
// or less disables it.
type rateLimiter struct {
	limit int
	now   func() time.Time

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:       limit,
		now:         time.Now,
		senderTimes: make(map[string][]time.Time),
	}
}

// Allow reports whether the sender is within the per-window limit and,
// if so, records the message.
func (r *rateLimiter) Allow(senderID string) bool {
	if r.limit <= 0 {
		return true
	}

	now := r.now()
	cutoff := now.Add(-rateWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.maybeCleanupLocked(now)

	// Prune expired timestamps for this sender.
	timestamps := r.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= r.limit {
		r.senderTimes[senderID] = valid
		return false
	}

	r.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts senders whose entire window has lapsed.
// Must be called with r.mu held.
func (r *rateLimiter) maybeCleanupLocked(now time.Time) {
	if now.Sub(r.lastCleanup) < rateCleanupInterval {
		return
	}
	r.lastCleanup = now

	cutoff := now.Add(-rateWindow)
	for sender, timestamps := range r.senderTimes {
		live := false
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(r.senderTimes, sender)
		}
	}
}
