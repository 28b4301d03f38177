package ratelimit

import "time"

// bucket is the mutable admission state for one (class, identity) pair.
// All fields are guarded by the owning shard's mutex.
type bucket struct {
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
}

// refill credits whole intervals elapsed since lastRefill, capped at
// capacity. lastRefill advances by the credited intervals only, so partial
// intervals keep accruing instead of being dropped.
func (b *bucket) refill(p Policy, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < p.RefillInterval {
		return
	}
	intervals := int(elapsed / p.RefillInterval)
	b.tokens += intervals * p.RefillTokens
	if b.tokens > p.Capacity {
		b.tokens = p.Capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * p.RefillInterval)
}

// retryAfter is how long until the next refill lands at least one token.
func (b *bucket) retryAfter(p Policy, now time.Time) time.Duration {
	wait := b.lastRefill.Add(p.RefillInterval).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}
