package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"authgate/internal/util"
)

// Decision is the outcome of one admission check. Denials are expected
// traffic, never errors.
type Decision struct {
	Allowed bool

	// Remaining is the token count left after an allowed check. -1 for
	// unmetered classes, which carry no bucket state at all.
	Remaining int

	// RetryAfter is how long a denied caller must wait for the next refill.
	RetryAfter time.Duration
}

// ControllerConfig wires the admission controller. Zero values fall back to
// the defaults below except Policies, which is required.
type ControllerConfig struct {
	Policies      map[EndpointClass]Policy
	Shards        int
	IdleThreshold time.Duration
	SweepInterval time.Duration
	Clock         util.Clock
}

const (
	defaultShards        = 16
	defaultIdleThreshold = time.Hour
	defaultSweepInterval = 30 * time.Minute
)

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Controller decides allow/deny per (endpoint class, client identity) using
// per-identity token buckets. Bucket state is striped over murmur3-hashed
// shards so unrelated identities never contend on one lock.
type Controller struct {
	policies      map[EndpointClass]Policy
	shards        []*shard
	clock         util.Clock
	idleThreshold time.Duration
	sweepInterval time.Duration
	logger        *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// NewController validates the policy table up front: a broken policy is a
// deployment error and must fail startup, not a request.
func NewController(cfg ControllerConfig, logger *zap.Logger) (*Controller, error) {
	if len(cfg.Policies) == 0 {
		return nil, fmt.Errorf("admission controller requires at least one endpoint policy")
	}
	for class, p := range cfg.Policies {
		if err := p.validate(class); err != nil {
			return nil, err
		}
	}

	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = defaultIdleThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = util.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[string]*bucket)}
	}

	policies := make(map[EndpointClass]Policy, len(cfg.Policies))
	for class, p := range cfg.Policies {
		policies[class] = p
	}

	return &Controller{
		policies:      policies,
		shards:        shards,
		clock:         cfg.Clock,
		idleThreshold: cfg.IdleThreshold,
		sweepInterval: cfg.SweepInterval,
		logger:        logger,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// IsMetered reports whether the class has a registered policy. Unmetered
// classes always admit and consume nothing.
func (c *Controller) IsMetered(class EndpointClass) bool {
	_, ok := c.policies[class]
	return ok
}

// TryAdmit runs one admission check. It never blocks and never fails:
// refill-then-consume happens atomically under the shard lock, and the
// last-access stamp feeds idle eviction.
func (c *Controller) TryAdmit(class EndpointClass, identity string) Decision {
	policy, metered := c.policies[class]
	if !metered {
		return Decision{Allowed: true, Remaining: -1}
	}

	now := c.clock.Now()
	key := string(class) + "|" + identity
	sh := c.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		b = &bucket{tokens: policy.Capacity, lastRefill: now}
		sh.buckets[key] = b
	} else {
		b.refill(policy, now)
	}
	b.lastAccess = now

	if b.tokens > 0 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	return Decision{Allowed: false, RetryAfter: b.retryAfter(policy, now)}
}

// SweepIdleBuckets drops every bucket untouched for the idle threshold and
// returns how many went away. A client evicted mid-burst simply gets a fresh
// bucket (and a fresh quota) on its next request; that trade keeps the sweep
// lock-cheap.
func (c *Controller) SweepIdleBuckets() int {
	cutoff := c.clock.Now().Add(-c.idleThreshold)
	removed := 0

	for _, sh := range c.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if b.lastAccess.Before(cutoff) {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		c.logger.Debug("idle rate-limit buckets evicted", zap.Int("removed", removed))
	}
	return removed
}

// Start launches the background eviction sweep. Call Stop to end it.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go func() {
			defer close(c.done)
			ticker := time.NewTicker(c.sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.SweepIdleBuckets()
				case <-c.stop:
					return
				}
			}
		}()
		c.logger.Info("admission controller sweep started",
			zap.Duration("interval", c.sweepInterval),
			zap.Duration("idle_threshold", c.idleThreshold))
	})
}

// Stop ends the eviction sweep and waits for it to exit. Safe to call more
// than once, or without a prior Start.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}

// BucketCount reports live buckets across all shards. Used by tests and the
// health endpoint; not on any hot path.
func (c *Controller) BucketCount() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		total += len(sh.buckets)
		sh.mu.Unlock()
	}
	return total
}

func (c *Controller) shardFor(key string) *shard {
	h := murmur3.Sum64([]byte(key))
	return c.shards[h%uint64(len(c.shards))]
}
