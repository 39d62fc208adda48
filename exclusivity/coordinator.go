// Package exclusivity implements the TTL-based distributed lock that
// prevents two fill requests from claiming one maker at the same time. The
// lock lives in the shared key-value store, so it holds across every worker
// process. TTL expiry is the sole recovery path for an unresponsive maker:
// it converts a hang into a bounded exclusion window rather than a deadlock.
package exclusivity

import (
	"context"
	"fmt"
	"time"

	"github.com/tradeweave/relay/kv"
	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/types"
)

// DefaultTTL bounds exposure to a maker that never responds to a claim.
const DefaultTTL = 15 * time.Second

// Coordinator grants at most one active exclusivity claim per
// (chainID, makerUserID) at any instant, cluster-wide.
type Coordinator struct {
	store     kv.Store
	logger    log.Logger
	ttl       time.Duration
	blacklist map[string]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL overrides the lock TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithBlacklist short-circuits acquisition for known-bad maker ids before
// the lock protocol runs.
func WithBlacklist(userIDs []string) Option {
	return func(c *Coordinator) {
		for _, id := range userIDs {
			c.blacklist[id] = struct{}{}
		}
	}
}

// New creates a coordinator on the shared store.
func New(store kv.Store, logger log.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		logger:    logger,
		ttl:       DefaultTTL,
		blacklist: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured lock TTL.
func (c *Coordinator) TTL() time.Duration { return c.ttl }

// Acquire claims exclusivity on the maker with a single atomic set-if-absent
// call. On contention it returns a conflict error carrying the remaining TTL
// so callers can report a meaningful wait time.
func (c *Coordinator) Acquire(ctx context.Context, chainID types.ChainID, makerUserID string) error {
	if _, bad := c.blacklist[makerUserID]; bad {
		return types.Validationf("maker %s is blacklisted", makerUserID)
	}

	key := lockKey(chainID, makerUserID)
	ok, err := c.store.SetNX(ctx, key, "1", c.ttl)
	if err != nil {
		return types.Upstreamf(err, "acquiring maker lock")
	}
	if ok {
		c.logger.Debug("maker lock acquired", "chain", chainID, "maker", makerUserID, "ttl", c.ttl)
		return nil
	}

	remaining, err := c.store.TTL(ctx, key)
	if err != nil {
		return types.Upstreamf(err, "reading maker lock ttl")
	}
	if remaining <= 0 || remaining > c.ttl {
		remaining = c.ttl
	}
	return types.Conflictf(remaining, "maker %s is busy", makerUserID)
}

// Release drops the maker's exclusivity claim. Called on fill success or on
// explicit rejection of the in-flight fill; an unresponsive maker's lock
// simply expires.
func (c *Coordinator) Release(ctx context.Context, chainID types.ChainID, makerUserID string) error {
	if err := c.store.Del(ctx, lockKey(chainID, makerUserID)); err != nil {
		return types.Upstreamf(err, "releasing maker lock")
	}
	c.logger.Debug("maker lock released", "chain", chainID, "maker", makerUserID)
	return nil
}

func lockKey(chainID types.ChainID, makerUserID string) string {
	return fmt.Sprintf("makerlock.%d.%s", chainID, makerUserID)
}
