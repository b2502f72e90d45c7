// Package cache provides a deduplicating, TTL-based result cache in
// front of expensive fetches. Concurrent lookups for the same key
// collapse into a single execution of the fetch function, and payloads
// below a minimum size are never stored so error and empty pages do not
// poison the cache.
package cache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/entrhq/webcontext/pkg/logging"
)

const (
	// DefaultTTL is the entry lifetime when the caller does not
	// override it.
	DefaultTTL = 72 * time.Hour

	// DefaultMinContentSize is the smallest payload worth caching.
	// Shorter payloads are usually error pages or consent walls.
	DefaultMinContentSize = 400

	// DefaultSweepInterval is how often the background sweep deletes
	// expired entries.
	DefaultSweepInterval = 24 * time.Hour
)

// Options configures a Cache.
type Options struct {
	// TTL is the default entry lifetime. Zero means DefaultTTL.
	TTL time.Duration

	// MinContentSize is the minimum payload size to store. Zero means
	// DefaultMinContentSize.
	MinContentSize int

	// SweepInterval is the period of the background expiry sweep.
	// Zero means DefaultSweepInterval.
	SweepInterval time.Duration
}

// FetchFunc produces the payload for a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Cache layers singleflight deduplication and TTL expiry over a Store.
type Cache struct {
	store  Store
	opts   Options
	flight singleflight.Group
	logger *logging.Logger
	stop   chan struct{}
	done   chan struct{}
}

// New creates a Cache over the given store and starts the background
// expiry sweep. Call Close to stop it.
func New(store Store, opts Options, logger *logging.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MinContentSize <= 0 {
		opts.MinContentSize = DefaultMinContentSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	c := &Cache{
		store:  store,
		opts:   opts,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// flightResult carries a payload together with where it came from, so
// singleflight waiters observe the same provenance as the leader.
type flightResult struct {
	payload []byte
	hit     bool
}

// GetOrFetch returns the cached payload for key, or runs fetch to
// produce it. ttl of zero uses the cache default. The returned flag
// reports whether the payload was served from the store; callers that
// ride a live fetch through singleflight report a miss even though
// their own fetch closure never ran.
//
// With bypass set, fetch always runs and a successful result refreshes
// the entry. Otherwise a live entry is returned without invoking fetch,
// and on a miss exactly one concurrent caller per key executes fetch
// while the rest await its outcome. Failures are propagated to every
// waiter and never cached, so the next caller retries cleanly.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, bypass bool, fetch FetchFunc) ([]byte, bool, error) {
	if ttl <= 0 {
		ttl = c.opts.TTL
	}

	if bypass {
		payload, err := c.fetchAndStore(ctx, key, ttl, fetch)
		return payload, false, err
	}

	if payload, ok := c.lookup(ctx, key); ok {
		return payload, true, nil
	}

	result, err, _ := c.flight.Do(key, func() (interface{}, error) {
		// Re-check under the flight: a previous leader may have
		// populated the entry while we waited our turn.
		if payload, ok := c.lookup(ctx, key); ok {
			return flightResult{payload: payload, hit: true}, nil
		}
		payload, err := c.fetchAndStore(ctx, key, ttl, fetch)
		return flightResult{payload: payload}, err
	})
	if err != nil {
		return nil, false, err
	}
	fr := result.(flightResult)
	return fr.payload, fr.hit, nil
}

// lookup returns a live payload for key, evicting the entry lazily when
// it is expired.
func (c *Cache) lookup(ctx context.Context, key string) ([]byte, bool) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warnf("cache lookup failed for key %s: %v", key, err)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warnf("failed to evict expired entry %s: %v", key, err)
		}
		return nil, false
	}
	return entry.Payload, true
}

func (c *Cache) fetchAndStore(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) ([]byte, error) {
	payload, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	if len(payload) < c.opts.MinContentSize {
		c.logger.Debugf("payload for %s below threshold (%d < %d), not cached",
			key, len(payload), c.opts.MinContentSize)
		return payload, nil
	}

	now := time.Now().UTC()
	entry := &Entry{
		Key:       key,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Size:      len(payload),
	}
	if err := c.store.Put(ctx, entry); err != nil {
		// A storage fault must not fail the fetch itself.
		c.logger.Warnf("failed to store cache entry %s: %v", key, err)
	}
	return payload, nil
}

// Sweep deletes all expired entries immediately.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	return c.store.DeleteExpired(ctx, time.Now())
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := c.store.DeleteExpired(context.Background(), time.Now())
			if err != nil {
				c.logger.Warnf("cache sweep failed: %v", err)
				continue
			}
			c.logger.Infof("cache sweep complete, removed %d entries", removed)
		case <-c.stop:
			return
		}
	}
}

// Close stops the background sweep and closes the store.
func (c *Cache) Close() error {
	close(c.stop)
	<-c.done
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close cache store: %w", err)
	}
	return nil
}
