package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// DefaultTTL is used when the caller does not supply one.
const DefaultTTL = time.Hour

// ComputeFunc produces a verdict on a cache miss. cacheable=false keeps the
// result out of the cache (degraded verdicts, for example).
type ComputeFunc func(ctx context.Context) (v contracts.Verdict, tags []string, cacheable bool, err error)

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Writes        int64 `json:"writes"`
	Invalidations int64 `json:"invalidations"`
	Joined        int64 `json:"joined"`
	StoreErrors   int64 `json:"store_errors"`
	// StaleDiscards counts computed verdicts dropped because their version
	// was invalidated while they were being computed.
	StaleDiscards int64 `json:"stale_discards"`
}

// JudgmentCache fronts a Store with at-most-one concurrent computation per
// fingerprint: concurrent misses for the same fingerprint wait on the first
// caller's result instead of evaluating again.
type JudgmentCache struct {
	store  Store
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger

	// epoch advances on every invalidation; invalidatedAt records the epoch
	// at which each tag was last dropped. Writes from Resolve hold the read
	// lock so an invalidation cannot interleave between check and store.
	mu            sync.RWMutex
	epoch         uint64
	invalidatedAt map[string]uint64

	hits, misses, writes, invalidations, joined, storeErrors, staleDiscards atomic.Int64
}

// New creates a cache over store. A non-positive ttl selects DefaultTTL.
func New(store Store, ttl time.Duration) *JudgmentCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &JudgmentCache{
		store:         store,
		ttl:           ttl,
		logger:        slog.Default().With("component", "judgment_cache"),
		invalidatedAt: make(map[string]uint64),
	}
}

// Epoch returns the current invalidation epoch. Capture it before choosing
// the script version a computation will use and pass it to ResolveFrom.
func (c *JudgmentCache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Get returns the cached verdict for fingerprint. Store errors are logged and
// reported as a miss.
func (c *JudgmentCache) Get(ctx context.Context, fingerprint string) (contracts.Verdict, bool) {
	v, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		c.storeErrors.Add(1)
		c.logger.Warn("cache get failed", "fingerprint", fingerprint, "error", err)
		return contracts.Verdict{}, false
	}
	if ok {
		c.hits.Add(1)
		v.Cached = true
		return v, true
	}
	c.misses.Add(1)
	return contracts.Verdict{}, false
}

// Put stores verdict under fingerprint. A non-positive ttl selects the cache default.
func (c *JudgmentCache) Put(ctx context.Context, fingerprint string, verdict contracts.Verdict, ttl time.Duration, tags ...string) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	verdict.Cached = false
	if err := c.store.Put(ctx, fingerprint, verdict, ttl, tags...); err != nil {
		c.storeErrors.Add(1)
		return err
	}
	c.writes.Add(1)
	return nil
}

// Resolve returns the cached verdict for fingerprint or computes, stores and
// returns it. The boolean reports a cache hit.
func (c *JudgmentCache) Resolve(ctx context.Context, fingerprint string, compute ComputeFunc) (contracts.Verdict, bool, error) {
	return c.ResolveFrom(ctx, fingerprint, c.Epoch(), 0, compute)
}

// ResolveFrom is Resolve for a computation whose inputs were chosen at epoch.
// A result tagged with a version invalidated after epoch is returned but not
// stored. A non-positive ttl selects the cache default.
func (c *JudgmentCache) ResolveFrom(ctx context.Context, fingerprint string, epoch uint64, ttl time.Duration, compute ComputeFunc) (contracts.Verdict, bool, error) {
	if v, ok := c.Get(ctx, fingerprint); ok {
		return v, true, nil
	}

	// A waiter whose leader was cancelled retries as leader while its own
	// context is still live.
	for attempt := 0; ; attempt++ {
		ch := c.group.DoChan(fingerprint, func() (any, error) {
			if v, ok, err := c.store.Get(ctx, fingerprint); err == nil && ok {
				v.Cached = true
				return v, nil
			}
			v, tags, cacheable, err := compute(ctx)
			if err != nil {
				return nil, err
			}
			if cacheable {
				c.putFrom(ctx, fingerprint, v, ttl, epoch, tags)
			}
			return v, nil
		})

		select {
		case <-ctx.Done():
			return contracts.Verdict{}, false, contracts.WrapError(contracts.KindCancelled, "judgment cancelled", ctx.Err())
		case res := <-ch:
			if res.Shared {
				c.joined.Add(1)
			}
			if res.Err != nil {
				if attempt < 2 && ctx.Err() == nil && isCancellation(res.Err) {
					continue
				}
				return contracts.Verdict{}, false, res.Err
			}
			v := res.Val.(contracts.Verdict).Clone()
			return v, v.Cached, nil
		}
	}
}

func (c *JudgmentCache) putFrom(ctx context.Context, fingerprint string, v contracts.Verdict, ttl time.Duration, epoch uint64, tags []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tag := range tags {
		if c.invalidatedAt[tag] > epoch {
			c.staleDiscards.Add(1)
			c.logger.Info("discarded verdict for invalidated version", "fingerprint", fingerprint, "tag", tag)
			return
		}
	}
	if err := c.Put(ctx, fingerprint, v, ttl, tags...); err != nil {
		c.logger.Warn("cache put failed", "fingerprint", fingerprint, "error", err)
	}
}

// InvalidateVersion drops every entry computed with scriptID@version.
func (c *JudgmentCache) InvalidateVersion(ctx context.Context, scriptID, version string) (int, error) {
	tag := contracts.VersionTag(scriptID, version)
	c.mu.Lock()
	c.epoch++
	c.invalidatedAt[tag] = c.epoch
	c.mu.Unlock()

	n, err := c.store.InvalidateTag(ctx, tag)
	if err != nil {
		c.storeErrors.Add(1)
		return 0, err
	}
	c.invalidations.Add(int64(n))
	c.logger.Info("invalidated cached verdicts", "tag", tag, "entries", n)
	return n, nil
}

// Stats returns a snapshot of the counters.
func (c *JudgmentCache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Writes:        c.writes.Load(),
		Invalidations: c.invalidations.Load(),
		Joined:        c.joined.Load(),
		StoreErrors:   c.storeErrors.Load(),
		StaleDiscards: c.staleDiscards.Load(),
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, contracts.ErrCancelled)
}
