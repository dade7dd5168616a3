package clientcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"entitlement-service/internal/common/logger"
	"entitlement-service/internal/common/metrics"

	"golang.org/x/sync/singleflight"
)

// ErrCheckPending is returned to a caller whose wait budget ran out while
// a fetch was still in flight. The fetch keeps running; a later call will
// see its result.
var ErrCheckPending = errors.New("entitlement check still pending")

type Config struct {
	// TTL bounds how long a fetched result is served without re-checking.
	TTL time.Duration
	// FetchBudget bounds how long a caller blocks on an in-flight fetch.
	FetchBudget time.Duration
}

// Entitlement is the client-side view of the account's standing.
type Entitlement struct {
	Entitled  bool
	Status    string
	ExpiresAt *time.Time
	FetchedAt time.Time
}

// FetchFunc retrieves the current entitlement from the backing service.
type FetchFunc func(ctx context.Context) (*Entitlement, error)

// Cache memoizes the account's entitlement for UI-facing callers.
// Concurrent cache misses collapse into a single backing fetch; every
// waiter shares that fetch's result. A failed or negative fetch is cached
// as not-entitled and reported through the OnDenied hook so the client can
// steer the user away even when requests never reach the server gate.
type Cache struct {
	config   *Config
	fetch    FetchFunc
	onDenied func(*Entitlement)
	logger   logger.Logger
	now      func() time.Time

	mu    sync.RWMutex
	entry *Entitlement
	gen   uint64

	group singleflight.Group
}

const flightKey = "entitlement"

func New(config *Config, fetch FetchFunc, log logger.Logger) *Cache {
	return &Cache{
		config: config,
		fetch:  fetch,
		logger: log.WithFields(map[string]interface{}{"component": "clientcache"}),
		now:    time.Now,
	}
}

// WithClock pins the clock; used by tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// OnDenied registers a hook invoked whenever a fetch resolves to
// not-entitled. Must be set before the cache is used.
func (c *Cache) OnDenied(hook func(*Entitlement)) *Cache {
	c.onDenied = hook
	return c
}

// Get returns the cached entitlement while it is fresh, otherwise joins
// the shared fetch. Callers whose context ends return its error; callers
// outliving the wait budget get ErrCheckPending.
func (c *Cache) Get(ctx context.Context) (*Entitlement, error) {
	if entry := c.fresh(); entry != nil {
		metrics.ClientCacheRequests.WithLabelValues("hit").Inc()
		return entry, nil
	}

	metrics.ClientCacheRequests.WithLabelValues("miss").Inc()
	return c.await(ctx, c.startFlight())
}

// Refetch bypasses the cached entry and its TTL, forcing a fresh fetch.
// Used right after a purchase so the client does not wait out a stale
// negative answer.
func (c *Cache) Refetch(ctx context.Context) (*Entitlement, error) {
	c.Invalidate()
	metrics.ClientCacheRequests.WithLabelValues("refetch").Inc()
	return c.await(ctx, c.startFlight())
}

// Invalidate drops the cached entry and bumps the generation so a fetch
// already in flight cannot publish its result over anything newer.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.gen++
	c.mu.Unlock()
	c.group.Forget(flightKey)
}

func (c *Cache) fresh() *Entitlement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil || c.now().Sub(c.entry.FetchedAt) >= c.config.TTL {
		return nil
	}
	return c.entry
}

// startFlight joins (or starts) the single in-flight fetch. The fetch is
// detached from any one caller's context so an abandoned waiter does not
// cancel it for everyone else.
func (c *Cache) startFlight() <-chan singleflight.Result {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	return c.group.DoChan(flightKey, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), c.config.FetchBudget)
		defer cancel()

		result, err := c.fetch(fetchCtx)
		if err != nil {
			// A check that cannot complete is a denial until proven
			// otherwise.
			c.logger.WithError(err).Warn("entitlement fetch failed, caching denial", nil)
			result = &Entitlement{Entitled: false}
		}
		result.FetchedAt = c.now()

		c.mu.Lock()
		current := c.gen == gen
		if current {
			c.entry = result
		}
		c.mu.Unlock()

		// A flight outlived by an Invalidate carries a stale answer; it is
		// discarded rather than applied, and its denial is not reported.
		if current && !result.Entitled && c.onDenied != nil {
			c.onDenied(result)
		}
		return result, nil
	})
}

func (c *Cache) await(ctx context.Context, ch <-chan singleflight.Result) (*Entitlement, error) {
	timer := time.NewTimer(c.config.FetchBudget)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entitlement), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		metrics.ClientCacheRequests.WithLabelValues("pending").Inc()
		return nil, ErrCheckPending
	}
}
