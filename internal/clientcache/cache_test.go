package clientcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"entitlement-service/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func createTestConfig() *Config {
	return &Config{
		TTL:         5 * time.Minute,
		FetchBudget: time.Second,
	}
}

func entitledResult() *Entitlement {
	return &Entitlement{Entitled: true, Status: "active"}
}

func countingFetch(calls *atomic.Int32, result *Entitlement, err error) FetchFunc {
	return func(ctx context.Context) (*Entitlement, error) {
		calls.Add(1)
		if err != nil {
			return nil, err
		}
		cp := *result
		return &cp, nil
	}
}

// ==========================
// Core Functionality Tests
// ==========================

func TestCache_Get_ServesCachedEntryWithinTTL(t *testing.T) {
	var calls atomic.Int32
	c := New(createTestConfig(), countingFetch(&calls, entitledResult(), nil), logger.NewTestLogger(t))

	first, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Entitled)

	second, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Entitled)

	assert.Equal(t, int32(1), calls.Load(), "a fresh entry must be served without refetching")
}

func TestCache_Get_RefetchesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	c := New(createTestConfig(), countingFetch(&calls, entitledResult(), nil), logger.NewTestLogger(t)).WithClock(clock)

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(5*time.Minute + time.Second)
	mu.Unlock()

	_, err = c.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_Get_CollapsesConcurrentCallers(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (*Entitlement, error) {
		calls.Add(1)
		<-release
		return entitledResult(), nil
	}

	c := New(createTestConfig(), fetch, logger.NewTestLogger(t))

	const waiters = 2
	var wg sync.WaitGroup
	results := make([]*Entitlement, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background())
		}(i)
	}

	// Let both callers join the flight before it resolves.
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Entitled)
	}
	assert.Equal(t, int32(1), calls.Load(), "concurrent misses must share one backing call")
}

func TestCache_Get_BudgetExceededReturnsPending(t *testing.T) {
	release := make(chan struct{})
	fetch := func(ctx context.Context) (*Entitlement, error) {
		<-release
		return entitledResult(), nil
	}

	config := &Config{TTL: 5 * time.Minute, FetchBudget: 20 * time.Millisecond}
	c := New(config, fetch, logger.NewTestLogger(t))

	_, err := c.Get(context.Background())
	assert.ErrorIs(t, err, ErrCheckPending)

	close(release)
}

func TestCache_Get_CallerCancellationDoesNotPoisonOthers(t *testing.T) {
	release := make(chan struct{})
	fetch := func(ctx context.Context) (*Entitlement, error) {
		<-release
		return entitledResult(), nil
	}

	c := New(createTestConfig(), fetch, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx)
		done <- err
	}()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The abandoned flight still completes and seeds the cache.
	close(release)
	result, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Entitled)
}

func TestCache_Get_FetchErrorCachedAsDenial(t *testing.T) {
	var calls atomic.Int32
	var denied []*Entitlement
	c := New(createTestConfig(), countingFetch(&calls, nil, assert.AnError), logger.NewTestLogger(t)).
		OnDenied(func(e *Entitlement) { denied = append(denied, e) })

	result, err := c.Get(context.Background())

	require.NoError(t, err)
	assert.False(t, result.Entitled)
	require.Len(t, denied, 1)
	assert.False(t, denied[0].Entitled)

	// The denial is served from cache; the failing backend is not hammered.
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_Get_NegativeFetchInvokesOnDenied(t *testing.T) {
	var calls atomic.Int32
	var denied int
	c := New(createTestConfig(), countingFetch(&calls, &Entitlement{Entitled: false, Status: "suspended"}, nil), logger.NewTestLogger(t)).
		OnDenied(func(e *Entitlement) { denied++ })

	result, err := c.Get(context.Background())

	require.NoError(t, err)
	assert.False(t, result.Entitled)
	assert.Equal(t, "suspended", result.Status)
	assert.Equal(t, 1, denied)
}

func TestCache_Invalidate_DropsEntry(t *testing.T) {
	var calls atomic.Int32
	c := New(createTestConfig(), countingFetch(&calls, entitledResult(), nil), logger.NewTestLogger(t))

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	c.Invalidate()

	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_Refetch_StaleFlightCannotOverwriteResult(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (*Entitlement, error) {
		if calls.Add(1) == 1 {
			<-release
			return &Entitlement{Entitled: false, Status: "suspended"}, nil
		}
		return entitledResult(), nil
	}

	var denied atomic.Int32
	config := &Config{TTL: 5 * time.Minute, FetchBudget: 20 * time.Millisecond}
	c := New(config, fetch, logger.NewTestLogger(t)).
		OnDenied(func(*Entitlement) { denied.Add(1) })

	// A pre-purchase check times out while its fetch keeps running.
	_, err := c.Get(context.Background())
	require.ErrorIs(t, err, ErrCheckPending)

	// The purchase lands and the client forces a fresh answer.
	result, err := c.Refetch(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Entitled)

	// The abandoned fetch finally resolves with its stale denial.
	close(release)
	time.Sleep(50 * time.Millisecond)

	after, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, after.Entitled, "a stale in-flight answer must not replace the refetched one")
	assert.Equal(t, int32(0), denied.Load(), "a discarded stale denial must not be reported")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_Refetch_BypassesFreshEntry(t *testing.T) {
	var calls atomic.Int32
	c := New(createTestConfig(), countingFetch(&calls, entitledResult(), nil), logger.NewTestLogger(t))

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	result, err := c.Refetch(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Entitled)
	assert.Equal(t, int32(2), calls.Load(), "refetch must not honor the TTL")
}
