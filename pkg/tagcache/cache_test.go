package tagcache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-tagcache/pkg/store"
	"github.com/illmade-knight/go-tagcache/pkg/tagcache"
)

type testValue struct {
	ID   string
	Data string
}

// fakeClock lets tests move cache time forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failureCollector records every published Failure for later assertions.
type failureCollector struct {
	mu       sync.Mutex
	failures []tagcache.Failure
}

func (f *failureCollector) collect(failure tagcache.Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure)
}

func (f *failureCollector) all() []tagcache.Failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tagcache.Failure(nil), f.failures...)
}

func newTestCache(t *testing.T) (*tagcache.Cache[testValue], *store.MemoryStore, *fakeClock, *failureCollector) {
	t.Helper()
	s := store.NewMemoryStore()
	clock := newFakeClock()
	c := tagcache.New[testValue](s, zerolog.Nop(), &tagcache.Options{
		LockWaitTimeout:   200 * time.Millisecond,
		LockRetryInterval: 5 * time.Millisecond,
		Clock:             clock.Now,
	})
	collector := &failureCollector{}
	c.OnFailure(collector.collect)
	t.Cleanup(func() { _ = c.Close() })
	return c, s, clock, collector
}

func TestCache_PutGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	c, _, _, failures := newTestCache(t)

	want := testValue{ID: "42", Data: "hello"}
	require.NoError(t, c.PutItem(ctx, "k1", want, []string{"t1"}, tagcache.NoSlidingExpiration, tagcache.NeverExpires))

	got, found, err := c.GetItem(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
	assert.Empty(t, failures.all())
}

func TestCache_GetMissForUnknownKey(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestCache(t)

	got, found, err := c.GetItem(ctx, "never-put")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, got)
}

func TestCache_ArgumentValidation(t *testing.T) {
	ctx := context.Background()
	c, _, _, failures := newTestCache(t)

	err := c.PutItem(ctx, "", testValue{}, []string{}, 0, tagcache.NeverExpires)
	require.ErrorIs(t, err, tagcache.ErrEmptyKey)

	err = c.PutItem(ctx, "k1", testValue{}, nil, 0, tagcache.NeverExpires)
	require.ErrorIs(t, err, tagcache.ErrNilDependentTags, "nil and empty tag slices are distinct failures")

	_, _, err = c.GetItem(ctx, "")
	require.ErrorIs(t, err, tagcache.ErrEmptyKey)

	require.ErrorIs(t, c.InvalidateItem(ctx, ""), tagcache.ErrEmptyKey)
	require.ErrorIs(t, c.InvalidateSets(ctx, nil), tagcache.ErrNilTags)
	require.NoError(t, c.InvalidateSets(ctx, []string{}), "an empty tag list is a valid no-op")

	assert.Empty(t, failures.all(), "argument errors are synchronous, never reported")
}

func TestCache_AbsoluteExpiration(t *testing.T) {
	ctx := context.Background()
	c, _, clock, _ := newTestCache(t)

	require.NoError(t, c.PutItem(ctx, "k1", testValue{ID: "1"}, []string{"t1"},
		tagcache.NoSlidingExpiration, clock.Now().Add(time.Minute)))

	_, found, err := c.GetItem(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)

	clock.Advance(2 * time.Minute)

	t.Run("Past the ceiling the entry reads as a miss", func(t *testing.T) {
		_, found, err := c.GetItem(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("The expired read deleted the entry and its tag membership", func(t *testing.T) {
		assert.Equal(t, int64(0), c.Count(ctx))
	})

	t.Run("An already-expired put reads as a miss immediately", func(t *testing.T) {
		require.NoError(t, c.PutItem(ctx, "k2", testValue{ID: "2"}, []string{},
			tagcache.NoSlidingExpiration, clock.Now().Add(-time.Second)))

		_, found, err := c.GetItem(ctx, "k2")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestCache_SlidingExpiration(t *testing.T) {
	ctx := context.Background()
	c, _, clock, _ := newTestCache(t)

	require.NoError(t, c.PutItem(ctx, "k1", testValue{ID: "1"}, []string{},
		10*time.Second, tagcache.NeverExpires))

	t.Run("Reads every five seconds keep the entry alive", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			clock.Advance(5 * time.Second)
			_, found, err := c.GetItem(ctx, "k1")
			require.NoError(t, err)
			require.True(t, found, "read %d should refresh the idle window", i+1)
		}
	})

	t.Run("A gap beyond the window expires the entry", func(t *testing.T) {
		clock.Advance(11 * time.Second)
		_, found, err := c.GetItem(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestCache_AbsoluteCeilingOverridesSlidingRefresh(t *testing.T) {
	ctx := context.Background()
	c, _, clock, _ := newTestCache(t)

	require.NoError(t, c.PutItem(ctx, "k1", testValue{ID: "1"}, []string{},
		10*time.Second, clock.Now().Add(12*time.Second)))

	clock.Advance(5 * time.Second)
	_, found, err := c.GetItem(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)

	// Another read would refresh the sliding window, but the ceiling has passed.
	clock.Advance(8 * time.Second)
	_, found, err = c.GetItem(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_InvalidateSets(t *testing.T) {
	ctx := context.Background()
	c, _, _, failures := newTestCache(t)

	entries := map[string][]string{
		"k1": {"ES1", "ES2"},
		"k2": {"ES2", "ES3"},
		"k3": {"ES1", "ES3", "ES4"},
		"k4": {"ES3", "ES4"},
	}
	for key, tags := range entries {
		require.NoError(t, c.PutItem(ctx, key, testValue{ID: key}, tags,
			tagcache.NoSlidingExpiration, tagcache.NeverExpires))
	}

	require.NoError(t, c.InvalidateSets(ctx, []string{"ES1", "ES2"}))

	t.Run("Entries declaring a targeted tag are gone", func(t *testing.T) {
		for _, key := range []string{"k1", "k2", "k3"} {
			_, found, err := c.GetItem(ctx, key)
			require.NoError(t, err)
			assert.False(t, found, "%s declared ES1 or ES2", key)
		}
	})

	t.Run("An entry declaring neither tag survives", func(t *testing.T) {
		got, found, err := c.GetItem(ctx, "k4")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "k4", got.ID)
	})

	t.Run("Surviving tag records hold only the survivor", func(t *testing.T) {
		// k4 plus tag records ES3 and ES4; ES1 and ES2 were deleted outright.
		assert.Equal(t, int64(3), c.Count(ctx))
	})

	assert.Empty(t, failures.all())
}

func TestCache_InvalidateItem(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestCache(t)

	require.NoError(t, c.PutItem(ctx, "k1", testValue{ID: "1"}, []string{"shared"},
		tagcache.NoSlidingExpiration, tagcache.NeverExpires))
	require.NoError(t, c.PutItem(ctx, "k2", testValue{ID: "2"}, []string{"shared"},
		tagcache.NoSlidingExpiration, tagcache.NeverExpires))

	require.NoError(t, c.InvalidateItem(ctx, "k1"))

	_, found, err := c.GetItem(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	t.Run("A key sharing the tag remains retrievable", func(t *testing.T) {
		got, found, err := c.GetItem(ctx, "k2")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "2", got.ID)
	})

	t.Run("Invalidating an absent key is a no-op", func(t *testing.T) {
		require.NoError(t, c.InvalidateItem(ctx, "ghost"))
	})
}

func TestCache_Count(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestCache(t)

	assert.Equal(t, int64(0), c.Count(ctx))

	require.NoError(t, c.PutItem(ctx, "k1", testValue{ID: "1"}, []string{"t1", "t2"},
		tagcache.NoSlidingExpiration, tagcache.NeverExpires))

	assert.Equal(t, int64(3), c.Count(ctx), "one entry plus two tag records")
}

func TestCache_Purge(t *testing.T) {
	ctx := context.Background()
	c, _, clock, _ := newTestCache(t)

	require.NoError(t, c.PutItem(ctx, "expired", testValue{ID: "1"}, []string{"dead"},
		tagcache.NoSlidingExpiration, clock.Now().Add(time.Minute)))
	require.NoError(t, c.PutItem(ctx, "live", testValue{ID: "2"}, []string{"alive"},
		tagcache.NoSlidingExpiration, clock.Now().Add(time.Hour)))
	require.NoError(t, c.PutItem(ctx, "idle", testValue{ID: "3"}, []string{"alive"},
		10*time.Second, tagcache.NeverExpires))

	clock.Advance(2 * time.Minute)
	require.NoError(t, c.Purge(ctx))

	t.Run("Only the absolutely-expired entry was removed", func(t *testing.T) {
		_, found, err := c.GetItem(ctx, "expired")
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = c.GetItem(ctx, "live")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("Idle entries are left for get-time lazy expiration", func(t *testing.T) {
		// Purge must not have deleted it; the next read expires it instead.
		_, found, err := c.GetItem(ctx, "idle")
		require.NoError(t, err)
		assert.False(t, found, "idle past its sliding window, so the read is a miss")
	})

	t.Run("Purging an all-expired cache empties the store", func(t *testing.T) {
		require.NoError(t, c.InvalidateItem(ctx, "live"))
		require.NoError(t, c.PutItem(ctx, "k5", testValue{ID: "5"}, []string{"t5"},
			tagcache.NoSlidingExpiration, clock.Now().Add(time.Second)))

		clock.Advance(time.Minute)
		require.NoError(t, c.Purge(ctx))
		assert.Equal(t, int64(0), c.Count(ctx))
	})
}

func TestCache_LockTimeoutUnderContention(t *testing.T) {
	ctx := context.Background()
	c, s, _, failures := newTestCache(t)

	require.NoError(t, c.PutItem(ctx, "hot", testValue{ID: "1"}, []string{},
		tagcache.NoSlidingExpiration, tagcache.NeverExpires))

	// Hold the key's lock directly for longer than the cache's wait window.
	granted, err := s.AcquireLock(ctx, "hot", "hog", time.Minute)
	require.NoError(t, err)
	require.True(t, granted)

	const contenders = 4
	var wg sync.WaitGroup
	results := make([]bool, contenders)
	for i := 0; i < contenders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, found, _ := c.GetItem(ctx, "hot")
			results[i] = found
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("contending operations deadlocked")
	}

	require.NoError(t, s.ReleaseLock(ctx, "hot", "hog"))

	for i, found := range results {
		assert.False(t, found, "contender %d should have degraded to a miss", i)
	}

	timeouts := 0
	for _, f := range failures.all() {
		if errors.Is(f.Cause, tagcache.ErrLockTimeout) {
			timeouts++
		}
	}
	assert.GreaterOrEqual(t, timeouts, 1, "at least one contender must report a lock timeout")

	t.Run("The key is usable once the holder releases", func(t *testing.T) {
		_, found, err := c.GetItem(ctx, "hot")
		require.NoError(t, err)
		assert.True(t, found)
	})
}
