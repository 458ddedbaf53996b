package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saferelay/internal/types"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr()}, types.SystemClock{}, types.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreAddIfAbsent(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	t.Run("first claim wins", func(t *testing.T) {
		created, err := store.AddIfAbsent(ctx, "fp-1", time.Hour)
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("second claim is a duplicate", func(t *testing.T) {
		created, err := store.AddIfAbsent(ctx, "fp-1", time.Hour)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("distinct keys are independent", func(t *testing.T) {
		created, err := store.AddIfAbsent(ctx, "fp-2", time.Hour)
		require.NoError(t, err)
		assert.True(t, created)
	})
}

func TestRedisStoreTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	created, err := store.AddIfAbsent(ctx, "fp-ttl", time.Minute)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.AddIfAbsent(ctx, "fp-ttl", time.Minute)
	require.NoError(t, err)
	require.False(t, created)

	// After the TTL the fingerprint is treated as new again.
	mr.FastForward(time.Minute + time.Second)

	created, err = store.AddIfAbsent(ctx, "fp-ttl", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRedisStoreLen(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, key := range []string{"a", "b", "c"} {
		_, err := store.AddIfAbsent(ctx, key, time.Minute)
		require.NoError(t, err)
	}

	n, err = store.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	mr.FastForward(2 * time.Minute)

	n, err = store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStoreConcurrentClaim(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	const callers = 32
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			created, err := store.AddIfAbsent(ctx, "fp-race", time.Hour)
			require.NoError(t, err)
			if created {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load(), "exactly one caller may claim the fingerprint")
}

func TestRedisStoreConnectError(t *testing.T) {
	_, err := NewRedisStore(context.Background(),
		RedisConfig{Addr: "127.0.0.1:1"}, types.SystemClock{}, types.NopLogger{})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}

func TestMemStore(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)}
	store := NewMemStore(clock)
	ctx := context.Background()

	t.Run("insert-if-absent semantics", func(t *testing.T) {
		created, err := store.AddIfAbsent(ctx, "fp-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = store.AddIfAbsent(ctx, "fp-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("expiry frees the key", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		created, err := store.AddIfAbsent(ctx, "fp-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("len prunes expired entries", func(t *testing.T) {
		_, err := store.AddIfAbsent(ctx, "fp-2", time.Minute)
		require.NoError(t, err)

		n, err := store.Len(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		clock.Advance(5 * time.Minute)
		n, err = store.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
