package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiters(t *testing.T) (map[string]Limiter, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)}

	mem := NewMemoryLimiter(0)
	mem.now = clock.Now
	t.Cleanup(mem.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rl := NewRedisLimiter(client)
	rl.now = clock.Now

	return map[string]Limiter{"memory": mem, "redis": rl}, clock
}

func TestLimiter_LoginWindow(t *testing.T) {
	limiters, clock := newLimiters(t)
	p := DefaultPolicies().Get(PolicyLogin)

	for name, l := range limiters {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := Key(p, "203.0.113.9", "ua", "alice@example.com") + name

			for i := 0; i < p.Max; i++ {
				d, err := l.Allow(ctx, key, p)
				require.NoError(t, err)
				require.True(t, d.Allowed, "request %d", i+1)
				assert.Equal(t, p.Max-i-1, d.Remaining)
			}

			d, err := l.Allow(ctx, key, p)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 0, d.Remaining)
			assert.InDelta(t, p.Window.Seconds(), d.RetryAfter.Seconds(), 1)

			start := clock.t
			clock.Advance(p.Window + time.Second)
			d, err = l.Allow(ctx, key, p)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "window should slide")
			clock.t = start
		})
	}
}

func TestLimiter_Release(t *testing.T) {
	limiters, _ := newLimiters(t)
	p := Policy{Name: "test", Window: time.Minute, Max: 2}

	for name, l := range limiters {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "release-" + name

			for i := 0; i < 5; i++ {
				d, err := l.Allow(ctx, key, p)
				require.NoError(t, err)
				require.True(t, d.Allowed, "released requests must not count (iteration %d)", i)
				require.NoError(t, l.Release(ctx, key, p))
			}
			require.NoError(t, l.Release(ctx, "never-seen-"+name, p))
		})
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	limiters, _ := newLimiters(t)
	p := Policy{Name: "test", Window: time.Minute, Max: 1}

	for name, l := range limiters {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d, _ := l.Allow(ctx, name+"a", p)
			assert.True(t, d.Allowed)
			d, _ = l.Allow(ctx, name+"b", p)
			assert.True(t, d.Allowed)
			d, _ = l.Allow(ctx, name+"a", p)
			assert.False(t, d.Allowed)
		})
	}
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	_, err = NewRedisLimiter(client).Allow(context.Background(), "k", DefaultPolicies().Get(PolicyAPI))
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

// Property: within one window the memory limiter admits exactly min(n, max)
// of n requests.
func TestProperty_MemoryLimiterAdmitsAtMostMax(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := &testClock{t: time.Unix(1_700_000_000, 0)}
		l := NewMemoryLimiter(0)
		l.now = clock.Now
		defer l.Close()

		p := Policy{Name: "p", Window: time.Hour, Max: rapid.IntRange(1, 20).Draw(t, "max")}
		n := rapid.IntRange(0, 50).Draw(t, "requests")

		admitted := 0
		for i := 0; i < n; i++ {
			clock.Advance(time.Duration(rapid.IntRange(0, 60).Draw(t, "gap")) * time.Second)
			d, _ := l.Allow(context.Background(), "k", p)
			if d.Allowed {
				admitted++
			}
		}
		if admitted != min(n, p.Max) {
			t.Fatalf("admitted %d of %d with max %d", admitted, n, p.Max)
		}
	})
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	clock := &testClock{t: time.Now()}
	l := NewMemoryLimiter(0)
	l.now = clock.Now
	defer l.Close()

	p := Policy{Name: "p", Window: time.Minute, Max: 3}
	_, _ = l.Allow(context.Background(), "k", p)
	clock.Advance(2 * time.Minute)
	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.windows)
}
