package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/gateway-guard/pkg/memstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// start of a minute, so every window size used in tests is aligned
func newClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_040, 0)}
}

func newMemoryLimiter(clk *fakeClock) *MemoryLimiter {
	return NewMemoryLimiter(memstore.New(100, memstore.WithClock(clk.Now)), WithClock(clk.Now))
}

func TestMemoryLimiter_Allow_Basics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clk := newClock()
	limiter := newMemoryLimiter(clk)

	limit := Limit{Max: 10, Window: time.Minute}
	id := Identity{Namespace: "test", Key: "user_1"}

	dec, err := limiter.Allow(ctx, ClassRead, id, limit)
	require.NoError(t, err)
	assert.True(t, dec.Allow)
	assert.EqualValues(t, 9, dec.Remaining)
	assert.EqualValues(t, 10, dec.Limit)
	assert.True(t, clk.Now().Add(time.Minute).Equal(dec.ResetTime))
	assert.Zero(t, dec.RetryAfter)
}

func TestMemoryLimiter_Exhaustion(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	limiter := newMemoryLimiter(clk)

	limit := Limit{Max: 5, Window: time.Minute}
	id := Identity{Namespace: "test", Key: "user_1"}

	for i := 0; i < 5; i++ {
		dec, _ := limiter.Allow(ctx, ClassWrite, id, limit)
		require.True(t, dec.Allow, "request %d was unexpectedly denied", i)
	}

	clk.Advance(20 * time.Second)
	dec, _ := limiter.Allow(ctx, ClassWrite, id, limit)
	assert.False(t, dec.Allow, "the 6th request should have been denied")
	assert.Equal(t, 40*time.Second, dec.RetryAfter)
	assert.EqualValues(t, 40, dec.RetryAfterSeconds())

	clk.Advance(40 * time.Second)
	dec, _ = limiter.Allow(ctx, ClassWrite, id, limit)
	assert.True(t, dec.Allow, "first request of the next window should be allowed")
	assert.EqualValues(t, 4, dec.Remaining)
}

func TestMemoryLimiter_Isolation(t *testing.T) {
	ctx := context.Background()
	limiter := newMemoryLimiter(newClock())
	limit := Limit{Max: 1, Window: time.Minute}

	a := Identity{Namespace: NamespaceUser, Key: "a"}
	b := Identity{Namespace: NamespaceUser, Key: "b"}

	dec, _ := limiter.Allow(ctx, ClassWrite, a, limit)
	assert.True(t, dec.Allow)
	dec, _ = limiter.Allow(ctx, ClassWrite, b, limit)
	assert.True(t, dec.Allow, "identities must not share a counter")
	dec, _ = limiter.Allow(ctx, ClassRead, a, limit)
	assert.True(t, dec.Allow, "classes must not share a counter")
}

func TestMemoryLimiter_Peek(t *testing.T) {
	ctx := context.Background()
	limiter := newMemoryLimiter(newClock())
	limit := Limit{Max: 2, Window: time.Minute}
	id := EmailIdentity("a@example.com")

	for i := 0; i < 3; i++ {
		dec, _ := limiter.Peek(ctx, ClassAuth, id, limit)
		assert.True(t, dec.Allow)
	}
	limiter.Allow(ctx, ClassAuth, id, limit)
	limiter.Allow(ctx, ClassAuth, id, limit)

	dec, _ := limiter.Peek(ctx, ClassAuth, id, limit)
	assert.False(t, dec.Allow)
	assert.Zero(t, dec.Remaining)
}

// Race Test
func TestMemoryLimiter_ThreadSafety(t *testing.T) {
	ctx := context.Background()
	limiter := newMemoryLimiter(newClock())

	limit := Limit{Max: 100, Window: time.Minute}
	id := Identity{Namespace: "test", Key: "user_1"}

	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			limiter.Allow(ctx, ClassRead, id, limit)
		}()
	}
	wg.Wait()

	dec, _ := limiter.Allow(ctx, ClassRead, id, limit)
	assert.False(t, dec.Allow, "expected window to be exhausted after 100 concurrent requests")
}

func TestWindowAt(t *testing.T) {
	now := time.UnixMilli(125_500)
	w := windowAt(now, time.Minute)
	assert.EqualValues(t, 2, w.bucket)
	assert.True(t, time.UnixMilli(180_000).Equal(w.reset))

	w = windowAt(now, 0)
	assert.EqualValues(t, 125_500, w.bucket)
}

func TestIdentity(t *testing.T) {
	assert.Equal(t, Identity{Namespace: NamespaceUser, Key: "42"}, IdentityFor("42", "10.0.0.1"))
	assert.Equal(t, Identity{Namespace: NamespaceIP, Key: "10.0.0.1"}, IdentityFor("", "10.0.0.1"))
	assert.Equal(t, "email:bob@example.com", EmailIdentity(" Bob@Example.com").String())
}

func BenchmarkMemoryLimiter_Allow(b *testing.B) {
	ctx := context.Background()
	limiter := NewMemoryLimiter(nil)

	limit := Limit{Max: 1 << 40, Window: time.Hour}
	id := Identity{Namespace: "test", Key: "user_1"}

	for i := 0; i < b.N; i++ {
		limiter.Allow(ctx, ClassRead, id, limit)
	}
}
