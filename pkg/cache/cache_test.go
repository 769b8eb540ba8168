package cache

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/gateway-guard/pkg/memstore"
	"github.com/manenim/gateway-guard/pkg/remote"
	"github.com/manenim/gateway-guard/pkg/remote/remotetest"
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

func newTestCoordinator(t *testing.T) (*Coordinator, *remotetest.Fake, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rs := remotetest.New(clk.Now)
	c := New(memstore.New(10, memstore.WithClock(clk.Now)), rs)
	return c, rs, clk
}

func TestCoordinatorSetGetUntilExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, _, clk := newTestCoordinator(t)

	require.NoError(t, c.Set(ctx, "post:1", []byte(`"A"`), 10*time.Second))
	c.Wait()

	b, ok := c.Get(ctx, "post:1")
	assert.True(ok)
	assert.Equal(`"A"`, string(b))

	clk.Advance(9 * time.Second)
	_, ok = c.Get(ctx, "post:1")
	assert.True(ok)

	clk.Advance(time.Second)
	_, ok = c.Get(ctx, "post:1")
	assert.False(ok, "entry must be gone from both layers once ttl elapses")
}

func TestCoordinatorLocalTTLIsCapped(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, rs, clk := newTestCoordinator(t)

	require.NoError(t, c.Set(ctx, "post:1", []byte(`"A"`), 2*time.Minute))
	c.Wait()

	clk.Advance(DefaultLocalTTL)
	before := rs.Calls("get")
	b, ok := c.Get(ctx, "post:1")
	assert.True(ok)
	assert.Equal(`"A"`, string(b))
	assert.Equal(before+1, rs.Calls("get"), "L1 copy should have expired, forcing an L2 read")

	// backfilled into L1
	_, ok = c.Get(ctx, "post:1")
	assert.True(ok)
	assert.Equal(before+1, rs.Calls("get"))

	st := c.Stats()
	assert.EqualValues(1, st.RemoteHits)
	assert.EqualValues(1, st.MemoryHits)
}

func TestCoordinatorInvalidate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, rs, _ := newTestCoordinator(t)

	require.NoError(t, c.Set(ctx, "post:1", "A", time.Minute))
	c.Wait()
	c.Invalidate(ctx, "post:1")

	_, ok := c.Get(ctx, "post:1")
	assert.False(ok)

	// L2 keeps its copy while unreachable
	require.NoError(t, c.Set(ctx, "post:2", "B", time.Minute))
	c.Wait()
	rs.SetDown(true)
	c.Invalidate(ctx, "post:2")
	_, ok = c.Get(ctx, "post:2")
	assert.False(ok, "L1 must be invalidated even when L2 cannot be")
}

func TestCoordinatorInvalidatePattern(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, rs, _ := newTestCoordinator(t)

	for _, k := range []string{"cache:posts:1", "cache:posts:2", "cache:profile:1"} {
		require.NoError(t, c.Set(ctx, k, k, time.Minute))
	}
	c.Wait()

	c.InvalidatePattern(ctx, "cache:posts:*")

	_, ok := c.Get(ctx, "cache:posts:1")
	assert.False(ok)
	_, ok = c.Get(ctx, "cache:posts:2")
	assert.False(ok)
	_, ok = c.Get(ctx, "cache:profile:1")
	assert.True(ok)

	_, err := rs.Get(ctx, "cache:posts:1")
	assert.Error(err)
}

// gatedRemote holds every Set until the test opens the gate, so an
// invalidation can be made to land while an L2 write is in flight.
type gatedRemote struct {
	*remotetest.Fake
	entered chan struct{}
	gate    chan struct{}
}

func newGatedRemote(f *remotetest.Fake) *gatedRemote {
	return &gatedRemote{Fake: f, entered: make(chan struct{}, 16), gate: make(chan struct{})}
}

func (g *gatedRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	g.entered <- struct{}{}
	<-g.gate
	return g.Fake.Set(ctx, key, value, ttl)
}

func TestCoordinatorInvalidatePatternBeforeWriteLands(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, rs, _ := newTestCoordinator(t)

	require.NoError(t, c.Set(ctx, "cache:/api/posts", "v1", time.Minute))
	c.InvalidatePattern(ctx, "cache:/api/posts*")
	c.Wait()

	_, ok := c.Get(ctx, "cache:/api/posts")
	assert.False(ok, "invalidated value must not come back from L2")
	_, err := rs.Get(ctx, "cache:/api/posts")
	assert.ErrorIs(err, remote.ErrNotFound)
}

func TestCoordinatorInvalidateWhileWriteInFlight(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	fake := remotetest.New(clk.Now)
	rs := newGatedRemote(fake)
	c := New(memstore.New(10, memstore.WithClock(clk.Now)), rs)

	require.NoError(t, c.Set(ctx, "post:1", "A", time.Minute))
	<-rs.entered // the write has been sent
	c.Invalidate(ctx, "post:1")
	close(rs.gate)
	c.Wait()

	_, err := fake.Get(ctx, "post:1")
	assert.ErrorIs(err, remote.ErrNotFound, "a write that lands after the delete is undone")
	_, ok := c.Get(ctx, "post:1")
	assert.False(ok)

	// a pattern invalidation cancels the write before it is sent
	rs.gate = make(chan struct{})
	require.NoError(t, c.Set(ctx, "cache:posts:1", "B", time.Minute))
	require.NoError(t, c.Set(ctx, "cache:posts:1", "C", time.Minute))
	<-rs.entered
	c.InvalidatePattern(ctx, "cache:posts:*")
	close(rs.gate)
	c.Wait()
	_, err = fake.Get(ctx, "cache:posts:1")
	assert.ErrorIs(err, remote.ErrNotFound)

	// writes after the invalidation are kept
	require.NoError(t, c.Set(ctx, "post:1", "D", time.Minute))
	c.Wait()
	b, err := fake.Get(ctx, "post:1")
	require.NoError(t, err)
	assert.Equal(`"D"`, string(b))
}

func TestCoordinatorFetchSurvivesCallerCancel(t *testing.T) {
	assert := assert.New(t)
	c, _, _ := newTestCoordinator(t)

	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return "fresh", nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(first, "post:1", time.Minute, load)
		firstErr <- err
	}()
	<-started

	second := make(chan []byte, 1)
	go func() {
		b, err := c.Fetch(context.Background(), "post:1", time.Minute, func(context.Context) (any, error) {
			return nil, errors.New("second load must be coalesced")
		})
		assert.NoError(err)
		second <- b
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(<-firstErr, context.Canceled)
	close(release)
	assert.Equal(`"fresh"`, string(<-second))
	c.Wait()
}

func TestCoordinatorRemoteDown(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, rs, clk := newTestCoordinator(t)
	rs.SetDown(true)

	for i := 0; i < 5; i++ {
		_, ok := c.Get(ctx, "missing")
		assert.False(ok)
	}
	assert.Zero(rs.Calls("get"), "unavailable store must not be called")

	// L1 keeps working on its own
	require.NoError(t, c.Set(ctx, "post:1", "A", time.Minute))
	c.Wait()
	_, ok := c.Get(ctx, "post:1")
	assert.True(ok)
	assert.Zero(rs.Calls("set"))

	clk.Advance(DefaultLocalTTL)
	_, ok = c.Get(ctx, "post:1")
	assert.False(ok)
	assert.Zero(c.Stats().Errors)
}

func TestCoordinatorRemoteFailing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, rs, _ := newTestCoordinator(t)
	rs.SetFailing(true)

	_, ok := c.Get(ctx, "missing")
	assert.False(ok)

	require.NoError(t, c.Set(ctx, "post:1", "A", time.Minute))
	c.Wait()
	c.Invalidate(ctx, "post:1")

	st := c.Stats()
	assert.EqualValues(3, st.Errors)
	assert.EqualValues(1, st.Misses)
}

func TestCoordinatorFetchCoalesces(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) (any, error) {
		loads.Add(1)
		<-release
		return map[string]int{"id": 1}, nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := c.Fetch(ctx, "post:1", time.Minute, load)
			assert.NoError(err)
			results[i] = b
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	c.Wait()

	assert.LessOrEqual(loads.Load(), int32(2))
	for _, b := range results {
		assert.JSONEq(`{"id":1}`, string(b))
	}

	b, err := c.Fetch(ctx, "post:1", time.Minute, func(context.Context) (any, error) {
		t.Fatal("loader must not run on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.JSONEq(`{"id":1}`, string(b))
}

func TestCoordinatorFetchError(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	boom := errors.New("boom")
	_, err := c.Fetch(ctx, "post:1", time.Minute, func(context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok := c.Get(ctx, "post:1")
	assert.False(t, ok, "failed loads are not cached")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	type post struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, c.Set(ctx, "post:1", post{ID: 1, Title: "hello"}, time.Minute))

	p, ok := Load[post](ctx, c, "post:1")
	assert.True(t, ok)
	assert.Equal(t, post{ID: 1, Title: "hello"}, p)

	_, ok = Load[post](ctx, c, "post:2")
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	assert.Equal("0.00%", c.Stats().HitRate)

	require.NoError(t, c.Set(ctx, "a", "1", time.Minute))
	c.Get(ctx, "a")
	c.Get(ctx, "a")
	c.Get(ctx, "b")

	st := c.Stats()
	assert.EqualValues(2, st.Hits)
	assert.EqualValues(1, st.Misses)
	assert.Equal("66.67%", st.HitRate)
	assert.Equal(1, st.MemorySize)
	assert.True(st.Remote.Connected)

	c.ResetStats()
	st = c.Stats()
	assert.Zero(st.Hits)
	assert.Zero(st.Misses)
	assert.Equal(1, st.MemorySize)
}

func TestRequestKey(t *testing.T) {
	assert := assert.New(t)

	a := RequestKey(httptest.NewRequest("GET", "/api/posts?page=2&limit=10", nil))
	b := RequestKey(httptest.NewRequest("GET", "/api/posts?limit=10&page=2", nil))
	assert.Equal(a, b)
	assert.Equal("cache:/api/posts?limit=10&page=2", a)
	assert.Equal("cache:/api/posts", RequestKey(httptest.NewRequest("GET", "/api/posts", nil)))

	assert.Equal("cache:user:42:feed", UserKey("42", "feed"))
	assert.Equal("cache:user:anonymous:feed", UserKey("", "feed"))

	match := memstore.Matcher(PathPattern("/api/posts"))
	assert.True(match(a))
	assert.False(match("cache:/api/users"))
}

func TestCoordinatorSkipLocal(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, rs, _ := newTestCoordinator(t)

	require.NoError(t, c.Set(ctx, "feed", "A", time.Minute, SkipLocal()))
	c.Wait()
	assert.Zero(c.Stats().MemorySize)

	_, ok := c.Get(ctx, "feed", SkipLocal())
	assert.True(ok)
	_, ok = c.Get(ctx, "feed", SkipLocal())
	assert.True(ok)
	assert.Equal(2, rs.Calls("get"))
	assert.Zero(c.Stats().MemoryHits)

	rs.SetDown(true)
	_, ok = c.Get(ctx, "feed", SkipLocal())
	assert.False(ok)
}
