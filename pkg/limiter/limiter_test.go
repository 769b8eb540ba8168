package limiter

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/gateway-guard/pkg/memstore"
	"github.com/manenim/gateway-guard/pkg/remote/remotetest"
)

func newTestLimiter(t *testing.T, opts ...Option) (*Limiter, *remotetest.Fake, *fakeClock) {
	t.Helper()
	clk := newClock()
	rs := remotetest.New(clk.Now)
	l, err := New(rs, append([]Option{WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	return l, rs, clk
}

func TestLimiterWindow(t *testing.T) {
	ctx := context.Background()
	l, _, clk := newTestLimiter(t, WithClasses(map[Class]Limit{
		ClassWrite: {Max: 5, Window: time.Minute},
	}))
	id := IdentityFor("42", "")

	for i := 0; i < 5; i++ {
		dec := l.Check(ctx, id, ClassWrite)
		require.True(t, dec.Allow, "request %d", i+1)
		assert.EqualValues(t, 4-i, dec.Remaining)
		assert.False(t, dec.Degraded)
	}
	dec := l.Check(ctx, id, ClassWrite)
	assert.False(t, dec.Allow)
	assert.Equal(t, time.Minute, dec.RetryAfter)

	var exceeded *ExceededError
	require.True(t, errors.As(dec.Err(ClassWrite), &exceeded))
	assert.Equal(t, ClassWrite, exceeded.Class)
	assert.EqualValues(t, 5, exceeded.Limit)
	assert.Equal(t, CodeExceeded, exceeded.Code())

	clk.Advance(time.Minute)
	dec = l.Check(ctx, id, ClassWrite)
	assert.True(t, dec.Allow)
	assert.NoError(t, dec.Err(ClassWrite))

	st := l.Stats()
	assert.EqualValues(t, 7, st.Total)
	assert.EqualValues(t, 6, st.Allowed)
	assert.EqualValues(t, 1, st.Blocked)
	assert.Equal(t, "14.29%", st.BlockRate)
}

func TestLimiterCounterKey(t *testing.T) {
	ctx := context.Background()
	l, rs, clk := newTestLimiter(t, WithPrefix("app:rl:"))

	l.Check(ctx, IdentityFor("", "10.0.0.1"), ClassRead)

	bucket := clk.Now().UnixMilli() / time.Minute.Milliseconds()
	key := "app:rl:read:ip:10.0.0.1:" + strconv.FormatInt(bucket, 10)
	ok, err := rs.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok, "expected counter %s", key)

	ttl, err := rs.TTL(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)
}

func TestLimiterFailOpen(t *testing.T) {
	ctx := context.Background()
	l, rs, _ := newTestLimiter(t, WithClasses(map[Class]Limit{
		ClassWrite: {Max: 1, Window: time.Minute},
	}))
	id := IdentityFor("42", "")

	rs.SetDown(true)
	for i := 0; i < 20; i++ {
		dec := l.Check(ctx, id, ClassWrite)
		require.True(t, dec.Allow)
		assert.True(t, dec.Degraded)
	}
	assert.Zero(t, rs.Calls("incrwindow"))

	rs.SetDown(false)
	rs.SetFailing(true)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Check(ctx, id, ClassWrite).Allow)
	}
	assert.EqualValues(t, 5, l.Stats().Errors)
	assert.EqualValues(t, 25, l.Stats().Degraded)
}

func TestLimiterDegradedLimiting(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	rs := remotetest.New(clk.Now)
	l, err := New(rs,
		WithClock(clk.Now),
		WithClasses(map[Class]Limit{ClassWrite: {Max: 3, Window: time.Minute}}),
		WithDegradedLimiting(memstore.New(10, memstore.WithClock(clk.Now))),
	)
	require.NoError(t, err)
	id := IdentityFor("42", "")

	// healthy: two requests counted remotely only
	l.Check(ctx, id, ClassWrite)
	l.Check(ctx, id, ClassWrite)

	rs.SetDown(true)
	for i := 0; i < 3; i++ {
		dec := l.Check(ctx, id, ClassWrite)
		require.True(t, dec.Allow, "local counter must start from zero")
		assert.True(t, dec.Degraded)
	}
	assert.False(t, l.Check(ctx, id, ClassWrite).Allow)

	clk.Advance(time.Minute)
	assert.True(t, l.Check(ctx, id, ClassWrite).Allow)
}

func TestLimiterReportOutcome(t *testing.T) {
	ctx := context.Background()
	l, rs, _ := newTestLimiter(t)
	id := EmailIdentity("alice@example.com")

	for i := 0; i < 10; i++ {
		dec := l.Check(ctx, id, ClassAuth)
		require.True(t, dec.Allow)
		l.ReportOutcome(ctx, id, ClassAuth, true)
	}
	assert.Zero(t, rs.Calls("incrwindow"), "successful logins must not count")

	for i := 0; i < 5; i++ {
		require.True(t, l.Check(ctx, id, ClassAuth).Allow)
		l.ReportOutcome(ctx, id, ClassAuth, false)
	}
	dec := l.Check(ctx, id, ClassAuth)
	assert.False(t, dec.Allow, "sixth attempt after five failures must be denied")
	assert.Zero(t, dec.Remaining)

	// ordinary classes are counted by Check alone
	other := IdentityFor("42", "")
	l.ReportOutcome(ctx, other, ClassWrite, false)
	assert.EqualValues(t, 9, l.Check(ctx, other, ClassWrite).Remaining)
}

func TestLimiterUnknownClass(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	dec := l.Check(context.Background(), IdentityFor("42", ""), Class("nope"))
	assert.True(t, dec.Allow)

	var cerr *ConfigError
	require.ErrorAs(t, l.Require(ClassRead, Class("nope")), &cerr)
	assert.Equal(t, Class("nope"), cerr.Class)
	assert.NoError(t, l.Require(ClassRead, ClassAuth))
}

func TestLimiterConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		classes map[Class]Limit
	}{
		{"empty", map[Class]Limit{}},
		{"zero max", map[Class]Limit{ClassRead: {Max: 0, Window: time.Minute}}},
		{"zero window", map[Class]Limit{ClassRead: {Max: 1}}},
		{"empty name", map[Class]Limit{"": {Max: 1, Window: time.Minute}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil, WithClasses(tt.classes))
			var cerr *ConfigError
			assert.ErrorAs(t, err, &cerr)
		})
	}

	assert.NoError(t, ValidateClasses(DefaultClasses(), ClassRead, ClassWrite, ClassAuth, ClassUpload, ClassSearch, ClassReport))
	assert.Error(t, ValidateClasses(map[Class]Limit{ClassRead: {Max: 1, Window: time.Second}}, ClassWrite))
}

func TestDefaultClasses(t *testing.T) {
	classes := DefaultClasses()
	// reads are the most permissive, auth and report the tightest
	for c, l := range classes {
		if c == ClassAdmin || c == ClassRead {
			continue
		}
		perMinute := float64(l.Max) / l.Window.Minutes()
		assert.Less(t, perMinute, float64(classes[ClassRead].Max), c)
	}
	assert.True(t, classes[ClassAuth].CountFailuresOnly)

	classes[ClassRead] = Limit{Max: 1, Window: time.Second}
	assert.EqualValues(t, 100, DefaultClasses()[ClassRead].Max, "DefaultClasses must return a copy")
}
