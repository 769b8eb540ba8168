package limiter

import (
	"context"
	"time"

	"github.com/manenim/gateway-guard/pkg/memstore"
)

// MemoryLimiter is an in-process fixed-window limiter.
//
// It is safe for concurrent use by multiple goroutines, but its counters are
// local to the process and are not shared across replicas, so each replica
// admits up to the full limit on its own. That makes it a loose stand-in for
// the shared counter while the remote store is down, never a stricter one.
// Counters live in a bounded memstore; an evicted counter restarts at zero.
type MemoryLimiter struct {
	counters *memstore.Store
	prefix   string
	now      func() time.Time
}

var _ RateLimiter = (*MemoryLimiter)(nil)

// DefaultMemoryCounters bounds the number of live windows a MemoryLimiter
// built without a store keeps.
const DefaultMemoryCounters = 10_000

// NewMemoryLimiter keeps its counters in counters, or in a fresh store of
// DefaultMemoryCounters entries when counters is nil.
func NewMemoryLimiter(counters *memstore.Store, opts ...Option) *MemoryLimiter {
	o := newOptions(opts)
	if counters == nil {
		counters = memstore.New(DefaultMemoryCounters, memstore.WithClock(o.now))
	}
	return &MemoryLimiter{counters: counters, prefix: o.prefix, now: o.now}
}

func (m *MemoryLimiter) Allow(ctx context.Context, class Class, id Identity, limit Limit) (Decision, error) {
	now := m.now()
	win := windowAt(now, limit.Window)
	n := m.counters.Incr(counterKey(m.prefix, class, id, win), limit.Window)
	return decide(limit, win, n, true, now), nil
}

func (m *MemoryLimiter) Peek(ctx context.Context, class Class, id Identity, limit Limit) (Decision, error) {
	now := m.now()
	win := windowAt(now, limit.Window)
	n := m.counters.Count(counterKey(m.prefix, class, id, win))
	return decide(limit, win, n, false, now), nil
}
