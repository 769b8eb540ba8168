package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/manenim/gateway-guard/pkg/metrics"
	"github.com/manenim/gateway-guard/pkg/remote"
)

// Limiter applies the class table to requests. It consults the shared
// counter when the remote store is available and otherwise fails open,
// either entirely or through a MemoryLimiter when degraded limiting is on.
type Limiter struct {
	classes  map[Class]Limit
	store    remote.Store
	shared   *WindowLimiter
	fallback *MemoryLimiter

	now      func() time.Time
	recorder metrics.Recorder
	logger   *slog.Logger
	logError rate.Sometimes

	total    atomic.Int64
	allowed  atomic.Int64
	blocked  atomic.Int64
	degraded atomic.Int64
	errors   atomic.Int64
}

// New validates the class table and builds a Limiter over store. A nil
// store behaves as permanently unavailable.
func New(store remote.Store, opts ...Option) (*Limiter, error) {
	o := newOptions(opts)
	if err := ValidateClasses(o.classes); err != nil {
		return nil, err
	}
	if store == nil {
		store = remote.Disabled{}
	}

	l := &Limiter{
		classes:  maps.Clone(o.classes),
		store:    store,
		shared:   &WindowLimiter{store: store, prefix: o.prefix, now: o.now},
		now:      o.now,
		recorder: o.recorder,
		logger:   o.logger.With("component", "limiter"),
		logError: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if o.degrade {
		l.fallback = NewMemoryLimiter(o.counters, WithPrefix(o.prefix), WithClock(o.now))
	}
	return l, nil
}

// Limit returns the configured limit for class.
func (l *Limiter) Limit(class Class) (Limit, bool) {
	lim, ok := l.classes[class]
	return lim, ok
}

// Require returns a *ConfigError naming the first class that is not
// configured. Callers wiring routes use it at startup.
func (l *Limiter) Require(classes ...Class) error {
	for _, c := range classes {
		if _, ok := l.classes[c]; !ok {
			return &ConfigError{Class: c, Reason: "not configured"}
		}
	}
	return nil
}

// Check decides whether a request from id in class may proceed. It never
// fails: store errors are counted and the request is decided without the
// shared counter. Denied requests still consume quota.
//
// For classes with CountFailuresOnly, Check does not count; the attempt is
// counted by ReportOutcome once the outcome is known.
func (l *Limiter) Check(ctx context.Context, id Identity, class Class) Decision {
	start := time.Now()
	limit, ok := l.classes[class]
	if !ok {
		l.logError.Do(func() {
			l.logger.Error("rate limit class not configured, allowing", "class", class)
		})
		return Decision{Allow: true, Degraded: true}
	}

	d := l.evaluate(ctx, class, id, limit, !limit.CountFailuresOnly)

	l.total.Add(1)
	result := "allowed"
	if d.Allow {
		l.allowed.Add(1)
	} else {
		l.blocked.Add(1)
		result = "blocked"
	}
	if d.Degraded {
		l.degraded.Add(1)
	}
	l.recorder.Observe("ratelimit.latency", time.Since(start).Seconds(), map[string]string{"class": string(class)})
	l.recorder.Add("ratelimit.call", 1, map[string]string{"class": string(class), "result": result})
	return d
}

// ReportOutcome records the result of an attempt in a class with
// CountFailuresOnly. Only failures are counted; for other classes it does
// nothing because Check already counted the attempt.
func (l *Limiter) ReportOutcome(ctx context.Context, id Identity, class Class, success bool) {
	limit, ok := l.classes[class]
	if !ok || !limit.CountFailuresOnly || success {
		return
	}
	l.evaluate(ctx, class, id, limit, true)
	l.recorder.Add("ratelimit.failure", 1, map[string]string{"class": string(class)})
}

func (l *Limiter) evaluate(ctx context.Context, class Class, id Identity, limit Limit, count bool) Decision {
	if l.store.Available() {
		d, err := l.apply(ctx, l.shared, class, id, limit, count)
		if err == nil {
			return d
		}
		l.errors.Add(1)
		l.logError.Do(func() {
			l.logger.Warn("shared rate limit counter failed, failing open", "class", class, "err", err)
		})
	}

	if l.fallback != nil {
		// the in-process limiter cannot fail
		d, _ := l.apply(ctx, l.fallback, class, id, limit, count)
		d.Degraded = true
		return d
	}

	return Decision{
		Allow:     true,
		Limit:     limit.Max,
		Remaining: limit.Max,
		ResetTime: windowAt(l.now(), limit.Window).reset,
		Degraded:  true,
	}
}

func (l *Limiter) apply(ctx context.Context, rl RateLimiter, class Class, id Identity, limit Limit, count bool) (Decision, error) {
	if count {
		return rl.Allow(ctx, class, id, limit)
	}
	return rl.Peek(ctx, class, id, limit)
}

type Stats struct {
	Total     int64  `json:"total"`
	Allowed   int64  `json:"allowed"`
	Blocked   int64  `json:"blocked"`
	BlockRate string `json:"blockRate"`
	Degraded  int64  `json:"degraded"`
	Errors    int64  `json:"errors"`
}

func (l *Limiter) Stats() Stats {
	st := Stats{
		Total:    l.total.Load(),
		Allowed:  l.allowed.Load(),
		Blocked:  l.blocked.Load(),
		Degraded: l.degraded.Load(),
		Errors:   l.errors.Load(),
	}
	st.BlockRate = "0.00%"
	if st.Total > 0 {
		st.BlockRate = fmt.Sprintf("%.2f%%", float64(st.Blocked)*100/float64(st.Total))
	}
	return st
}

func (l *Limiter) ResetStats() {
	l.total.Store(0)
	l.allowed.Store(0)
	l.blocked.Store(0)
	l.degraded.Store(0)
	l.errors.Store(0)
}
