// Package remotetest provides an in-memory remote.Store for tests, with a
// controllable clock and switches to simulate outages.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manenim/gateway-guard/pkg/memstore"
	"github.com/manenim/gateway-guard/pkg/remote"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Fake behaves like a single shared Redis: every instance handed the same
// Fake sees the same keys, and IncrWindow and SwapIfField are atomic.
type Fake struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time

	down    atomic.Bool
	failing atomic.Bool

	callsMu sync.Mutex
	calls   map[string]int
}

var _ remote.Store = (*Fake)(nil)

func New(now func() time.Time) *Fake {
	if now == nil {
		now = time.Now
	}
	return &Fake{
		data:  make(map[string]entry),
		now:   now,
		calls: make(map[string]int),
	}
}

// SetDown makes Available report false and every call fail.
func (f *Fake) SetDown(down bool) { f.down.Store(down) }

// SetFailing keeps Available true but makes every call fail, as a store
// that times out mid-request would.
func (f *Fake) SetFailing(failing bool) { f.failing.Store(failing) }

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.callsMu.Lock()
	defer f.callsMu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(op string) error {
	f.callsMu.Lock()
	f.calls[op]++
	f.callsMu.Unlock()
	if f.down.Load() || f.failing.Load() {
		return fmt.Errorf("%w: %s: simulated outage", remote.ErrUnavailable, op)
	}
	return nil
}

func (f *Fake) Available() bool { return !f.down.Load() }

func (f *Fake) Status() remote.Status {
	if f.down.Load() {
		return remote.Status{Enabled: true, State: remote.StateDegraded.String()}
	}
	return remote.Status{Enabled: true, Connected: true, State: remote.StateReady.String()}
}

// lookup must be called with f.mu held.
func (f *Fake) lookup(key string) (entry, bool) {
	e, ok := f.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !f.now().Before(e.expiresAt) {
		delete(f.data, key)
		return entry{}, false
	}
	return e, true
}

func (f *Fake) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.enter("get"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.lookup(key)
	if !ok {
		return nil, remote.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (f *Fake) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.enter("set"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ttl <= 0 {
		delete(f.data, key)
		return nil
	}
	f.data[key] = entry{value: append([]byte(nil), value...), expiresAt: f.now().Add(ttl)}
	return nil
}

func (f *Fake) Del(ctx context.Context, keys ...string) error {
	if err := f.enter("del"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *Fake) DelPattern(ctx context.Context, pattern string) (int, error) {
	if err := f.enter("delpattern"); err != nil {
		return 0, err
	}
	match := memstore.Matcher(pattern)
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.data {
		if _, ok := f.lookup(k); ok && match(k) {
			delete(f.data, k)
			n++
		}
	}
	return n, nil
}

func (f *Fake) Exists(ctx context.Context, key string) (bool, error) {
	if err := f.enter("exists"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.lookup(key)
	return ok, nil
}

func (f *Fake) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := f.enter("ttl"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.lookup(key)
	if !ok {
		return 0, remote.ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(f.now()), nil
}

func (f *Fake) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.enter("expire"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.lookup(key)
	if !ok {
		return remote.ErrNotFound
	}
	e.expiresAt = f.now().Add(ttl)
	f.data[key] = e
	return nil
}

func (f *Fake) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := f.enter("incrwindow"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	e, ok := f.lookup(key)
	if ok {
		if _, err := fmt.Sscan(string(e.value), &n); err != nil {
			return 0, fmt.Errorf("value is not an integer")
		}
	} else {
		e.expiresAt = f.now().Add(ttl)
	}
	n++
	e.value = []byte(fmt.Sprint(n))
	f.data[key] = e
	return n, nil
}

func (f *Fake) SwapIfField(ctx context.Context, key, field, expected string, replacement []byte, ttl time.Duration) (remote.SwapResult, error) {
	if err := f.enter("swapfield"); err != nil {
		return remote.SwapMissing, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.lookup(key)
	if !ok {
		return remote.SwapMissing, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(e.value, &doc); err != nil {
		return remote.SwapMismatch, nil
	}
	if v, _ := doc[field].(string); v != expected || doc[field] == nil {
		return remote.SwapMismatch, nil
	}
	f.data[key] = entry{value: append([]byte(nil), replacement...), expiresAt: f.now().Add(ttl)}
	return remote.SwapDone, nil
}
