// Package cache coordinates a two-tier cache: a short-lived process-local
// layer (L1, memstore) in front of the shared remote store (L2).
//
// L1 entries live for at most the local TTL regardless of the TTL the caller
// asks for, which bounds how long another process can keep serving a value
// after it was invalidated elsewhere. L2 writes are fire-and-forget, and
// every L2 failure is counted and then treated as a miss, so the cache can
// only ever make a request faster, never make it fail.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/manenim/gateway-guard/pkg/memstore"
	"github.com/manenim/gateway-guard/pkg/metrics"
	"github.com/manenim/gateway-guard/pkg/remote"
)

const (
	DefaultLocalTTL = 30 * time.Second
	DefaultTTL      = 5 * time.Minute
)

// Coordinator is safe for concurrent use by multiple goroutines.
type Coordinator struct {
	local  *memstore.Store
	remote remote.Store

	localTTL   time.Duration
	defaultTTL time.Duration
	recorder   metrics.Recorder
	logger     *slog.Logger

	group   singleflight.Group
	pending sync.WaitGroup

	// writes maps a key to its newest in-flight L2 write.
	writesMu sync.Mutex
	writes   map[string]*pendingWrite

	hits       atomic.Int64
	misses     atomic.Int64
	memoryHits atomic.Int64
	remoteHits atomic.Int64
	errors     atomic.Int64
}

type Option func(*Coordinator)

// WithLocalTTL caps how long any entry stays in L1 (default 30s).
func WithLocalTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.localTTL = d
		}
	}
}

// WithDefaultTTL is used by Set when called with a non-positive ttl
// (default 5m).
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = metrics.OrNoOp(r)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// CallOption adjusts a single Get or Set.
type CallOption func(*call)

type call struct {
	skipLocal bool
}

// SkipLocal bypasses L1 for the call, for payloads every instance must see
// the same version of.
func SkipLocal() CallOption {
	return func(c *call) {
		c.skipLocal = true
	}
}

func callOptions(opts []CallOption) call {
	var c call
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// New builds a Coordinator over local and rs. A nil local gets a default
// sized memstore; a nil rs disables L2.
func New(local *memstore.Store, rs remote.Store, opts ...Option) *Coordinator {
	if local == nil {
		local = memstore.New(memstore.DefaultSize)
	}
	if rs == nil {
		rs = remote.Disabled{}
	}
	c := &Coordinator{
		local:      local,
		remote:     rs,
		localTTL:   DefaultLocalTTL,
		defaultTTL: DefaultTTL,
		recorder:   metrics.NoOp{},
		logger:     slog.Default(),
		writes:     make(map[string]*pendingWrite),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	return c
}

// Get returns the payload stored under key, checking L1 and then L2. An L2
// hit is copied back into L1.
func (c *Coordinator) Get(ctx context.Context, key string, opts ...CallOption) ([]byte, bool) {
	o := callOptions(opts)
	if !o.skipLocal {
		if v, ok := c.local.Get(key); ok {
			if b, ok := v.([]byte); ok {
				c.hit("memory")
				return b, true
			}
		}
	}

	if c.remote.Available() {
		b, err := c.remote.Get(ctx, key)
		switch {
		case err == nil:
			if !o.skipLocal {
				c.local.Set(key, b, c.localTTL)
			}
			c.hit("remote")
			return b, true
		case !errors.Is(err, remote.ErrNotFound):
			c.fail("get", key, err)
		}
	}

	c.misses.Add(1)
	c.recorder.Add("cache.lookup", 1, map[string]string{"result": "miss", "layer": "none"})
	return nil, false
}

func (c *Coordinator) hit(layer string) {
	c.hits.Add(1)
	if layer == "memory" {
		c.memoryHits.Add(1)
	} else {
		c.remoteHits.Add(1)
	}
	c.recorder.Add("cache.lookup", 1, map[string]string{"result": "hit", "layer": layer})
}

func (c *Coordinator) fail(op, key string, err error) {
	c.errors.Add(1)
	c.recorder.Add("cache.error", 1, map[string]string{"op": op})
	c.logger.Debug("remote cache call failed", "op", op, "key", key, "err", err)
}

// Set stores value under key. L1 is written synchronously with a TTL capped
// at the local TTL; L2 is written in the background with the full ttl. Only
// an encoding failure is returned.
func (c *Coordinator) Set(ctx context.Context, key string, value any, ttl time.Duration, opts ...CallOption) error {
	b, err := encode(value)
	if err != nil {
		return fmt.Errorf("caching %q: %w", key, err)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if !callOptions(opts).skipLocal {
		c.local.Set(key, b, min(ttl, c.localTTL))
	}

	if c.remote.Available() {
		c.writeRemote(ctx, key, b, ttl)
	}
	return nil
}

// pendingWrite is a background L2 write. An invalidation that overlaps it
// sets canceled: a write that has not started is skipped, and one already
// sent is undone with a delete once it lands. Writes to one key run in Set
// order, each waiting for the one before it.
type pendingWrite struct {
	prev     *pendingWrite
	canceled bool
	done     chan struct{}
}

func (c *Coordinator) writeRemote(ctx context.Context, key string, b []byte, ttl time.Duration) {
	c.writesMu.Lock()
	w := &pendingWrite{prev: c.writes[key], done: make(chan struct{})}
	c.writes[key] = w
	c.writesMu.Unlock()

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		defer close(w.done)
		// the request may be finished before the write is
		ctx := context.WithoutCancel(ctx)

		c.writesMu.Lock()
		prev := w.prev
		c.writesMu.Unlock()
		if prev != nil {
			<-prev.done
		}

		c.writesMu.Lock()
		w.prev = nil
		canceled := w.canceled
		c.writesMu.Unlock()

		if !canceled {
			if err := c.remote.Set(ctx, key, b, ttl); err != nil {
				c.fail("set", key, err)
			} else {
				c.writesMu.Lock()
				canceled = w.canceled
				c.writesMu.Unlock()
				if canceled {
					if err := c.remote.Del(ctx, key); err != nil {
						c.fail("del", key, err)
					}
				}
			}
		}

		c.writesMu.Lock()
		if c.writes[key] == w {
			delete(c.writes, key)
		}
		c.writesMu.Unlock()
	}()
}

// cancelWrites marks every in-flight L2 write for a key accepted by match.
func (c *Coordinator) cancelWrites(match func(string) bool) {
	c.writesMu.Lock()
	defer c.writesMu.Unlock()
	for k, w := range c.writes {
		if !match(k) {
			continue
		}
		for ; w != nil; w = w.prev {
			w.canceled = true
		}
	}
}

// Invalidate drops keys from L1 and, best effort, from L2. L2 writes still
// in flight for those keys never outlive the invalidation.
func (c *Coordinator) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
		c.local.Delete(k)
	}
	c.cancelWrites(func(k string) bool {
		_, ok := set[k]
		return ok
	})
	if c.remote.Available() {
		if err := c.remote.Del(ctx, keys...); err != nil {
			c.fail("del", keys[0], err)
		}
	}
	// a Get that read L2 before the delete may have backfilled L1
	for _, k := range keys {
		c.local.Delete(k)
	}
}

// InvalidatePattern drops every key matching pattern ('*' matches any run of
// characters) from L1 and, best effort, from L2.
func (c *Coordinator) InvalidatePattern(ctx context.Context, pattern string) {
	local := c.local.DeleteMatching(pattern)
	c.cancelWrites(memstore.Matcher(pattern))
	shared := 0
	if c.remote.Available() {
		n, err := c.remote.DelPattern(ctx, pattern)
		if err != nil {
			c.fail("delpattern", pattern, err)
		}
		shared = n
	}
	local += c.local.DeleteMatching(pattern)
	c.logger.Debug("invalidated cache pattern", "pattern", pattern, "local", local, "remote", shared)
}

// Fetch returns the cached payload for key, or calls load, caches its result
// for ttl and returns it. Concurrent misses on the same key share a single
// load, which runs detached from any one caller's cancellation; a caller
// whose ctx ends stops waiting without failing the others.
func (c *Coordinator) Fetch(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) (any, error)) ([]byte, error) {
	if b, ok := c.Get(ctx, key); ok {
		return b, nil
	}
	ch := c.group.DoChan(key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		b, err := encode(val)
		if err != nil {
			return nil, err
		}
		_ = c.Set(ctx, key, b, ttl)
		return b, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Wait blocks until background L2 writes have finished.
func (c *Coordinator) Wait() {
	c.pending.Wait()
}

// Load is Get followed by decoding the payload into a T. Undecodable
// payloads count as a miss.
func Load[T any](ctx context.Context, c *Coordinator, key string) (T, bool) {
	var out T
	b, ok := c.Get(ctx, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, false
	}
	return out, true
}

func encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case json.RawMessage:
		return t, nil
	default:
		return json.Marshal(v)
	}
}
