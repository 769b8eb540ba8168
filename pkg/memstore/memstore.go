// Package memstore is a bounded, process-local key/value map with per-entry
// TTL. It is the L1 layer in front of the shared remote store and the
// fallback for counters and tokens when that store is unavailable.
//
// A Store never fails and never blocks beyond a short internal lock. When it
// is full, the oldest inserted entry is evicted; reads do not refresh an
// entry's position. Expired entries are treated as absent and removed lazily
// on access.
package memstore

import (
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultSize is the capacity used when New is given a non-positive size.
const DefaultSize = 100

type entry struct {
	value     any
	expiresAt time.Time
}

// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	mu      sync.Mutex
	size    int
	entries *simplelru.LRU[string, entry]
	now     func() time.Time
	onEvict func(key string)
}

type Option func(*Store)

// WithClock overrides the time source; used by tests to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithEvictCallback registers fn to be called with the key of every live
// entry dropped because the store was at capacity.
func WithEvictCallback(fn func(key string)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

// New constructs a Store holding at most size entries.
func New(size int, opts ...Option) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	s := &Store{size: size, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	// eviction is driven by evictLocked so expired entries go first
	lru, err := simplelru.NewLRU[string, entry](size, nil)
	if err != nil {
		// unreachable: size is positive
		panic(err)
	}
	s.entries = lru
	return s
}

// Get returns the value stored under key, if present and unexpired.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (any, bool) {
	// Peek keeps insertion order intact
	e, ok := s.entries.Peek(key)
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		s.entries.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl deletes the key.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		s.entries.Remove(key)
		return
	}
	s.setLocked(key, value, s.now().Add(ttl))
}

func (s *Store) setLocked(key string, value any, expiresAt time.Time) {
	// overwriting counts as re-creation, so the key moves to the newest slot
	s.entries.Remove(key)
	if s.entries.Len() >= s.size {
		s.evictLocked()
	}
	s.entries.Add(key, entry{value: value, expiresAt: expiresAt})
}

// evictLocked drops the oldest inserted entry. Bulk expiry is left to Sweep
// and lazy reads so a full store stays O(1) per Set.
func (s *Store) evictLocked() {
	k, e, ok := s.entries.RemoveOldest()
	if ok && s.onEvict != nil && s.now().Before(e.expiresAt) {
		s.onEvict(k)
	}
}

// Delete removes key. It reports whether the key was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Remove(key)
}

// DeleteMatching removes every key matching pattern, where '*' matches any
// run of characters, and returns how many entries were removed.
func (s *Store) DeleteMatching(pattern string) int {
	match := Matcher(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.entries.Keys() {
		if match(k) {
			s.entries.Remove(k)
			n++
		}
	}
	return n
}

// Incr adds one to the integer counter at key and returns the new value. A
// missing or expired counter starts from zero and lives for ttl; the expiry
// of an existing counter is left untouched.
func (s *Store) Incr(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.getLocked(key); ok {
		if n, ok := v.(int64); ok {
			e, _ := s.entries.Peek(key)
			s.entries.Add(key, entry{value: n + 1, expiresAt: e.expiresAt})
			return n + 1
		}
	}
	s.setLocked(key, int64(1), s.now().Add(ttl))
	return 1
}

// Count returns the counter stored at key, or zero.
func (s *Store) Count(key string) int64 {
	v, ok := s.Get(key)
	if !ok {
		return 0
	}
	n, _ := v.(int64)
	return n
}

// TTL returns the remaining lifetime of key.
func (s *Store) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); !ok {
		return 0, false
	}
	e, _ := s.entries.Peek(key)
	return e.expiresAt.Sub(s.now()), true
}

// Sweep drops every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, k := range s.entries.Keys() {
		if e, ok := s.entries.Peek(k); ok && !now.Before(e.expiresAt) {
			s.entries.Remove(k)
			n++
		}
	}
	return n
}

// Len returns the number of entries held, including expired ones not yet
// collected.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Purge removes everything.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
}

// Matcher compiles a Redis key pattern into a predicate: '*' and '?'
// wildcards, '[...]' classes (negated with '^') and backslash escapes. The match
// is anchored at both ends. Braces and commas are literal, as they are for
// Redis. A pattern that does not compile only matches itself.
func Matcher(pattern string) func(string) bool {
	g, err := glob.Compile(redisToGlob(pattern))
	if err != nil {
		return func(k string) bool { return k == pattern }
	}
	return g.Match
}

// redisToGlob rewrites the places where glob syntax differs from Redis.
func redisToGlob(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 4)
	escaped, inClass := false, false
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\':
			escaped = true
		case inClass:
			if ch == ']' {
				inClass = false
			}
		case ch == '[':
			inClass = true
			b.WriteByte(ch)
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				b.WriteByte('!')
				i++
			}
			continue
		case ch == '{' || ch == '}' || ch == ',':
			b.WriteByte('\\')
		}
		b.WriteByte(ch)
	}
	return b.String()
}
