// Package remote adapts a shared networked key/value store (Redis) for the
// cache, rate limiter and token store.
//
// The adapter is optional infrastructure: construction never blocks, and
// every command failure, timeout or missing connection is reported as
// ErrUnavailable so callers can fall back instead of failing the request.
// Callers must ask Available before each use because availability changes
// over the life of the process.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("remote: not found")
	// ErrUnavailable wraps every connection, timeout and command failure.
	ErrUnavailable = errors.New("remote: store unavailable")
)

// SwapResult is the outcome of SwapIfField.
type SwapResult int

const (
	// SwapMissing means no value exists under the key.
	SwapMissing SwapResult = iota
	// SwapMismatch means the stored field did not equal the expected value;
	// nothing was written.
	SwapMismatch
	// SwapDone means the value was replaced.
	SwapDone
)

func (r SwapResult) String() string {
	switch r {
	case SwapMissing:
		return "missing"
	case SwapMismatch:
		return "mismatch"
	case SwapDone:
		return "done"
	default:
		return fmt.Sprintf("SwapResult(%d)", int(r))
	}
}

// Store is the contract every consumer programs against.
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Available reports whether the store should be used for this call.
	Available() bool

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// DelPattern removes every key matching a '*' wildcard pattern and
	// returns how many were removed.
	DelPattern(ctx context.Context, pattern string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// IncrWindow atomically increments the counter at key, setting its
	// expiry to ttl when the increment created it, and returns the new count.
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SwapIfField atomically replaces the JSON document at key with
	// replacement (expiring after ttl) if the document's top-level string
	// field equals expected.
	SwapIfField(ctx context.Context, key, field, expected string, replacement []byte, ttl time.Duration) (SwapResult, error)

	Status() Status
}

// Status is a point-in-time description of the adapter for dashboards.
type Status struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
}

// GetJSON fetches key and decodes it into a T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var out T
	b, err := s.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decoding %q: %w", key, err)
	}
	return out, nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	return s.Set(ctx, key, b, ttl)
}

// IsUnavailable reports whether err means the remote store could not serve
// the call, as opposed to a plain miss.
func IsUnavailable(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}
