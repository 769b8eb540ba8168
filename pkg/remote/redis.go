package remote

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/manenim/gateway-guard/pkg/metrics"
)

//go:embed fixed_window.lua
var fixedWindowScript string

//go:embed swap_field.lua
var swapFieldScript string

// State is the connection lifecycle of a RedisStore.
type State int32

const (
	StateConnecting State = iota
	StateReady
	// StateDegraded means the initial connection retries were exhausted; the
	// store will not try again for the life of the process.
	StateDegraded
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// RedisStore is a Store backed by a Redis client.
type RedisStore struct {
	client *redis.Client

	prefix         string
	timeout        time.Duration
	connectTimeout time.Duration
	retries        int
	cooldown       time.Duration
	backoff        func(attempt int) time.Duration
	recorder       metrics.Recorder
	logger         *slog.Logger

	// failures are logged at most once per interval during an outage
	logFailure rate.Sometimes

	state          atomic.Int32
	suspendedUntil atomic.Int64

	incrWindow *redis.Script
	swapField  *redis.Script

	connected chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps client and starts connecting in the background. It
// never blocks and never fails; until the first Ping succeeds the store
// reports itself unavailable.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:         client,
		timeout:        defaultTimeout,
		connectTimeout: defaultConnectTimeout,
		retries:        defaultConnectRetries,
		cooldown:       defaultCooldown,
		backoff:        connectBackoff,
		recorder:       metrics.NoOp{},
		logger:         slog.Default(),
		logFailure:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		incrWindow:     redis.NewScript(fixedWindowScript),
		swapField:      redis.NewScript(swapFieldScript),
		connected:      make(chan struct{}),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "remote")
	s.state.Store(int32(StateConnecting))

	go s.connect()
	return s
}

// NewRedisStoreFromURL parses a redis:// URL and calls NewRedisStore. Only a
// malformed URL is an error.
func NewRedisStoreFromURL(redisURL string, opts ...Option) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	// commands are never retried on the request path; the breaker handles outages
	opt.MaxRetries = -1
	return NewRedisStore(redis.NewClient(opt), opts...), nil
}

func (s *RedisStore) connect() {
	defer close(s.connected)

	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
		err := s.client.Ping(ctx).Err()
		if err == nil {
			// preloading is an optimisation; Run falls back to EVAL on NOSCRIPT
			_ = s.incrWindow.Load(ctx, s.client).Err()
			_ = s.swapField.Load(ctx, s.client).Err()
			cancel()
			s.state.Store(int32(StateReady))
			s.logger.Info("remote store connected", "attempts", attempt)
			return
		}
		cancel()

		s.logger.Warn("remote store connect failed", "attempt", attempt, "err", err)
		if attempt > s.retries {
			break
		}
		select {
		case <-time.After(s.backoff(attempt)):
		case <-s.closed:
			s.state.Store(int32(StateDegraded))
			return
		}
	}

	s.state.Store(int32(StateDegraded))
	s.logger.Error("remote store unreachable, continuing without it", "retries", s.retries)
}

// WaitConnected blocks until the background connection attempt has finished
// or ctx is done. It returns nil only when the store is ready.
func (s *RedisStore) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.State() != StateReady {
		return ErrUnavailable
	}
	return nil
}

func (s *RedisStore) State() State {
	return State(s.state.Load())
}

// Available reports whether the store is connected and not cooling down
// after a connection-level failure.
func (s *RedisStore) Available() bool {
	if s.State() != StateReady {
		return false
	}
	return time.Now().UnixNano() >= s.suspendedUntil.Load()
}

func (s *RedisStore) Status() Status {
	st := Status{
		Enabled:   true,
		Connected: s.Available(),
		State:     s.State().String(),
	}
	if s.State() == StateReady && !st.Connected {
		st.State = "suspended"
	}
	return st
}

// Close stops any pending connection attempts and closes the client.
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.client.Close()
	})
	return err
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// do runs fn under the per-command timeout and converts every failure other
// than a miss into ErrUnavailable.
func (s *RedisStore) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	if !s.Available() {
		return ErrUnavailable
	}

	ctx, span := otel.Tracer("remote").Start(ctx, "RedisStore."+op)
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.recorder.Observe("remote.latency", time.Since(start).Seconds(), map[string]string{"op": op})

	if err == nil || errors.Is(err, redis.Nil) {
		s.recorder.Add("remote.call", 1, map[string]string{"op": op, "result": "ok"})
		if err != nil {
			return ErrNotFound
		}
		return nil
	}

	span.RecordError(err)
	s.recorder.Add("remote.call", 1, map[string]string{"op": op, "result": "error"})
	s.trip(err)
	s.logFailure.Do(func() {
		s.logger.Warn("remote store command failed", "op", op, "key", key, "err", err)
	})
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, key, err)
}

// trip suspends the store for the cooldown after failures that point at the
// connection rather than at the command.
func (s *RedisStore) trip(err error) {
	var rerr redis.Error
	if errors.As(err, &rerr) || errors.Is(err, context.Canceled) {
		return
	}
	if s.cooldown <= 0 {
		return
	}
	s.suspendedUntil.Store(time.Now().Add(s.cooldown).UnixNano())
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, "get", key, func(ctx context.Context) error {
		b, err := s.client.Get(ctx, s.key(key)).Bytes()
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Del(ctx, key)
	}
	return s.do(ctx, "set", key, func(ctx context.Context) error {
		return s.client.Set(ctx, s.key(key), value, ttl).Err()
	})
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.do(ctx, "del", keys[0], func(ctx context.Context) error {
		return s.client.Del(ctx, full...).Err()
	})
}

// DelPattern walks the keyspace with SCAN rather than KEYS so a large
// keyspace does not stall the server.
func (s *RedisStore) DelPattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	err := s.do(ctx, "delpattern", pattern, func(ctx context.Context) error {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, s.key(pattern), 200).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				n, err := s.client.Unlink(ctx, keys...).Result()
				if err != nil {
					return err
				}
				deleted += int(n)
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	return deleted, err
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.do(ctx, "exists", key, func(ctx context.Context) error {
		var err error
		n, err = s.client.Exists(ctx, s.key(key)).Result()
		return err
	})
	return n == 1, err
}

// TTL returns the remaining lifetime of key; zero means the key does not
// expire.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := s.do(ctx, "ttl", key, func(ctx context.Context) error {
		var err error
		d, err = s.client.PTTL(ctx, s.key(key)).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var ok bool
	err := s.do(ctx, "expire", key, func(ctx context.Context) error {
		var err error
		ok, err = s.client.PExpire(ctx, s.key(key), ttl).Result()
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.do(ctx, "incrwindow", key, func(ctx context.Context) error {
		var err error
		n, err = s.incrWindow.Run(ctx, s.client, []string{s.key(key)}, millis(ttl)).Int64()
		return err
	})
	return n, err
}

func (s *RedisStore) SwapIfField(ctx context.Context, key, field, expected string, replacement []byte, ttl time.Duration) (SwapResult, error) {
	var res int64
	err := s.do(ctx, "swapfield", key, func(ctx context.Context) error {
		var err error
		res, err = s.swapField.Run(ctx, s.client, []string{s.key(key)},
			field,       // ARGV[1]
			expected,    // ARGV[2]
			replacement, // ARGV[3]
			millis(ttl), // ARGV[4]
		).Int64()
		return err
	})
	if err != nil {
		return SwapMissing, err
	}
	switch res {
	case 1:
		return SwapDone, nil
	case -1:
		return SwapMismatch, nil
	default:
		return SwapMissing, nil
	}
}

func millis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}
