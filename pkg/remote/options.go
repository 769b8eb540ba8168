package remote

import (
	"log/slog"
	"time"

	"github.com/manenim/gateway-guard/pkg/metrics"
)

const (
	defaultTimeout        = 250 * time.Millisecond
	defaultConnectTimeout = 2 * time.Second
	defaultConnectRetries = 3
	defaultCooldown       = 5 * time.Second
)

type Option func(*RedisStore)

// WithPrefix sets a prefix prepended to every key (default "").
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTimeout sets the deadline applied to each command (default 250ms).
func WithTimeout(d time.Duration) Option {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *RedisStore) {
		s.recorder = metrics.OrNoOp(r)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *RedisStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConnectRetries bounds how many times the initial connection is
// retried after the first attempt fails (default 3). Once exhausted the
// store stays degraded for the life of the process.
func WithConnectRetries(n int) Option {
	return func(s *RedisStore) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithConnectTimeout bounds each initial connection attempt (default 2s).
func WithConnectTimeout(d time.Duration) Option {
	return func(s *RedisStore) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithCooldown sets how long the store reports itself unavailable after a
// connection-level command failure (default 5s).
func WithCooldown(d time.Duration) Option {
	return func(s *RedisStore) {
		if d >= 0 {
			s.cooldown = d
		}
	}
}

// WithBackoff overrides the delay before connection attempt n+1.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(s *RedisStore) {
		if fn != nil {
			s.backoff = fn
		}
	}
}

// connectBackoff grows linearly by 50ms per attempt, capped at 2s.
func connectBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 50 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}
