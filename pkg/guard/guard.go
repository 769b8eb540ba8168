// Package guard wires the remote store, cache coordinator, rate limiter and
// token store together from a single Config.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/manenim/gateway-guard/pkg/cache"
	"github.com/manenim/gateway-guard/pkg/limiter"
	"github.com/manenim/gateway-guard/pkg/memstore"
	"github.com/manenim/gateway-guard/pkg/metrics"
	"github.com/manenim/gateway-guard/pkg/remote"
	"github.com/manenim/gateway-guard/pkg/token"
)

type Config struct {
	RedisEnabled   bool
	RedisURL       string
	Prefix         string
	RemoteTimeout  time.Duration
	ConnectRetries int
	Cooldown       time.Duration

	LocalCacheSize  int
	LocalCacheTTL   time.Duration
	DefaultCacheTTL time.Duration

	Classes          map[limiter.Class]limiter.Limit
	DegradedLimiting bool

	TokenTTL           time.Duration
	TokenSweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RedisEnabled:       true,
		RedisURL:           "redis://localhost:6379/0",
		Prefix:             "guard:",
		RemoteTimeout:      250 * time.Millisecond,
		ConnectRetries:     3,
		Cooldown:           5 * time.Second,
		LocalCacheSize:     memstore.DefaultSize,
		LocalCacheTTL:      cache.DefaultLocalTTL,
		DefaultCacheTTL:    cache.DefaultTTL,
		Classes:            limiter.DefaultClasses(),
		TokenTTL:           token.DefaultTTL,
		TokenSweepInterval: token.DefaultSweepInterval,
	}
}

// Validate reports the first unusable setting. The limiter class table must
// hold every class the routes rely on.
func (c Config) Validate() error {
	var errs []error
	if c.RedisEnabled && c.RedisURL == "" {
		errs = append(errs, errors.New("redis enabled but no URL configured"))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("remote timeout must be positive, got %s", c.RemoteTimeout))
	}
	if c.ConnectRetries < 0 {
		errs = append(errs, fmt.Errorf("connect retries must not be negative, got %d", c.ConnectRetries))
	}
	if c.LocalCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("local cache size must be positive, got %d", c.LocalCacheSize))
	}
	if c.LocalCacheTTL <= 0 || c.DefaultCacheTTL <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("token TTL must be positive, got %s", c.TokenTTL))
	}
	if err := limiter.ValidateClasses(c.Classes,
		limiter.ClassRead, limiter.ClassWrite, limiter.ClassAuth,
		limiter.ClassUpload, limiter.ClassSearch, limiter.ClassReport,
	); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Guard holds the constructed components. Fields are safe to use directly.
type Guard struct {
	Remote  remote.Store
	Cache   *cache.Coordinator
	Limiter *limiter.Limiter
	Tokens  *token.Store

	cfg    Config
	logger *slog.Logger
}

type Option func(*options)

type options struct {
	logger   *slog.Logger
	recorder metrics.Recorder
	remote   remote.Store
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithRemote uses rs instead of building a Redis store from the config.
func WithRemote(rs remote.Store) Option {
	return func(o *options) {
		o.remote = rs
	}
}

// New validates cfg and builds every component. It does not wait for the
// remote store: construction succeeds while Redis is still connecting or
// even unreachable.
func New(cfg Config, opts ...Option) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid guard config: %w", err)
	}
	o := options{logger: slog.Default(), recorder: metrics.NoOp{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.recorder = metrics.OrNoOp(o.recorder)

	rs := o.remote
	if rs == nil {
		var err error
		rs, err = newRemote(cfg, o)
		if err != nil {
			return nil, err
		}
	}

	lopts := []limiter.Option{
		limiter.WithClasses(cfg.Classes),
		limiter.WithRecorder(o.recorder),
		limiter.WithLogger(o.logger),
	}
	if cfg.DegradedLimiting {
		lopts = append(lopts, limiter.WithDegradedLimiting(nil))
	}
	l, err := limiter.New(rs, lopts...)
	if err != nil {
		return nil, err
	}

	g := &Guard{
		Remote: rs,
		Cache: cache.New(memstore.New(cfg.LocalCacheSize), rs,
			cache.WithLocalTTL(cfg.LocalCacheTTL),
			cache.WithDefaultTTL(cfg.DefaultCacheTTL),
			cache.WithRecorder(o.recorder),
			cache.WithLogger(o.logger),
		),
		Limiter: l,
		Tokens: token.New(rs,
			token.WithTTL(cfg.TokenTTL),
			token.WithRecorder(o.recorder),
			token.WithLogger(o.logger),
		),
		cfg:    cfg,
		logger: o.logger,
	}
	return g, nil
}

func newRemote(cfg Config, o options) (remote.Store, error) {
	if !cfg.RedisEnabled {
		o.logger.Info("remote store disabled, running with process-local state only")
		return remote.Disabled{}, nil
	}
	return remote.NewRedisStoreFromURL(cfg.RedisURL,
		remote.WithPrefix(cfg.Prefix),
		remote.WithTimeout(cfg.RemoteTimeout),
		remote.WithConnectRetries(cfg.ConnectRetries),
		remote.WithCooldown(cfg.Cooldown),
		remote.WithRecorder(o.recorder),
		remote.WithLogger(o.logger),
	)
}

// Start runs background maintenance until ctx is done.
func (g *Guard) Start(ctx context.Context) {
	g.Tokens.StartSweeper(ctx, g.cfg.TokenSweepInterval)
}

// Close waits for pending cache writes and closes the remote store.
func (g *Guard) Close() error {
	g.Cache.Wait()
	if c, ok := g.Remote.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Snapshot is the read-only operational view served by the stats endpoint.
type Snapshot struct {
	Remote    remote.Status `json:"remote"`
	Cache     cache.Stats   `json:"cache"`
	RateLimit limiter.Stats `json:"rateLimit"`
	Tokens    token.Stats   `json:"tokens"`
}

func (g *Guard) Snapshot() Snapshot {
	return Snapshot{
		Remote:    g.Remote.Status(),
		Cache:     g.Cache.Stats(),
		RateLimit: g.Limiter.Stats(),
		Tokens:    g.Tokens.Stats(),
	}
}
