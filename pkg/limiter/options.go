package limiter

import (
	"log/slog"
	"time"

	"github.com/manenim/gateway-guard/pkg/memstore"
	"github.com/manenim/gateway-guard/pkg/metrics"
)

const DefaultPrefix = "ratelimit:"

type options struct {
	prefix   string
	now      func() time.Time
	recorder metrics.Recorder
	logger   *slog.Logger
	classes  map[Class]Limit
	degrade  bool
	counters *memstore.Store
}

type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		prefix:   DefaultPrefix,
		now:      time.Now,
		recorder: metrics.NoOp{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.classes == nil {
		o.classes = DefaultClasses()
	}
	return o
}

// WithPrefix sets the key prefix (default "ratelimit:").
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithClock overrides the time source used to pick windows.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) {
		o.recorder = metrics.OrNoOp(r)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClasses replaces the default class table.
func WithClasses(classes map[Class]Limit) Option {
	return func(o *options) {
		o.classes = classes
	}
}

// WithDegradedLimiting keeps limiting with per-process counters while the
// shared store is unavailable, instead of allowing every request. counters
// may be nil.
func WithDegradedLimiting(counters *memstore.Store) Option {
	return func(o *options) {
		o.degrade = true
		o.counters = counters
	}
}
