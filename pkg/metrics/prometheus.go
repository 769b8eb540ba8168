package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromRecorder forwards recorder calls to Prometheus collectors, creating a
// CounterVec or HistogramVec the first time a name is seen.
type PromRecorder struct {
	namespace  string
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

var _ Recorder = (*PromRecorder)(nil)

// NewPromRecorder returns a recorder registering its collectors with reg
// (prometheus.DefaultRegisterer when nil). namespace prefixes every metric.
func NewPromRecorder(namespace string, reg prometheus.Registerer) *PromRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromRecorder{
		namespace:  namespace,
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *PromRecorder) Add(name string, value float64, tags map[string]string) {
	keys := labelKeys(tags)

	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      metricName(name) + "_total",
			Help:      "Count of " + name + " events",
		}, keys)
		vec = registerOrExisting(p.registerer, vec).(*prometheus.CounterVec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	c, err := vec.GetMetricWith(tags)
	if err != nil {
		return
	}
	c.Add(value)
}

func (p *PromRecorder) Observe(name string, value float64, tags map[string]string) {
	keys := labelKeys(tags)

	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      metricName(name) + "_seconds",
			Help:      "Latency of " + name,
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, keys)
		vec = registerOrExisting(p.registerer, vec).(*prometheus.HistogramVec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	o, err := vec.GetMetricWith(tags)
	if err != nil {
		return
	}
	o.Observe(value)
}

func registerOrExisting(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

func labelKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(name)
}
