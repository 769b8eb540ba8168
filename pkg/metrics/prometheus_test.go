package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromRecorderCounters(t *testing.T) {
	assert := assert.New(t)
	reg := prometheus.NewRegistry()
	rec := NewPromRecorder("guard", reg)

	rec.Add("cache.hit", 1, map[string]string{"layer": "memory"})
	rec.Add("cache.hit", 2, map[string]string{"layer": "memory"})
	rec.Add("cache.hit", 1, map[string]string{"layer": "remote"})

	vec := rec.counters["cache.hit"]
	require.NotNil(t, vec)
	assert.Equal(3.0, testutil.ToFloat64(vec.WithLabelValues("memory")))
	assert.Equal(1.0, testutil.ToFloat64(vec.WithLabelValues("remote")))

	n, err := testutil.GatherAndCount(reg, "guard_cache_hit_total")
	require.NoError(t, err)
	assert.Equal(2, n)
}

func TestPromRecorderHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPromRecorder("guard", reg)

	rec.Observe("ratelimit.latency", 0.002, nil)
	rec.Observe("ratelimit.latency", 0.004, nil)

	n, err := testutil.GatherAndCount(reg, "guard_ratelimit_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPromRecorderSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPromRecorder("guard", reg)
	b := NewPromRecorder("guard", reg)

	a.Add("ratelimit.call", 1, map[string]string{"class": "read"})
	b.Add("ratelimit.call", 1, map[string]string{"class": "read"})

	assert.Equal(t, 2.0, testutil.ToFloat64(a.counters["ratelimit.call"].WithLabelValues("read")))
}

func TestOrNoOp(t *testing.T) {
	assert.Equal(t, NoOp{}, OrNoOp(nil))
	rec := NewPromRecorder("x", prometheus.NewRegistry())
	assert.Equal(t, Recorder(rec), OrNoOp(rec))
}
