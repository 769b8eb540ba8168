// Package metrics defines the small recorder contract the guard components
// report through, plus a no-op and a Prometheus-backed implementation.
package metrics

// Recorder receives counter increments and latency observations.
//
// Names are dotted ("cache.hit", "ratelimit.latency"); tags are low
// cardinality labels. A given name must always be reported with the same
// set of tag keys.
type Recorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOp is a placeholder that does nothing.
// It ensures we never have to check 'if r.recorder != nil' in our hot path.
type NoOp struct{}

func (NoOp) Add(name string, value float64, tags map[string]string)     {}
func (NoOp) Observe(name string, value float64, tags map[string]string) {}

// OrNoOp returns r, or a NoOp recorder when r is nil.
func OrNoOp(r Recorder) Recorder {
	if r == nil {
		return NoOp{}
	}
	return r
}
