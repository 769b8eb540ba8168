package cache

import (
	"context"
	"fmt"

	"github.com/manenim/gateway-guard/pkg/remote"
)

// Stats is a point-in-time snapshot of the coordinator counters.
type Stats struct {
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	MemoryHits int64         `json:"memoryHits"`
	RemoteHits int64         `json:"remoteHits"`
	Errors     int64         `json:"errors"`
	HitRate    string        `json:"hitRate"`
	MemorySize int           `json:"memorySize"`
	Remote     remote.Status `json:"remote"`
}

func (c *Coordinator) Stats() Stats {
	st := Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		MemoryHits: c.memoryHits.Load(),
		RemoteHits: c.remoteHits.Load(),
		Errors:     c.errors.Load(),
		MemorySize: c.local.Len(),
		Remote:     c.remote.Status(),
	}
	st.HitRate = hitRate(st.Hits, st.Misses)
	return st
}

// ResetStats zeroes the counters. Cached entries are untouched.
func (c *Coordinator) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.memoryHits.Store(0)
	c.remoteHits.Store(0)
	c.errors.Store(0)
}

// Clear empties L1 and, best effort, every key in L2 under pattern.
func (c *Coordinator) Clear(ctx context.Context, pattern string) {
	c.local.Purge()
	if pattern == "" {
		return
	}
	c.InvalidatePattern(ctx, pattern)
}

func hitRate(hits, misses int64) string {
	total := hits + misses
	if total == 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", float64(hits)*100/float64(total))
}
