package engine

import (
	"sync"
	"time"
)

// PerformanceMetrics is the process-wide query aggregate record.
type PerformanceMetrics struct {
	TotalQueries        int           `json:"total_queries"`
	CacheHits           int           `json:"cache_hits"`
	CacheMisses         int           `json:"cache_misses"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	ToolCalls           int64         `json:"tool_calls,omitempty"`
}

// HitRate returns the cache hit fraction, 0 before any query.
func (m PerformanceMetrics) HitRate() float64 {
	if m.TotalQueries == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(m.TotalQueries)
}

// metricsRecord serializes the per-query update when ProcessQuery runs
// concurrently.
type metricsRecord struct {
	mu sync.Mutex
	m  PerformanceMetrics
}

// record folds one query outcome into the aggregates, updating the rolling
// mean response time.
func (r *metricsRecord) record(total time.Duration, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.m.AverageResponseTime
	r.m.TotalQueries++
	if hit {
		r.m.CacheHits++
	} else {
		r.m.CacheMisses++
	}
	n := time.Duration(r.m.TotalQueries)
	r.m.AverageResponseTime = (prev*(n-1) + total) / n
}

func (r *metricsRecord) setToolCalls(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.ToolCalls = n
}

func (r *metricsRecord) snapshot() PerformanceMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}
