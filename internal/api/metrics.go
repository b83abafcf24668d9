package api

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Counter is a monotonically increasing count.
type Counter struct {
	value int64
}

func (c *Counter) Inc() { atomic.AddInt64(&c.value, 1) }

func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Histogram keeps count and sum of observed durations.
type Histogram struct {
	mu    sync.Mutex
	count int64
	sum   time.Duration
	max   time.Duration
}

func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += d
	if d > h.max {
		h.max = d
	}
}

// HistogramSnapshot is a point-in-time view of a Histogram.
type HistogramSnapshot struct {
	Count  int64   `json:"count"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return HistogramSnapshot{}
	}
	return HistogramSnapshot{
		Count:  h.count,
		MeanMS: float64(h.sum) / float64(h.count) / float64(time.Millisecond),
		MaxMS:  float64(h.max) / float64(time.Millisecond),
	}
}

// Metrics counts requests per route and status, and times them per route.
//
// Thread-safety: safe for concurrent use.
type Metrics struct {
	mu        sync.RWMutex
	requests  map[string]*Counter
	latencies map[string]*Histogram
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{
		requests:  make(map[string]*Counter),
		latencies: make(map[string]*Histogram),
	}
}

func (m *Metrics) counter(name string) *Counter {
	m.mu.RLock()
	c, ok := m.requests[name]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.requests[name]; ok {
		return c
	}
	c = &Counter{}
	m.requests[name] = c
	return c
}

func (m *Metrics) histogram(name string) *Histogram {
	m.mu.RLock()
	h, ok := m.latencies[name]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.latencies[name]; ok {
		return h
	}
	h = &Histogram{}
	m.latencies[name] = h
	return h
}

// Requests returns the request count for a "METHOD route status" key.
func (m *Metrics) Requests(key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.requests[key]; ok {
		return c.Value()
	}
	return 0
}

// MetricsSnapshot is the JSON body of GET /v1/metrics.
type MetricsSnapshot struct {
	Requests  map[string]int64             `json:"requests"`
	Latencies map[string]HistogramSnapshot `json:"latencies"`
	Routes    []string                     `json:"routes"`
}

// Snapshot copies the current values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := MetricsSnapshot{
		Requests:  make(map[string]int64, len(m.requests)),
		Latencies: make(map[string]HistogramSnapshot, len(m.latencies)),
		Routes:    make([]string, 0, len(m.latencies)),
	}
	for k, c := range m.requests {
		snap.Requests[k] = c.Value()
	}
	for k, h := range m.latencies {
		snap.Latencies[k] = h.Snapshot()
		snap.Routes = append(snap.Routes, k)
	}
	sort.Strings(snap.Routes)
	return snap
}

// observe records every request under its route template, so
// /v1/runs/a and /v1/runs/b share one series.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		route = c.Request.Method + " " + route
		s.metrics.counter(fmt.Sprintf("%s %d", route, c.Writer.Status())).Inc()
		s.metrics.histogram(route).Observe(s.now().Sub(start))
	}
}
