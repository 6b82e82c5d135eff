package cache

import (
	"sync"
	"time"
)

// Connection health states reported in Stats.
const (
	HealthConnected    = "connected"
	HealthDisconnected = "disconnected"
	HealthDisabled     = "disabled"
)

type HitCounts struct {
	L1    int64 `json:"l1"`
	L2    int64 `json:"l2"`
	Total int64 `json:"total"`
}

type ConnectionHealth struct {
	Status              string     `json:"status"`
	LastCheck           *time.Time `json:"lastCheck"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

type Metrics struct {
	Hits             HitCounts        `json:"hits"`
	Misses           int64            `json:"misses"`
	Sets             int64            `json:"sets"`
	Deletes          int64            `json:"deletes"`
	ConnectionHealth ConnectionHealth `json:"connectionHealth"`
}

// Stats is the snapshot returned by Store.Stats.
type Stats struct {
	Metrics Metrics `json:"metrics"`
	HitRate float64 `json:"hitRate"`
}

type tier int

const (
	tierNone tier = iota
	tierL1
	tierL2
)

type metricsRecorder struct {
	mu sync.Mutex
	m  Metrics
}

func newMetricsRecorder(status string) *metricsRecorder {
	return &metricsRecorder{m: Metrics{ConnectionHealth: ConnectionHealth{Status: status}}}
}

func (r *metricsRecorder) observe(t tier, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !hit {
		r.m.Misses++
		return
	}
	switch t {
	case tierL1:
		r.m.Hits.L1++
	case tierL2:
		r.m.Hits.L2++
	}
	r.m.Hits.Total++
}

func (r *metricsRecorder) set() {
	r.mu.Lock()
	r.m.Sets++
	r.mu.Unlock()
}

func (r *metricsRecorder) delete() {
	r.mu.Lock()
	r.m.Deletes++
	r.mu.Unlock()
}

// l2Result folds the outcome of an L2 call into the connection health.
func (r *metricsRecorder) l2Result(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.m.ConnectionHealth.Status = HealthConnected
		r.m.ConnectionHealth.ConsecutiveFailures = 0
		return
	}
	r.m.ConnectionHealth.ConsecutiveFailures++
	r.m.ConnectionHealth.Status = HealthDisconnected
}

func (r *metricsRecorder) checked(at time.Time, ok bool) {
	r.mu.Lock()
	r.m.ConnectionHealth.LastCheck = &at
	r.mu.Unlock()
	r.l2Result(ok)
}

func (r *metricsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.m
	if m.ConnectionHealth.LastCheck != nil {
		at := *m.ConnectionHealth.LastCheck
		m.ConnectionHealth.LastCheck = &at
	}
	stats := Stats{Metrics: m}
	if observed := m.Hits.Total + m.Misses; observed > 0 {
		stats.HitRate = float64(m.Hits.Total) / float64(observed)
	}
	return stats
}

// reset zeroes the counters and keeps the connection health.
func (r *metricsRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	health := r.m.ConnectionHealth
	r.m = Metrics{ConnectionHealth: health}
}
