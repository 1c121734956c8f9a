package processor

import (
	"sync"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
)

// TaskCounters aggregates the runs of one task type.
type TaskCounters struct {
	Succeeded int64
	Failed    int64
	Busy      time.Duration
}

// AvgDuration is the mean run time of successful tasks.
func (c TaskCounters) AvgDuration() time.Duration {
	if c.Succeeded == 0 {
		return 0
	}
	return c.Busy / time.Duration(c.Succeeded)
}

// MetricsSnapshot is a point-in-time copy of ServiceMetrics.
type MetricsSnapshot struct {
	Since  time.Time
	ByType map[queue.TaskType]TaskCounters
}

func (s MetricsSnapshot) Totals() TaskCounters {
	var t TaskCounters
	for _, c := range s.ByType {
		t.Succeeded += c.Succeeded
		t.Failed += c.Failed
		t.Busy += c.Busy
	}
	return t
}

// RatePerSecond is the number of successful tasks per second since Since.
func (s MetricsSnapshot) RatePerSecond(now time.Time) float64 {
	elapsed := now.Sub(s.Since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Totals().Succeeded) / elapsed
}

// ServiceMetrics are in-process task counters, logged every StatsInterval and
// on shutdown. Prometheus carries the long-term series.
type ServiceMetrics struct {
	mu     sync.Mutex
	since  time.Time
	byType map[queue.TaskType]TaskCounters
}

func NewServiceMetrics() *ServiceMetrics {
	m := &ServiceMetrics{}
	m.Reset()
	return m
}

func (m *ServiceMetrics) RecordSuccess(typ queue.TaskType, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.byType[typ]
	c.Succeeded++
	c.Busy += duration
	m.byType[typ] = c
}

func (m *ServiceMetrics) RecordFailure(typ queue.TaskType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.byType[typ]
	c.Failed++
	m.byType[typ] = c
}

func (m *ServiceMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := MetricsSnapshot{Since: m.since, ByType: make(map[queue.TaskType]TaskCounters, len(m.byType))}
	for typ, c := range m.byType {
		out.ByType[typ] = c
	}
	return out
}

func (m *ServiceMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.since = time.Now()
	m.byType = make(map[queue.TaskType]TaskCounters)
}
