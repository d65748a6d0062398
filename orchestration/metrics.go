package orchestration

import (
	"sync"
	"time"
)

// EngineMetrics tracks execution metrics across the engine's lifetime
type EngineMetrics struct {
	mu          sync.RWMutex
	executions  int64
	completed   int64
	failed      int64
	paused      int64
	cancelled   int64
	totalTime   time.Duration
	nodeMetrics map[string]*NodeMetrics
}

// NodeMetrics tracks metrics for individual nodes
type NodeMetrics struct {
	Dispatches int64
	Successful int64
	Failed     int64
	Retries    int64
	TotalTime  time.Duration
	MinTime    time.Duration
	MaxTime    time.Duration
}

// NewEngineMetrics creates a new metrics tracker
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		nodeMetrics: make(map[string]*NodeMetrics),
	}
}

// RecordExecution records the terminal outcome of an execution
func (m *EngineMetrics) RecordExecution(status ExecutionStatus, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions++
	switch status {
	case StatusCompleted:
		m.completed++
	case StatusFailed:
		m.failed++
	case StatusPausedForApproval:
		m.paused++
	case StatusCancelled:
		m.cancelled++
	}
	m.totalTime += duration
}

// RecordDispatch records one node dispatch outcome
func (m *EngineMetrics) RecordDispatch(nodeID string, success bool, attempts int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, exists := m.nodeMetrics[nodeID]
	if !exists {
		metrics = &NodeMetrics{MinTime: time.Hour * 24 * 365}
		m.nodeMetrics[nodeID] = metrics
	}

	metrics.Dispatches++
	if success {
		metrics.Successful++
	} else {
		metrics.Failed++
	}
	if attempts > 1 {
		metrics.Retries += int64(attempts - 1)
	}
	metrics.TotalTime += duration
	if duration < metrics.MinTime {
		metrics.MinTime = duration
	}
	if duration > metrics.MaxTime {
		metrics.MaxTime = duration
	}
}

// MetricsSnapshot is a point-in-time view of engine metrics
type MetricsSnapshot struct {
	TotalExecutions int64                          `json:"total_executions"`
	Completed       int64                          `json:"completed"`
	Failed          int64                          `json:"failed"`
	Paused          int64                          `json:"paused"`
	Cancelled       int64                          `json:"cancelled"`
	SuccessRate     float64                        `json:"success_rate"`
	AverageTime     time.Duration                  `json:"average_time"`
	NodeMetrics     map[string]NodeMetricsSnapshot `json:"node_metrics"`
}

// NodeMetricsSnapshot is a point-in-time view of one node's metrics
type NodeMetricsSnapshot struct {
	Dispatches  int64         `json:"dispatches"`
	Successful  int64         `json:"successful"`
	Failed      int64         `json:"failed"`
	Retries     int64         `json:"retries"`
	AverageTime time.Duration `json:"average_time"`
	MinTime     time.Duration `json:"min_time"`
	MaxTime     time.Duration `json:"max_time"`
}

// Snapshot returns current metrics
func (m *EngineMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		TotalExecutions: m.executions,
		Completed:       m.completed,
		Failed:          m.failed,
		Paused:          m.paused,
		Cancelled:       m.cancelled,
		NodeMetrics:     make(map[string]NodeMetricsSnapshot),
	}
	if m.executions > 0 {
		snapshot.SuccessRate = float64(m.completed) / float64(m.executions)
		snapshot.AverageTime = m.totalTime / time.Duration(m.executions)
	}
	for nodeID, metrics := range m.nodeMetrics {
		entry := NodeMetricsSnapshot{
			Dispatches: metrics.Dispatches,
			Successful: metrics.Successful,
			Failed:     metrics.Failed,
			Retries:    metrics.Retries,
			MinTime:    metrics.MinTime,
			MaxTime:    metrics.MaxTime,
		}
		if metrics.Dispatches > 0 {
			entry.AverageTime = metrics.TotalTime / time.Duration(metrics.Dispatches)
		}
		snapshot.NodeMetrics[nodeID] = entry
	}
	return snapshot
}

// Reset clears all metrics
func (m *EngineMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions = 0
	m.completed = 0
	m.failed = 0
	m.paused = 0
	m.cancelled = 0
	m.totalTime = 0
	m.nodeMetrics = make(map[string]*NodeMetrics)
}
