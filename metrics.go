package autoflow

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSnapshot is a point-in-time view of engine metrics for the
// inspection API.
type MetricsSnapshot struct {
	TotalExecutions  uint64                     `json:"total_executions"`
	ByStatus         map[ExecutionStatus]uint64 `json:"by_status"`
	ActiveExecutions int                        `json:"active_executions"`
	MaxActive        int                        `json:"max_active"`
	AverageDuration  time.Duration              `json:"average_duration"`
	QueueDepth       int                        `json:"queue_depth"`
	ErrorRate        float64                    `json:"error_rate"`
	JobRetries       uint64                     `json:"job_retries"`
	JobFailures      uint64                     `json:"job_failures"`
}

// MetricsCollector observes execution and job callbacks and maintains
// both prometheus series and an in-process snapshot. It registers its
// collectors on the given registerer; passing nil uses a fresh private
// registry so independent engines never collide on metric names.
type MetricsCollector struct {
	BaseExecutionCallbacks

	executionsTotal  *prometheus.CounterVec
	executionSeconds prometheus.Histogram
	nodeSeconds      *prometheus.HistogramVec
	activeGauge      prometheus.Gauge
	jobRetriesTotal  prometheus.Counter
	jobFailuresTotal prometheus.Counter

	mutex         sync.Mutex
	byStatus      map[ExecutionStatus]uint64
	totalDuration time.Duration
	finished      uint64
	active        int
	maxActive     int
	jobRetries    uint64
	jobFailures   uint64
}

// NewMetricsCollector creates a collector registered on reg, or on a
// private registry when reg is nil.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &MetricsCollector{
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoflow",
			Name:      "executions_total",
			Help:      "Workflow executions finished, by terminal status.",
		}, []string{"status"}),
		executionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autoflow",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of finished workflow executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		nodeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autoflow",
			Name:      "node_duration_seconds",
			Help:      "Duration of individual node executions, by node type.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"node_type"}),
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autoflow",
			Name:      "active_executions",
			Help:      "Executions currently in flight.",
		}),
		jobRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autoflow",
			Name:      "job_retries_total",
			Help:      "Scheduler jobs requeued after a failed attempt.",
		}),
		jobFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autoflow",
			Name:      "job_failures_total",
			Help:      "Scheduler jobs that exhausted their retry budget.",
		}),
		byStatus: map[ExecutionStatus]uint64{},
	}
	reg.MustRegister(
		c.executionsTotal,
		c.executionSeconds,
		c.nodeSeconds,
		c.activeGauge,
		c.jobRetriesTotal,
		c.jobFailuresTotal,
	)
	return c
}

func (c *MetricsCollector) BeforeExecution(ctx context.Context, event *ExecutionEvent) {
	c.activeGauge.Inc()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
}

func (c *MetricsCollector) AfterExecution(ctx context.Context, event *ExecutionEvent) {
	c.activeGauge.Dec()
	c.executionsTotal.WithLabelValues(string(event.Status)).Inc()
	c.executionSeconds.Observe(event.Duration.Seconds())

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.active > 0 {
		c.active--
	}
	c.byStatus[event.Status]++
	c.finished++
	c.totalDuration += event.Duration
}

func (c *MetricsCollector) AfterNode(ctx context.Context, event *NodeEvent) {
	c.nodeSeconds.WithLabelValues(event.NodeType).Observe(event.Duration.Seconds())
}

func (c *MetricsCollector) JobRetried(ctx context.Context, event *JobEvent) {
	c.jobRetriesTotal.Inc()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.jobRetries++
}

func (c *MetricsCollector) JobFailed(ctx context.Context, event *JobEvent) {
	c.jobFailuresTotal.Inc()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.jobFailures++
}

// Snapshot returns the current aggregate view. ErrorRate is the share of
// finished executions that ended failed or timed out.
func (c *MetricsCollector) Snapshot() MetricsSnapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	byStatus := make(map[ExecutionStatus]uint64, len(c.byStatus))
	for k, v := range c.byStatus {
		byStatus[k] = v
	}
	snapshot := MetricsSnapshot{
		TotalExecutions:  c.finished,
		ByStatus:         byStatus,
		ActiveExecutions: c.active,
		MaxActive:        c.maxActive,
		JobRetries:       c.jobRetries,
		JobFailures:      c.jobFailures,
	}
	if c.finished > 0 {
		snapshot.AverageDuration = c.totalDuration / time.Duration(c.finished)
		failures := byStatus[StatusFailed] + byStatus[StatusTimeout]
		snapshot.ErrorRate = float64(failures) / float64(c.finished)
	}
	return snapshot
}
