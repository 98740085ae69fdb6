package priter

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks performance and operational statistics for one task.
// All counters are lock-free; the struct is shared between the
// transport handlers and the iteration loop.
type Metrics struct {
	// Record counters
	MergedRecords    atomic.Uint64 // Deltas merged into iState
	ActivatedRecords atomic.Uint64 // Keys run through the user activate

	// Byte counters
	SentBytes     atomic.Uint64 // Payload bytes acknowledged by peers
	ReceivedBytes atomic.Uint64 // Payload bytes accepted from peers

	// Iteration statistics
	Iterations   atomic.Uint64 // Completed activation rounds
	Snapshots    atomic.Uint64 // Published snapshots
	SnapshotRows atomic.Uint64 // Cumulative snapshot rows written

	// Performance tracking
	SnapshotLatencyNs atomic.Uint64 // Cumulative snapshot latency

	// Task lifecycle
	StartTime atomic.Int64 // Task start timestamp (UnixNano)
	StopTime  atomic.Int64 // Task stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop records the task stop timestamp
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Uptime returns how long the task has been running
func (m *Metrics) Uptime() time.Duration {
	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop == 0 {
		return time.Duration(time.Now().UnixNano() - start)
	}
	return time.Duration(stop - start)
}

// MetricsSnapshot is a point-in-time copy of all counters
type MetricsSnapshot struct {
	MergedRecords     uint64
	ActivatedRecords  uint64
	SentBytes         uint64
	ReceivedBytes     uint64
	Iterations        uint64
	Snapshots         uint64
	SnapshotRows      uint64
	SnapshotLatencyNs uint64
	Uptime            time.Duration
}

// Snapshot returns a point-in-time snapshot of the counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MergedRecords:     m.MergedRecords.Load(),
		ActivatedRecords:  m.ActivatedRecords.Load(),
		SentBytes:         m.SentBytes.Load(),
		ReceivedBytes:     m.ReceivedBytes.Load(),
		Iterations:        m.Iterations.Load(),
		Snapshots:         m.Snapshots.Load(),
		SnapshotRows:      m.SnapshotRows.Load(),
		SnapshotLatencyNs: m.SnapshotLatencyNs.Load(),
		Uptime:            m.Uptime(),
	}
}

// MetricsObserver feeds the Observer callbacks into a Metrics struct
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer writing into metrics
func NewMetricsObserver(metrics *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

func (o *MetricsObserver) ObserveMerge(records uint64) {
	o.metrics.MergedRecords.Add(records)
}

func (o *MetricsObserver) ObserveActivate(records uint64) {
	o.metrics.ActivatedRecords.Add(records)
}

func (o *MetricsObserver) ObserveSend(bytes uint64) {
	o.metrics.SentBytes.Add(bytes)
}

func (o *MetricsObserver) ObserveReceive(bytes uint64) {
	o.metrics.ReceivedBytes.Add(bytes)
}

func (o *MetricsObserver) ObserveSnapshot(latencyNs uint64, rows uint64) {
	o.metrics.Snapshots.Add(1)
	o.metrics.SnapshotRows.Add(rows)
	o.metrics.SnapshotLatencyNs.Add(latencyNs)
}

func (o *MetricsObserver) ObserveIteration() {
	o.metrics.Iterations.Add(1)
}

// NoOpObserver discards every observation
type NoOpObserver struct{}

func (NoOpObserver) ObserveMerge(uint64)            {}
func (NoOpObserver) ObserveActivate(uint64)         {}
func (NoOpObserver) ObserveSend(uint64)             {}
func (NoOpObserver) ObserveReceive(uint64)          {}
func (NoOpObserver) ObserveSnapshot(uint64, uint64) {}
func (NoOpObserver) ObserveIteration()              {}

// Collector adapts a Metrics struct to a prometheus.Collector so task
// counters can be scraped without touching the hot paths.
type Collector struct {
	metrics *Metrics

	merged     *prometheus.Desc
	activated  *prometheus.Desc
	sentBytes  *prometheus.Desc
	recvBytes  *prometheus.Desc
	iterations *prometheus.Desc
	snapshots  *prometheus.Desc
}

// NewCollector creates a prometheus collector over metrics, labeling
// every series with the task id.
func NewCollector(metrics *Metrics, taskID string) *Collector {
	labels := prometheus.Labels{"task": taskID}
	return &Collector{
		metrics:    metrics,
		merged:     prometheus.NewDesc("priter_merged_records_total", "Deltas merged into incremental state", nil, labels),
		activated:  prometheus.NewDesc("priter_activated_records_total", "Keys run through the activate callback", nil, labels),
		sentBytes:  prometheus.NewDesc("priter_sent_bytes_total", "Payload bytes acknowledged by peers", nil, labels),
		recvBytes:  prometheus.NewDesc("priter_received_bytes_total", "Payload bytes accepted from peers", nil, labels),
		iterations: prometheus.NewDesc("priter_iterations_total", "Completed activation rounds", nil, labels),
		snapshots:  prometheus.NewDesc("priter_snapshots_total", "Published snapshots", nil, labels),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.merged
	ch <- c.activated
	ch <- c.sentBytes
	ch <- c.recvBytes
	ch <- c.iterations
	ch <- c.snapshots
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.merged, prometheus.CounterValue, float64(s.MergedRecords))
	ch <- prometheus.MustNewConstMetric(c.activated, prometheus.CounterValue, float64(s.ActivatedRecords))
	ch <- prometheus.MustNewConstMetric(c.sentBytes, prometheus.CounterValue, float64(s.SentBytes))
	ch <- prometheus.MustNewConstMetric(c.recvBytes, prometheus.CounterValue, float64(s.ReceivedBytes))
	ch <- prometheus.MustNewConstMetric(c.iterations, prometheus.CounterValue, float64(s.Iterations))
	ch <- prometheus.MustNewConstMetric(c.snapshots, prometheus.CounterValue, float64(s.Snapshots))
}
