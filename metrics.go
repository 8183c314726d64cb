package tracekit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueLengthDesc = prometheus.NewDesc(
		"tracekit_batch_queue_length",
		"Spans waiting in the batch processor queue",
		[]string{"processor"}, nil,
	)
	droppedSpansDesc = prometheus.NewDesc(
		"tracekit_batch_dropped_spans_total",
		"Spans dropped because the batch processor queue was full",
		[]string{"processor"}, nil,
	)
	exportedSpansDesc = prometheus.NewDesc(
		"tracekit_batch_exported_spans_total",
		"Spans successfully handed to the exporter",
		[]string{"processor"}, nil,
	)
	failedExportsDesc = prometheus.NewDesc(
		"tracekit_batch_failed_exports_total",
		"Export calls that failed or timed out",
		[]string{"processor"}, nil,
	)
)

// MetricsCollector exposes BatchSpanProcessor counters to Prometheus.
// Values are read at scrape time, so registering a processor costs
// nothing on the span hot path.
type MetricsCollector struct {
	procs map[string]*BatchSpanProcessor
	mu    sync.RWMutex
}

var _ prometheus.Collector = (*MetricsCollector)(nil)

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{procs: make(map[string]*BatchSpanProcessor)}
}

// Add exposes b under the processor label name, replacing any processor
// previously added with that name.
func (m *MetricsCollector) Add(name string, b *BatchSpanProcessor) {
	if b == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[name] = b
}

// Remove stops exposing the processor labelled name.
func (m *MetricsCollector) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, name)
}

// Describe implements prometheus.Collector.
func (m *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueLengthDesc
	ch <- droppedSpansDesc
	ch <- exportedSpansDesc
	ch <- failedExportsDesc
}

// Collect implements prometheus.Collector.
func (m *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, b := range m.procs {
		st := b.Stats()
		ch <- prometheus.MustNewConstMetric(queueLengthDesc, prometheus.GaugeValue, float64(st.Queued), name)
		ch <- prometheus.MustNewConstMetric(droppedSpansDesc, prometheus.CounterValue, float64(st.Dropped), name)
		ch <- prometheus.MustNewConstMetric(exportedSpansDesc, prometheus.CounterValue, float64(st.Exported), name)
		ch <- prometheus.MustNewConstMetric(failedExportsDesc, prometheus.CounterValue, float64(st.FailedBatches), name)
	}
}
