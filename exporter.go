package tracekit

import (
	"context"
	"errors"
	"sync"
)

// ErrExporterShutdown is returned by exporters asked to export after
// Shutdown.
var ErrExporterShutdown = errors.New("tracekit: exporter is shut down")

// SpanExporter ships batches of ended, sampled spans to a backend.
//
// ExportSpans is never called concurrently by the processors in this
// package and must honor ctx. Implementations must not retain or modify
// the slice after returning. After Shutdown, ExportSpans should return
// ErrExporterShutdown.
type SpanExporter interface {
	ExportSpans(ctx context.Context, spans []SpanData) error
	Shutdown(ctx context.Context) error
}

// InMemoryExporter keeps exported spans in memory for inspection.
// Safe for concurrent use by multiple goroutines.
type InMemoryExporter struct {
	spans    []SpanData
	mu       sync.Mutex
	shutdown bool
}

// NewInMemoryExporter creates an empty exporter.
func NewInMemoryExporter() *InMemoryExporter {
	return &InMemoryExporter{}
}

// ExportSpans appends spans.
func (e *InMemoryExporter) ExportSpans(ctx context.Context, spans []SpanData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return ErrExporterShutdown
	}
	e.spans = append(e.spans, spans...)
	return nil
}

// Shutdown stops accepting spans. Stored spans stay readable.
func (e *InMemoryExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
	return nil
}

// GetSpans returns a copy of the exported spans in export order.
func (e *InMemoryExporter) GetSpans() []SpanData {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SpanData, len(e.spans))
	copy(out, e.spans)
	return out
}

// Len returns the number of exported spans.
func (e *InMemoryExporter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.spans)
}

// Reset clears stored spans. The shutdown state is kept.
func (e *InMemoryExporter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = nil
}

// MultiSpanExporter hands every batch to an ordered list of exporters.
// A failing or panicking exporter does not stop the others; their
// errors are joined.
type MultiSpanExporter struct {
	exporters []SpanExporter
}

var _ SpanExporter = (*MultiSpanExporter)(nil)

// NewMultiSpanExporter creates a fan-out exporter. Nil entries are
// skipped.
func NewMultiSpanExporter(exporters ...SpanExporter) *MultiSpanExporter {
	m := &MultiSpanExporter{}
	for _, e := range exporters {
		if e != nil {
			m.exporters = append(m.exporters, e)
		}
	}
	return m
}

// ExportSpans exports spans to every exporter in order.
func (m *MultiSpanExporter) ExportSpans(ctx context.Context, spans []SpanData) error {
	var errs []error
	for _, e := range m.exporters {
		if err := callSafe("exporter ExportSpans", func() error { return e.ExportSpans(ctx, spans) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown shuts every exporter down.
func (m *MultiSpanExporter) Shutdown(ctx context.Context) error {
	var errs []error
	for _, e := range m.exporters {
		if err := callSafe("exporter Shutdown", func() error { return e.Shutdown(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
