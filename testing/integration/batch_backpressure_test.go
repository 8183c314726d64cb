package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/zoobzio/tracekit"
)

// gatedExporter blocks every export until the gate opens.
type gatedExporter struct {
	gate chan struct{}
	mu   sync.Mutex
	n    int
}

func (e *gatedExporter) ExportSpans(ctx context.Context, spans []tracekit.SpanData) error {
	select {
	case <-e.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	e.n += len(spans)
	e.mu.Unlock()
	return nil
}

func (*gatedExporter) Shutdown(context.Context) error { return nil }

func (e *gatedExporter) Exported() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

// TestBatchBackpressure verifies that a stalled exporter costs dropped
// spans, never blocked callers, and that the drops are visible through
// prometheus.
func TestBatchBackpressure(t *testing.T) {
	exp := &gatedExporter{gate: make(chan struct{})}
	bsp := tracekit.NewBatchSpanProcessor(exp,
		tracekit.WithMaxQueueSize(10),
		tracekit.WithMaxExportBatchSize(5),
		tracekit.WithScheduleDelay(time.Hour),
	)
	tp := tracekit.NewTracerProvider(tracekit.WithSpanProcessor(bsp))
	tracer := tp.Tracer("backpressure")

	mc := tracekit.NewMetricsCollector()
	mc.Add("gated", bsp)
	reg := prometheus.NewRegistry()
	reg.MustRegister(mc)

	total := 50
	start := time.Now()
	for i := 0; i < total; i++ {
		_, span := tracer.Start(context.Background(), "request")
		span.End()
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected span creation not to block on the exporter, took %v", elapsed)
	}

	stats := bsp.Stats()
	if stats.Dropped == 0 {
		t.Fatalf("Expected drops with a stalled exporter, got %+v", stats)
	}
	if stats.Queued > 10 {
		t.Errorf("Expected queue bounded by 10, got %d", stats.Queued)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var dropped float64
	for _, f := range families {
		if f.GetName() == "tracekit_batch_dropped_spans_total" {
			dropped = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if int64(dropped) < stats.Dropped {
		t.Errorf("Expected the dropped counter to be at least %d, got %v", stats.Dropped, dropped)
	}

	close(exp.gate)
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	final := bsp.Stats()
	if got := exp.Exported() + int(final.Dropped); got != total {
		t.Errorf("Expected every span exported or dropped: exported=%d dropped=%d total=%d",
			exp.Exported(), final.Dropped, total)
	}
	if final.Exported != int64(exp.Exported()) {
		t.Errorf("Expected exported stat %d to match exporter %d", final.Exported, exp.Exported())
	}
	if n := testutil.CollectAndCount(mc, "tracekit_batch_queue_length"); n != 1 {
		t.Errorf("Expected one queue series, got %d", n)
	}
}

// TestBatchRecoversAfterStall verifies that the processor resumes
// exporting once a stalled exporter recovers.
func TestBatchRecoversAfterStall(t *testing.T) {
	exp := &gatedExporter{gate: make(chan struct{})}
	tp := tracekit.NewTracerProvider(tracekit.WithBatcher(exp,
		tracekit.WithMaxQueueSize(100),
		tracekit.WithMaxExportBatchSize(10),
		tracekit.WithScheduleDelay(10*time.Millisecond),
	))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("recover")

	for i := 0; i < 20; i++ {
		_, span := tracer.Start(context.Background(), "before")
		span.End()
	}
	time.Sleep(20 * time.Millisecond)
	close(exp.gate)

	for i := 0; i < 20; i++ {
		_, span := tracer.Start(context.Background(), "after")
		span.End()
	}

	deadline := time.Now().Add(2 * time.Second)
	for exp.Exported() < 40 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if exp.Exported() != 40 {
		t.Errorf("Expected all 40 spans exported after recovery, got %d", exp.Exported())
	}
}
