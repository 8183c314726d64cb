package tracekit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// batchSizeExporter records the size of every batch it receives.
type batchSizeExporter struct {
	mu    sync.Mutex
	sizes []int
}

func (e *batchSizeExporter) ExportSpans(_ context.Context, spans []SpanData) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sizes = append(e.sizes, len(spans))
	return nil
}

func (*batchSizeExporter) Shutdown(context.Context) error { return nil }

func (e *batchSizeExporter) Sizes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.sizes))
	copy(out, e.sizes)
	return out
}

// TestBatchSpanProcessorDropsWhenFull tests that exactly the overflow is
// dropped when nothing drains the queue.
func TestBatchSpanProcessorDropsWhenFull(t *testing.T) {
	exp := NewInMemoryExporter()
	b := newBatchSpanProcessor(exp, WithMaxQueueSize(4), WithMaxExportBatchSize(2))

	for i := 0; i < 7; i++ {
		b.OnEnd(sampledData("op"))
	}
	if got := b.Dropped(); got != 3 {
		t.Errorf("Expected 3 dropped spans, got %d", got)
	}
	if got := b.Stats().Queued; got != 4 {
		t.Errorf("Expected 4 queued spans, got %d", got)
	}

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exp.Len() != 4 {
		t.Errorf("Expected queued spans exported on shutdown, got %d", exp.Len())
	}
	if st := b.Stats(); st.Exported != 4 || st.Queued != 0 {
		t.Errorf("Unexpected stats after shutdown: %+v", st)
	}
}

// TestBatchSpanProcessorIgnoresUnsampled tests that unsampled spans are
// never queued.
func TestBatchSpanProcessorIgnoresUnsampled(t *testing.T) {
	b := newBatchSpanProcessor(NewInMemoryExporter())
	defer b.Shutdown(context.Background())

	d := sampledData("op")
	d.SpanContext = NewSpanContext(SpanContextConfig{
		TraceID: d.SpanContext.TraceID(),
		SpanID:  d.SpanContext.SpanID(),
	})
	b.OnEnd(d)
	if b.Stats().Queued != 0 {
		t.Error("Expected unsampled span not to be queued")
	}
}

// TestBatchSpanProcessorBatchSizes tests that exports never exceed the
// maximum batch size.
func TestBatchSpanProcessorBatchSizes(t *testing.T) {
	exp := &batchSizeExporter{}
	b := newBatchSpanProcessor(exp,
		WithMaxQueueSize(16),
		WithMaxExportBatchSize(4),
		WithScheduleDelay(time.Hour))
	defer b.Shutdown(context.Background())

	for i := 0; i < 10; i++ {
		b.OnEnd(sampledData("op"))
	}
	if err := b.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}

	sizes := exp.Sizes()
	total := 0
	for _, n := range sizes {
		if n > 4 {
			t.Errorf("Expected batches of at most 4, got %d", n)
		}
		total += n
	}
	if total != 10 {
		t.Errorf("Expected 10 spans exported, got %d in %v", total, sizes)
	}
}

// TestBatchSpanProcessorWatermark tests that a full batch is exported
// without waiting for the schedule delay.
func TestBatchSpanProcessorWatermark(t *testing.T) {
	exp := NewInMemoryExporter()
	b := NewBatchSpanProcessor(exp,
		WithMaxExportBatchSize(3),
		WithScheduleDelay(time.Hour))
	defer b.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		b.OnEnd(sampledData("op"))
	}
	if !waitFor(t, time.Second, func() bool { return exp.Len() == 3 }) {
		t.Errorf("Expected a full batch to export promptly, got %d", exp.Len())
	}
}

// TestBatchSpanProcessorScheduleDelay tests timer-driven export with a
// fake clock.
func TestBatchSpanProcessorScheduleDelay(t *testing.T) {
	clock := clockz.NewFakeClock()
	exp := NewInMemoryExporter()
	b := NewBatchSpanProcessor(exp,
		WithBatchClock(clock),
		WithScheduleDelay(time.Second),
		WithMaxExportBatchSize(10))
	defer b.Shutdown(context.Background())

	b.OnEnd(sampledData("op"))
	time.Sleep(20 * time.Millisecond)
	if exp.Len() != 0 {
		t.Fatalf("Expected no export before the delay, got %d", exp.Len())
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		clock.Advance(time.Second)
		clock.BlockUntilReady()
		return exp.Len() == 1
	})
	if !ok {
		t.Errorf("Expected export after the schedule delay, got %d", exp.Len())
	}
}

// TestBatchSpanProcessorFailingExporter tests that failed exports are
// counted and reported, and that ForceFlush still empties the queue.
func TestBatchSpanProcessorFailingExporter(t *testing.T) {
	rec := captureErrors(t)
	exp := &failingExporter{}
	b := NewBatchSpanProcessor(exp,
		WithMaxExportBatchSize(2),
		WithScheduleDelay(time.Hour))
	defer b.Shutdown(context.Background())

	for i := 0; i < 5; i++ {
		b.OnEnd(sampledData("op"))
	}
	if err := b.ForceFlush(context.Background()); err != nil {
		t.Fatalf("Expected ForceFlush to succeed, got %v", err)
	}

	st := b.Stats()
	if st.Queued != 0 {
		t.Errorf("Expected empty queue, got %d", st.Queued)
	}
	if st.FailedBatches != 3 || st.Exported != 0 {
		t.Errorf("Expected 3 failed batches, got %+v", st)
	}
	errs := rec.Errors()
	if len(errs) != 3 || !errors.Is(errs[0], errExportFailed) {
		t.Errorf("Expected 3 reported failures, got %v", errs)
	}
}

// TestBatchSpanProcessorExportTimeout tests that a stuck export is
// abandoned, that the exporter is never entered concurrently and that
// exports resume once it returns.
func TestBatchSpanProcessorExportTimeout(t *testing.T) {
	captureErrors(t)
	exp := newBlockingExporter()
	b := NewBatchSpanProcessor(exp,
		WithExportTimeout(20*time.Millisecond),
		WithScheduleDelay(time.Hour))
	defer b.Shutdown(context.Background())

	b.OnEnd(sampledData("first"))
	if err := b.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := b.Stats(); st.FailedBatches != 1 {
		t.Errorf("Expected timed out export counted, got %+v", st)
	}

	// The first export is still running, so this batch is dropped.
	b.OnEnd(sampledData("second"))
	if err := b.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exp.Calls() != 1 {
		t.Errorf("Expected exporter not re-entered, got %d calls", exp.Calls())
	}
	if st := b.Stats(); st.FailedBatches != 2 {
		t.Errorf("Expected dropped batch counted, got %+v", st)
	}

	close(exp.release)
	b.OnEnd(sampledData("third"))
	if err := b.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exp.Calls() != 2 {
		t.Errorf("Expected exports to resume, got %d calls", exp.Calls())
	}
	if st := b.Stats(); st.Exported != 1 {
		t.Errorf("Expected one exported span, got %+v", st)
	}
}

// TestBatchSpanProcessorShutdown tests flush on shutdown, idempotence
// and the post-shutdown contract.
func TestBatchSpanProcessorShutdown(t *testing.T) {
	exp := NewInMemoryExporter()
	b := NewBatchSpanProcessor(exp, WithScheduleDelay(time.Hour))

	for i := 0; i < 5; i++ {
		b.OnEnd(sampledData("op"))
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exp.Len() != 5 {
		t.Errorf("Expected 5 spans flushed on shutdown, got %d", exp.Len())
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected repeated shutdown to succeed, got %v", err)
	}
	if err := b.ForceFlush(context.Background()); err != nil {
		t.Errorf("Expected flush after shutdown to be a no-op, got %v", err)
	}

	b.OnEnd(sampledData("late"))
	if b.Stats().Queued != 0 {
		t.Error("Expected spans after shutdown to be ignored")
	}
}

// TestBatchSpanProcessorShutdownDeadline tests that shutdown honors ctx
// while an export is stuck, and that the exporter is still shut down
// once the export returns.
func TestBatchSpanProcessorShutdownDeadline(t *testing.T) {
	exp := newBlockingExporter()
	b := NewBatchSpanProcessor(exp, WithScheduleDelay(time.Hour))

	b.OnEnd(sampledData("op"))
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := b.Shutdown(ctx)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Shutdown %d: expected deadline exceeded, got %v", i+1, err)
		}
	}
	if exp.Shutdowns() != 0 {
		t.Fatal("Expected the exporter not shut down while its export is running")
	}

	close(exp.release)
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Expected a later shutdown to complete, got %v", err)
	}
	if exp.Spans() != 1 {
		t.Errorf("Expected the stuck span exported, got %d", exp.Spans())
	}
	if exp.Shutdowns() != 1 {
		t.Errorf("Expected exactly one exporter shutdown, got %d", exp.Shutdowns())
	}
}

// TestBatchSpanProcessorShutdownAbandonedExport tests that the worker
// shuts the exporter down even when the caller stopped waiting.
func TestBatchSpanProcessorShutdownAbandonedExport(t *testing.T) {
	captureErrors(t)
	exp := newBlockingExporter()
	b := NewBatchSpanProcessor(exp,
		WithScheduleDelay(time.Hour),
		WithExportTimeout(20*time.Millisecond))

	b.OnEnd(sampledData("op"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	_ = b.Shutdown(ctx)
	cancel()

	// the export and the wait for it both time out, then the exporter is
	// shut down without the caller.
	if !waitFor(t, 2*time.Second, func() bool { return exp.Shutdowns() == 1 }) {
		t.Errorf("Expected the worker to shut the exporter down, got %d", exp.Shutdowns())
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected shutdown to report the worker result, got %v", err)
	}
	close(exp.release)
}

// TestBatchSpanProcessorDropsWhileExporting tests the overflow contract
// through the public constructor: once the worker is stuck in an export,
// a queue of C spans accepts C more and drops the rest.
func TestBatchSpanProcessorDropsWhileExporting(t *testing.T) {
	captureErrors(t)
	exp := newBlockingExporter()
	b := NewBatchSpanProcessor(exp,
		WithMaxQueueSize(4),
		WithMaxExportBatchSize(4),
		WithScheduleDelay(time.Hour))

	for i := 0; i < 4; i++ {
		b.OnEnd(sampledData("first"))
	}
	select {
	case <-exp.entered:
	case <-time.After(time.Second):
		t.Fatal("Expected a full batch to reach the exporter")
	}
	if !waitFor(t, time.Second, func() bool { return b.Stats().Queued == 0 }) {
		t.Fatalf("Expected the worker to take the batch, %d queued", b.Stats().Queued)
	}

	for i := 0; i < 7; i++ {
		b.OnEnd(sampledData("second"))
	}
	if got := b.Dropped(); got != 3 {
		t.Errorf("Expected 3 dropped spans, got %d", got)
	}
	if got := b.Stats().Queued; got != 4 {
		t.Errorf("Expected a full queue, got %d", got)
	}

	close(exp.release)
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exp.Spans() != 8 {
		t.Errorf("Expected 8 spans exported, got %d", exp.Spans())
	}
}

// TestBatchSpanProcessorForceFlushDeadline tests that ForceFlush honors
// ctx while an export is stuck.
func TestBatchSpanProcessorForceFlushDeadline(t *testing.T) {
	exp := newBlockingExporter()
	b := NewBatchSpanProcessor(exp, WithScheduleDelay(time.Hour))
	defer func() {
		close(exp.release)
		_ = b.Shutdown(context.Background())
	}()

	b.OnEnd(sampledData("op"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.ForceFlush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

// TestBatchSpanProcessorConcurrentOnEnd tests enqueueing from many
// goroutines with the worker running.
func TestBatchSpanProcessorConcurrentOnEnd(t *testing.T) {
	exp := NewInMemoryExporter()
	b := NewBatchSpanProcessor(exp,
		WithMaxQueueSize(10000),
		WithMaxExportBatchSize(64))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.OnEnd(sampledData("op"))
			}
		}()
	}
	wg.Wait()

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := int64(exp.Len()) + b.Dropped(); got != 1000 {
		t.Errorf("Expected every span exported or dropped, got %d", got)
	}
	if b.Dropped() != 0 {
		t.Errorf("Expected no drops with a large queue, got %d", b.Dropped())
	}
}

// TestBatchConfigNormalization tests option clamping.
func TestBatchConfigNormalization(t *testing.T) {
	c := newBatchConfig([]BatchOption{
		WithMaxQueueSize(10),
		WithMaxExportBatchSize(50),
		WithScheduleDelay(-1),
		WithExportTimeout(0),
	})
	if c.maxBatchSize != 10 {
		t.Errorf("Expected batch size clamped to queue size, got %d", c.maxBatchSize)
	}
	if c.scheduleDelay != DefaultScheduleDelay || c.exportTimeout != DefaultExportTimeout {
		t.Errorf("Expected defaults for non-positive durations, got %v/%v", c.scheduleDelay, c.exportTimeout)
	}

	d := newBatchConfig([]BatchOption{WithMaxQueueSize(0), WithMaxExportBatchSize(-5)})
	if d.maxQueueSize != DefaultMaxQueueSize || d.maxBatchSize != DefaultMaxExportBatchSize {
		t.Errorf("Expected defaults for non-positive sizes, got %d/%d", d.maxQueueSize, d.maxBatchSize)
	}
}

// TestProviderWithBatcher tests the batch processor behind a provider.
func TestProviderWithBatcher(t *testing.T) {
	exp := NewInMemoryExporter()
	tp := NewTracerProvider(WithBatcher(exp, WithScheduleDelay(time.Hour)))

	tracer := tp.Tracer("test")
	for i := 0; i < 3; i++ {
		_, span := tracer.Start(context.Background(), "op")
		span.End()
	}
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exp.Len() != 3 {
		t.Errorf("Expected 3 spans after flush, got %d", exp.Len())
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Errorf("Expected flush after shutdown to be a no-op, got %v", err)
	}
}

func BenchmarkBatchSpanProcessorOnEnd(b *testing.B) {
	p := NewBatchSpanProcessor(NewInMemoryExporter())
	defer p.Shutdown(context.Background())
	d := sampledData("op")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.OnEnd(d)
	}
}
