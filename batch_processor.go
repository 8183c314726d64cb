package tracekit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Batch processor defaults.
const (
	DefaultMaxQueueSize       = 2048
	DefaultMaxExportBatchSize = 512
	DefaultScheduleDelay      = 5 * time.Second
	DefaultExportTimeout      = 30 * time.Second
)

// BatchOption configures a BatchSpanProcessor.
type BatchOption func(*batchConfig)

type batchConfig struct {
	clock         clockz.Clock
	maxQueueSize  int
	maxBatchSize  int
	scheduleDelay time.Duration
	exportTimeout time.Duration
}

// WithMaxQueueSize sets the queue capacity. Spans ended while the queue
// is full are dropped. The worker drains the queue concurrently, so a
// burst only overflows once the worker is busy exporting.
func WithMaxQueueSize(n int) BatchOption {
	return func(c *batchConfig) { c.maxQueueSize = n }
}

// WithMaxExportBatchSize sets the largest batch handed to the exporter.
// Reaching this many queued spans wakes the worker early.
func WithMaxExportBatchSize(n int) BatchOption {
	return func(c *batchConfig) { c.maxBatchSize = n }
}

// WithScheduleDelay sets the interval between scheduled exports.
func WithScheduleDelay(d time.Duration) BatchOption {
	return func(c *batchConfig) { c.scheduleDelay = d }
}

// WithExportTimeout bounds each export call.
func WithExportTimeout(d time.Duration) BatchOption {
	return func(c *batchConfig) { c.exportTimeout = d }
}

// WithBatchClock sets the clock driving the schedule delay.
func WithBatchClock(clock clockz.Clock) BatchOption {
	return func(c *batchConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func newBatchConfig(opts []BatchOption) batchConfig {
	c := batchConfig{
		clock:         clockz.RealClock,
		maxQueueSize:  DefaultMaxQueueSize,
		maxBatchSize:  DefaultMaxExportBatchSize,
		scheduleDelay: DefaultScheduleDelay,
		exportTimeout: DefaultExportTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.maxQueueSize <= 0 {
		c.maxQueueSize = DefaultMaxQueueSize
	}
	if c.maxBatchSize <= 0 {
		c.maxBatchSize = DefaultMaxExportBatchSize
	}
	if c.maxBatchSize > c.maxQueueSize {
		c.maxBatchSize = c.maxQueueSize
	}
	if c.scheduleDelay <= 0 {
		c.scheduleDelay = DefaultScheduleDelay
	}
	if c.exportTimeout <= 0 {
		c.exportTimeout = DefaultExportTimeout
	}
	return c
}

// BatchStats is a point-in-time view of a BatchSpanProcessor's counters.
type BatchStats struct {
	Queued        int
	Dropped       int64
	Exported      int64
	FailedBatches int64
}

// BatchSpanProcessor queues ended, sampled spans and exports them in
// batches from a single background worker. OnEnd never blocks: when the
// queue is full the newest span is dropped and counted.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type BatchSpanProcessor struct {
	exporter SpanExporter
	cfg      batchConfig

	queue    chan SpanData
	kick     chan struct{}
	flushReq chan chan struct{}
	stopCh   chan struct{}
	done     chan struct{}

	// inflight is closed when an abandoned export returns. Worker only.
	inflight chan struct{}

	dropped  atomic.Int64
	exported atomic.Int64
	failed   atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool

	// shutErr is the exporter's Shutdown result, written by the worker
	// before done is closed.
	shutErr error
}

// NewBatchSpanProcessor creates a processor and starts its worker.
func NewBatchSpanProcessor(exporter SpanExporter, opts ...BatchOption) *BatchSpanProcessor {
	b := newBatchSpanProcessor(exporter, opts...)
	b.start()
	return b
}

// newBatchSpanProcessor builds a processor without starting the worker.
// The worker starts on ForceFlush or Shutdown.
func newBatchSpanProcessor(exporter SpanExporter, opts ...BatchOption) *BatchSpanProcessor {
	cfg := newBatchConfig(opts)
	return &BatchSpanProcessor{
		exporter: exporter,
		cfg:      cfg,
		queue:    make(chan SpanData, cfg.maxQueueSize),
		kick:     make(chan struct{}, 1),
		flushReq: make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (b *BatchSpanProcessor) start() {
	b.startOnce.Do(func() {
		go b.run()
	})
}

// OnStart does nothing.
func (b *BatchSpanProcessor) OnStart(context.Context, *Span) {}

// OnEnd enqueues s if it was sampled.
func (b *BatchSpanProcessor) OnEnd(s SpanData) {
	if !s.Sampled() || b.stopped.Load() {
		return
	}

	select {
	case b.queue <- s:
		if len(b.queue) >= b.cfg.maxBatchSize {
			select {
			case b.kick <- struct{}{}:
			default:
			}
		}
	default:
		if b.dropped.Add(1) == 1 {
			Logger().Warn("tracekit: batch queue full, dropping spans",
				zap.Int("max_queue_size", b.cfg.maxQueueSize))
		}
	}
}

// Dropped returns the number of spans dropped because the queue was full.
// It counts spans that arrived while the queue held MaxQueueSize spans,
// which happens when the worker cannot keep up with the exporter.
func (b *BatchSpanProcessor) Dropped() int64 {
	return b.dropped.Load()
}

// Stats returns the processor counters.
func (b *BatchSpanProcessor) Stats() BatchStats {
	return BatchStats{
		Queued:        len(b.queue),
		Dropped:       b.dropped.Load(),
		Exported:      b.exported.Load(),
		FailedBatches: b.failed.Load(),
	}
}

// ForceFlush exports every span queued at the time of the call and waits
// for the worker to finish, or for ctx. Export failures are reported
// through Handle, not returned. After Shutdown it returns nil.
func (b *BatchSpanProcessor) ForceFlush(ctx context.Context) error {
	if b.stopped.Load() {
		return nil
	}
	b.start()

	reply := make(chan struct{})
	select {
	case b.flushReq <- reply:
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes the queue, stops the worker and waits for it to shut
// the exporter down, or for ctx. The worker finishes even when ctx
// expires first, and a later call waits for it again.
func (b *BatchSpanProcessor) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		b.start()
		close(b.stopCh)
	})

	select {
	case <-b.done:
		return b.shutErr
	case <-ctx.Done():
		return fmt.Errorf("tracekit: batch processor shutdown: %w", ctx.Err())
	}
}

func (b *BatchSpanProcessor) run() {
	defer close(b.done)

	timer := b.cfg.clock.After(b.cfg.scheduleDelay)
	for {
		select {
		case <-b.stopCh:
			b.drain()
			b.awaitInflight()
			b.shutdownExporter()
			return
		case reply := <-b.flushReq:
			b.drain()
			close(reply)
		case <-b.kick:
			for len(b.queue) >= b.cfg.maxBatchSize {
				b.exportNext()
			}
		case <-timer:
			b.exportNext()
			timer = b.cfg.clock.After(b.cfg.scheduleDelay)
		}
	}
}

// drain exports the spans queued at the time of the call.
func (b *BatchSpanProcessor) drain() {
	for n := len(b.queue); n > 0; {
		taken := b.exportNext()
		if taken == 0 {
			return
		}
		n -= taken
	}
}

// exportNext exports up to one batch and returns how many spans it took
// off the queue.
func (b *BatchSpanProcessor) exportNext() int {
	batch := make([]SpanData, 0, min(len(b.queue), b.cfg.maxBatchSize))
	for len(batch) < b.cfg.maxBatchSize {
		select {
		case s := <-b.queue:
			batch = append(batch, s)
			continue
		default:
		}
		break
	}
	if len(batch) > 0 {
		b.export(batch)
	}
	return len(batch)
}

// export hands batch to the exporter. The exporter is never called
// concurrently: if a previous call was abandoned after its timeout, this
// call first waits for it, bounded by its own timeout, and drops batch
// if it is still running.
func (b *BatchSpanProcessor) export(batch []SpanData) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.exportTimeout)
	defer cancel()

	if b.inflight != nil {
		select {
		case <-b.inflight:
			b.inflight = nil
		case <-ctx.Done():
			b.failed.Add(1)
			Handle(fmt.Errorf("tracekit: previous export still running, dropped %d spans", len(batch)))
			return
		}
	}
	if b.exporter == nil {
		return
	}

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		err = callSafe("exporter ExportSpans", func() error {
			return b.exporter.ExportSpans(ctx, batch)
		})
	}()

	select {
	case <-done:
		if err != nil {
			b.failed.Add(1)
			Handle(fmt.Errorf("tracekit: export of %d spans failed: %w", len(batch), err))
			return
		}
		b.exported.Add(int64(len(batch)))
	case <-ctx.Done():
		b.inflight = done
		b.failed.Add(1)
		Handle(fmt.Errorf("tracekit: export of %d spans timed out after %s", len(batch), b.cfg.exportTimeout))
	}
}

func (b *BatchSpanProcessor) awaitInflight() {
	if b.inflight == nil {
		return
	}
	select {
	case <-b.inflight:
	case <-b.cfg.clock.After(b.cfg.exportTimeout):
	}
	b.inflight = nil
}

// shutdownExporter runs on the worker once the queue is drained, bounded
// by the export timeout.
func (b *BatchSpanProcessor) shutdownExporter() {
	if b.exporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.exportTimeout)
	defer cancel()
	err := callSafe("exporter Shutdown", func() error { return b.exporter.Shutdown(ctx) })
	if err != nil {
		b.shutErr = fmt.Errorf("tracekit: exporter shutdown: %w", err)
	}
}
