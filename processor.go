package tracekit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// SpanProcessor observes span lifecycle events.
//
// OnStart and OnEnd are called synchronously on the goroutine that
// started or ended the span and must not block. OnEnd receives every
// ended span, including ones the sampler dropped; check SpanData.Sampled.
type SpanProcessor interface {
	OnStart(ctx context.Context, s *Span)
	OnEnd(s SpanData)
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// MultiSpanProcessor fans lifecycle events out to an ordered list of
// processors. A panic in one child is reported through Handle and does
// not stop the others. Registration is copy-on-write, so dispatch never
// takes a lock.
type MultiSpanProcessor struct {
	procs atomic.Pointer[[]SpanProcessor]
	mu    sync.Mutex
}

// NewMultiSpanProcessor creates a fan-out over procs, in order.
func NewMultiSpanProcessor(procs ...SpanProcessor) *MultiSpanProcessor {
	m := &MultiSpanProcessor{}
	list := make([]SpanProcessor, 0, len(procs))
	for _, p := range procs {
		if p != nil {
			list = append(list, p)
		}
	}
	m.procs.Store(&list)
	return m
}

// Register appends p.
func (m *MultiSpanProcessor) Register(p SpanProcessor) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.procs.Load()
	list := make([]SpanProcessor, len(old), len(old)+1)
	copy(list, old)
	list = append(list, p)
	m.procs.Store(&list)
}

// Unregister removes p and reports whether it was present.
func (m *MultiSpanProcessor) Unregister(p SpanProcessor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.procs.Load()
	for i, cur := range old {
		if cur != p {
			continue
		}
		list := make([]SpanProcessor, 0, len(old)-1)
		list = append(list, old[:i]...)
		list = append(list, old[i+1:]...)
		m.procs.Store(&list)
		return true
	}
	return false
}

// Processors returns a copy of the registered processors.
func (m *MultiSpanProcessor) Processors() []SpanProcessor {
	cur := *m.procs.Load()
	out := make([]SpanProcessor, len(cur))
	copy(out, cur)
	return out
}

// OnStart calls OnStart on every child in order.
func (m *MultiSpanProcessor) OnStart(ctx context.Context, s *Span) {
	for _, p := range *m.procs.Load() {
		onStartSafe(p, ctx, s)
	}
}

// OnEnd calls OnEnd on every child in order.
func (m *MultiSpanProcessor) OnEnd(s SpanData) {
	for _, p := range *m.procs.Load() {
		onEndSafe(p, s)
	}
}

// ForceFlush flushes every child and joins their errors.
func (m *MultiSpanProcessor) ForceFlush(ctx context.Context) error {
	var errs []error
	for _, p := range *m.procs.Load() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := callSafe("processor ForceFlush", func() error { return p.ForceFlush(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown shuts children down in reverse registration order and joins
// their errors.
func (m *MultiSpanProcessor) Shutdown(ctx context.Context) error {
	list := *m.procs.Load()
	var errs []error
	for i := len(list) - 1; i >= 0; i-- {
		p := list[i]
		if err := callSafe("processor Shutdown", func() error { return p.Shutdown(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func onStartSafe(p SpanProcessor, ctx context.Context, s *Span) {
	defer recoverTo("processor OnStart")
	p.OnStart(ctx, s)
}

func onEndSafe(p SpanProcessor, s SpanData) {
	defer recoverTo("processor OnEnd")
	p.OnEnd(s)
}

// callSafe runs fn, turning a panic into a reported error.
func callSafe(where string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(where, r)
			Handle(err)
		}
	}()
	return fn()
}

// DefaultSimpleExportTimeout bounds each export of a SimpleSpanProcessor.
const DefaultSimpleExportTimeout = 30 * time.Second

// SimpleOption configures a SimpleSpanProcessor.
type SimpleOption func(*SimpleSpanProcessor)

// WithSimpleExportTimeout bounds each export. Zero or negative disables
// the bound.
func WithSimpleExportTimeout(d time.Duration) SimpleOption {
	return func(p *SimpleSpanProcessor) {
		p.timeout = d
	}
}

// SimpleSpanProcessor exports each sampled span as soon as it ends, on
// the ending goroutine. Exports are serialized.
type SimpleSpanProcessor struct {
	exporter SpanExporter
	timeout  time.Duration
	exportMu sync.Mutex
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewSimpleSpanProcessor creates a processor that exports synchronously.
func NewSimpleSpanProcessor(exporter SpanExporter, opts ...SimpleOption) *SimpleSpanProcessor {
	p := &SimpleSpanProcessor{
		exporter: exporter,
		timeout:  DefaultSimpleExportTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnStart does nothing.
func (p *SimpleSpanProcessor) OnStart(context.Context, *Span) {}

// OnEnd exports s if it was sampled. Export errors are reported through
// Handle.
func (p *SimpleSpanProcessor) OnEnd(s SpanData) {
	if !s.Sampled() || p.stopped.Load() || p.exporter == nil {
		return
	}

	p.exportMu.Lock()
	defer p.exportMu.Unlock()
	if p.stopped.Load() {
		return
	}

	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.exporter.ExportSpans(ctx, []SpanData{s}); err != nil {
		Handle(err)
	}
}

// ForceFlush returns immediately; nothing is buffered. After Shutdown it
// returns nil.
func (p *SimpleSpanProcessor) ForceFlush(ctx context.Context) error {
	if p.stopped.Load() {
		return nil
	}
	return ctx.Err()
}

// Shutdown waits for an in-flight export and shuts the exporter down.
// Later calls are no-ops.
func (p *SimpleSpanProcessor) Shutdown(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		done := make(chan error, 1)
		go func() {
			p.exportMu.Lock()
			defer p.exportMu.Unlock()
			if p.exporter == nil {
				done <- nil
				return
			}
			done <- p.exporter.Shutdown(ctx)
		}()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
