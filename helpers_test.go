package tracekit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingProcessor records every lifecycle call it receives.
type recordingProcessor struct {
	name       string
	onShutdown func(name string)
	panicOnEnd bool
	flushErr   error

	mu        sync.Mutex
	started   []*Span
	ended     []SpanData
	flushes   int
	shutdowns int
}

func (p *recordingProcessor) OnStart(_ context.Context, s *Span) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, s)
}

func (p *recordingProcessor) OnEnd(s SpanData) {
	if p.panicOnEnd {
		panic("processor exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, s)
}

func (p *recordingProcessor) ForceFlush(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return p.flushErr
}

func (p *recordingProcessor) Shutdown(context.Context) error {
	p.mu.Lock()
	p.shutdowns++
	p.mu.Unlock()
	if p.onShutdown != nil {
		p.onShutdown(p.name)
	}
	return nil
}

func (p *recordingProcessor) Started() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started)
}

func (p *recordingProcessor) Ended() []SpanData {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SpanData, len(p.ended))
	copy(out, p.ended)
	return out
}

// blockingExporter holds every export until release is closed.
type blockingExporter struct {
	release chan struct{}
	entered chan struct{}

	mu        sync.Mutex
	calls     int
	spans     int
	shutdowns int
}

func newBlockingExporter() *blockingExporter {
	return &blockingExporter{
		release: make(chan struct{}),
		entered: make(chan struct{}, 16),
	}
}

func (e *blockingExporter) ExportSpans(_ context.Context, spans []SpanData) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	select {
	case e.entered <- struct{}{}:
	default:
	}
	<-e.release
	e.mu.Lock()
	e.spans += len(spans)
	e.mu.Unlock()
	return nil
}

func (e *blockingExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdowns++
	return nil
}

func (e *blockingExporter) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *blockingExporter) Spans() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spans
}

func (e *blockingExporter) Shutdowns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdowns
}

// failingExporter rejects every export.
type failingExporter struct {
	mu    sync.Mutex
	calls int
}

var errExportFailed = errors.New("export failed")

func (e *failingExporter) ExportSpans(context.Context, []SpanData) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return errExportFailed
}

func (*failingExporter) Shutdown(context.Context) error { return nil }

func (e *failingExporter) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// errorRecorder captures errors reported through Handle.
type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) Handle(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errs))
	copy(out, r.errs)
	return out
}

// captureErrors routes Handle to a recorder for the rest of the test.
func captureErrors(t *testing.T) *errorRecorder {
	t.Helper()
	rec := &errorRecorder{}
	SetErrorHandler(rec)
	t.Cleanup(ResetGlobals)
	return rec
}

// newTestProvider returns a provider exporting synchronously to memory.
func newTestProvider(t *testing.T, opts ...ProviderOption) (*TracerProvider, *InMemoryExporter) {
	t.Helper()
	exp := NewInMemoryExporter()
	tp := NewTracerProvider(append([]ProviderOption{WithSyncer(exp)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	})
	return tp, exp
}

// sampledData builds an ended, sampled snapshot for processor tests.
func sampledData(name string) SpanData {
	tid, sid := randomTraceID(), randomSpanID()
	return SpanData{
		Name: name,
		SpanContext: NewSpanContext(SpanContextConfig{
			TraceID:    tid,
			SpanID:     sid,
			TraceFlags: FlagsSampled,
		}),
		Recording: true,
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func mustTraceID(t *testing.T, h string) TraceID {
	t.Helper()
	id, err := TraceIDFromHex(h)
	if err != nil {
		t.Fatalf("TraceIDFromHex(%q): %v", h, err)
	}
	return id
}

func mustSpanID(t *testing.T, h string) SpanID {
	t.Helper()
	id, err := SpanIDFromHex(h)
	if err != nil {
		t.Fatalf("SpanIDFromHex(%q): %v", h, err)
	}
	return id
}
