package tracekit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/clockz"
)

// TracerProvider owns the configuration shared by its tracers: sampler,
// id generator, limits, resource, clock and the processor pipeline.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type TracerProvider struct {
	sampler    Sampler
	idGen      IDGenerator
	resource   *Resource
	clock      clockz.Clock
	processors *MultiSpanProcessor
	pending    []func(clockz.Clock) SpanProcessor
	tracers    map[InstrumentationScope]*Tracer
	limits     SpanLimits
	tracersMu  sync.Mutex
	shutdownMu sync.Mutex
	isShutdown atomic.Bool
}

// ProviderOption configures a TracerProvider.
type ProviderOption func(*TracerProvider)

// WithSampler sets the sampler. The default is ParentBased(AlwaysOn()).
func WithSampler(s Sampler) ProviderOption {
	return func(p *TracerProvider) {
		if s != nil {
			p.sampler = s
		}
	}
}

// WithSpanProcessor registers a processor. Processors run in the order
// they are registered.
func WithSpanProcessor(sp SpanProcessor) ProviderOption {
	return func(p *TracerProvider) {
		if sp != nil {
			p.pending = append(p.pending, func(clockz.Clock) SpanProcessor { return sp })
		}
	}
}

// WithBatcher registers exporter behind a BatchSpanProcessor that uses
// the provider clock unless opts override it.
func WithBatcher(exporter SpanExporter, opts ...BatchOption) ProviderOption {
	return func(p *TracerProvider) {
		p.pending = append(p.pending, func(clock clockz.Clock) SpanProcessor {
			all := append([]BatchOption{WithBatchClock(clock)}, opts...)
			return NewBatchSpanProcessor(exporter, all...)
		})
	}
}

// WithSyncer registers exporter behind a SimpleSpanProcessor.
func WithSyncer(exporter SpanExporter, opts ...SimpleOption) ProviderOption {
	return func(p *TracerProvider) {
		p.pending = append(p.pending, func(clockz.Clock) SpanProcessor {
			return NewSimpleSpanProcessor(exporter, opts...)
		})
	}
}

// WithIDGenerator replaces the random id generator.
func WithIDGenerator(g IDGenerator) ProviderOption {
	return func(p *TracerProvider) {
		if g != nil {
			p.idGen = g
		}
	}
}

// WithSpanLimits replaces the default span limits.
func WithSpanLimits(l SpanLimits) ProviderOption {
	return func(p *TracerProvider) {
		p.limits = l
	}
}

// WithResource sets the resource attached to every snapshot.
func WithResource(r *Resource) ProviderOption {
	return func(p *TracerProvider) {
		if r != nil {
			p.resource = r
		}
	}
}

// WithClock injects the clock used for span timestamps and, through
// WithBatcher, batch scheduling. Enables deterministic testing.
func WithClock(clock clockz.Clock) ProviderOption {
	return func(p *TracerProvider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// NewTracerProvider creates a provider.
func NewTracerProvider(opts ...ProviderOption) *TracerProvider {
	p := &TracerProvider{
		sampler: ParentBased(AlwaysOn()),
		limits:  NewSpanLimits(),
		clock:   clockz.RealClock,
		tracers: make(map[InstrumentationScope]*Tracer),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.idGen == nil {
		p.idGen = NewRandomIDGenerator()
	}
	if p.resource == nil {
		p.resource = DefaultResource("")
	}

	procs := make([]SpanProcessor, 0, len(p.pending))
	for _, build := range p.pending {
		procs = append(procs, build(p.clock))
	}
	p.pending = nil
	p.processors = NewMultiSpanProcessor(procs...)
	return p
}

// Tracer returns the tracer for an instrumentation scope, creating it
// on first use.
func (p *TracerProvider) Tracer(name string, opts ...TracerOption) *Tracer {
	scope := InstrumentationScope{Name: name}
	for _, opt := range opts {
		opt(&scope)
	}

	p.tracersMu.Lock()
	defer p.tracersMu.Unlock()

	if t, ok := p.tracers[scope]; ok {
		return t
	}
	t := &Tracer{provider: p, scope: scope}
	p.tracers[scope] = t
	return t
}

// RegisterSpanProcessor appends sp to the pipeline.
func (p *TracerProvider) RegisterSpanProcessor(sp SpanProcessor) {
	if p.isShutdown.Load() {
		return
	}
	p.processors.Register(sp)
}

// UnregisterSpanProcessor removes sp from the pipeline and shuts it down.
func (p *TracerProvider) UnregisterSpanProcessor(ctx context.Context, sp SpanProcessor) error {
	if !p.processors.Unregister(sp) {
		return nil
	}
	return sp.Shutdown(ctx)
}

// SpanProcessors returns the registered processors in order.
func (p *TracerProvider) SpanProcessors() []SpanProcessor {
	return p.processors.Processors()
}

// ForceFlush flushes every processor.
func (p *TracerProvider) ForceFlush(ctx context.Context) error {
	if p.isShutdown.Load() {
		return nil
	}
	return p.processors.ForceFlush(ctx)
}

// Shutdown shuts processors down in reverse registration order and
// stops the id generator. Later calls are no-ops.
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	if p.isShutdown.Load() {
		return nil
	}
	p.isShutdown.Store(true)

	err := p.processors.Shutdown(ctx)
	if c, ok := p.idGen.(interface{ Close() }); ok {
		c.Close()
	}
	return err
}

func (p *TracerProvider) startSpan(ctx context.Context, s *Span) {
	p.processors.OnStart(ctx, s)
}

func (p *TracerProvider) endSpan(d SpanData) {
	p.processors.OnEnd(d)
}

func (p *TracerProvider) sample(params SamplingParameters) (res SamplingResult) {
	defer func() {
		if r := recover(); r != nil {
			Handle(panicError("sampler", r))
			res = SamplingResult{Decision: Drop, Tracestate: params.Parent.TraceState()}
		}
	}()
	return p.sampler.ShouldSample(params)
}
