package tracekit

import (
	"context"
	"fmt"
)

// Tracer creates spans for one instrumentation scope.
// Safe for concurrent use by multiple goroutines.
type Tracer struct {
	provider *TracerProvider
	scope    InstrumentationScope
}

// Scope returns the tracer's instrumentation scope.
func (t *Tracer) Scope() InstrumentationScope {
	return t.scope
}

// Start creates a span and returns it together with a context whose
// chain has the span as current. The parent is taken from WithParent,
// then from the chain carried by ctx, then from the strand in ctx.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *Span) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := newSpanStartConfig(opts)

	chain := cfg.parent
	if chain == nil {
		chain = FromContext(ctx)
	}

	var parent SpanContext
	if !cfg.newRoot {
		parent = SpanFromChain(chain).SpanContext()
	}

	var span *Span
	if t.provider.isShutdown.Load() {
		span = nonRecordingSpan(parent)
	} else {
		span = t.newSpan(ctx, parent, name, &cfg)
	}

	return NewContext(ctx, ChainWithSpan(chain, span)), span
}

func (t *Tracer) newSpan(ctx context.Context, parent SpanContext, name string, cfg *spanStartConfig) *Span {
	p := t.provider

	var (
		traceID TraceID
		spanID  SpanID
	)
	if parent.IsValid() {
		traceID = parent.TraceID()
		spanID = p.idGen.NewSpanID(traceID)
	} else {
		traceID, spanID = p.idGen.NewIDs()
	}

	res := p.sample(SamplingParameters{
		Parent:     parent,
		TraceID:    traceID,
		Name:       name,
		Kind:       cfg.kind,
		Attributes: cfg.attributes,
		Links:      cfg.links,
	})

	flags := parent.TraceFlags().WithSampled(res.Decision == RecordAndSample)
	s := &Span{
		tracer: t,
		sc: NewSpanContext(SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: flags,
			TraceState: res.Tracestate,
		}),
		parent:    parent,
		name:      name,
		kind:      cfg.kind,
		limits:    p.limits,
		startTime: cfg.timestamp,
	}
	if s.startTime.IsZero() {
		s.startTime = p.clock.Now()
	}

	// Dropped spans never allocate attribute, event or link storage.
	if res.Decision != Drop {
		s.recording = true
		s.setAttributesLocked(cfg.attributes)
		s.setAttributesLocked(res.Attributes)
		for _, l := range cfg.links {
			if l.SpanContext.IsValid() {
				s.addLinkLocked(l)
			}
		}
	}
	s.state.Store(stateRecording)

	p.startSpan(ctx, s)
	return s
}

// InSpan runs fn inside a new span. The span is current for fn (and
// attached to the strand in ctx, if any) and is ended on every exit path.
// A returned error or a panic marks the span as failed and records an
// exception event; the error is returned unchanged and a panic is
// re-raised with its original value.
func (t *Tracer) InSpan(ctx context.Context, name string, fn func(context.Context, *Span) error, opts ...SpanStartOption) (err error) {
	ctx, span := t.Start(ctx, name, opts...)

	if strand := StrandFromContext(ctx); strand != nil {
		tok := strand.Attach(FromContext(ctx))
		defer func() { _ = strand.Detach(tok) }()
	}

	defer func() {
		if r := recover(); r != nil {
			recordPanic(span, r)
			span.End()
			panic(r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(StatusError, err.Error())
		}
		span.End()
	}()

	return fn(ctx, span)
}

func recordPanic(span *Span, r any) {
	var msg string
	if err, ok := r.(error); ok {
		msg = err.Error()
	} else {
		msg = fmt.Sprint(r)
	}
	span.AddEvent(exceptionEventName, WithAttributes(
		ExceptionTypeKey.String(fmt.Sprintf("%T", r)),
		ExceptionMessageKey.String(msg),
		ExceptionEscapedKey.Bool(true),
	))
	span.SetStatus(StatusError, msg)
}

// GlobalTracer returns a tracer from the global provider.
func GlobalTracer(name string, opts ...TracerOption) *Tracer {
	return GetTracerProvider().Tracer(name, opts...)
}
