package tracekit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// SpanKind describes the role of a span in a trace.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindInternal:
		return "internal"
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	case SpanKindProducer:
		return "producer"
	case SpanKindConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("SpanKind(%d)", int(k))
	}
}

// StatusCode is the canonical status of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusUnset:
		return "Unset"
	case StatusOK:
		return "OK"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("StatusCode(%d)", int(c))
	}
}

// Status is a status code plus an optional description for errors.
type Status struct {
	Description string
	Code        StatusCode
}

// Event is a timestamped record inside a span.
type Event struct {
	Time              time.Time
	Name              string
	Attributes        []attribute.KeyValue
	DroppedAttributes int
}

// Link references another span, possibly from another trace.
type Link struct {
	Attributes        []attribute.KeyValue
	SpanContext       SpanContext
	DroppedAttributes int
}

// Span lifecycle states. Transitions only move forward.
const (
	stateUnstarted int32 = iota
	stateRecording
	stateEnded
)

// Span records one unit of work. All methods are safe for concurrent use
// and are no-ops on a nil span. Once ended, mutations are ignored.
//
//nolint:govet // Field order grouped by lifecycle, not alignment
type Span struct {
	tracer    *Tracer
	sc        SpanContext
	parent    SpanContext
	startTime time.Time
	endTime   time.Time
	name      string
	status    Status
	attrs     []attribute.KeyValue
	attrIndex map[attribute.Key]int
	events    []Event
	links     []Link
	limits    SpanLimits
	kind      SpanKind

	droppedAttrs  int
	droppedEvents int
	droppedLinks  int

	// recording is false for spans the sampler dropped and for
	// placeholders of remote parents; they hold no attribute storage.
	recording bool
	state     atomic.Int32
	mu        sync.Mutex
}

// nonRecordingSpan wraps a SpanContext so it can act as a parent.
func nonRecordingSpan(sc SpanContext) *Span {
	s := &Span{sc: sc}
	s.state.Store(stateRecording)
	return s
}

// SpanContext returns the span's identity.
func (s *Span) SpanContext() SpanContext {
	if s == nil {
		return SpanContext{}
	}
	return s.sc
}

// Parent returns the parent's identity; invalid for root spans.
func (s *Span) Parent() SpanContext {
	if s == nil {
		return SpanContext{}
	}
	return s.parent
}

// IsRecording reports whether the span records data and has not ended.
func (s *Span) IsRecording() bool {
	if s == nil {
		return false
	}
	return s.recording && s.state.Load() == stateRecording
}

// Ended reports whether End has been called.
func (s *Span) Ended() bool {
	if s == nil {
		return false
	}
	return s.state.Load() == stateEnded
}

// Name returns the current span name.
func (s *Span) Name() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName replaces the span name. Last write wins.
func (s *Span) SetName(name string) {
	if !s.lockRecording() {
		return
	}
	defer s.mu.Unlock()
	s.name = name
}

// SetAttributes records attributes. Existing keys are overwritten; new
// keys beyond the limit are dropped and counted.
func (s *Span) SetAttributes(kv ...attribute.KeyValue) {
	if len(kv) == 0 || !s.lockRecording() {
		return
	}
	defer s.mu.Unlock()
	s.setAttributesLocked(kv)
}

func (s *Span) setAttributesLocked(kv []attribute.KeyValue) {
	for _, a := range kv {
		if !a.Valid() {
			s.droppedAttrs++
			continue
		}
		a = truncateAttr(s.limits.AttributeValueLengthLimit, a)
		if i, ok := s.attrIndex[a.Key]; ok {
			s.attrs[i] = a
			continue
		}
		if s.limits.AttributeCountLimit >= 0 && len(s.attrs) >= s.limits.AttributeCountLimit {
			s.droppedAttrs++
			continue
		}
		if s.attrIndex == nil {
			s.attrIndex = make(map[attribute.Key]int)
		}
		s.attrIndex[a.Key] = len(s.attrs)
		s.attrs = append(s.attrs, a)
	}
}

// AddEvent records a named event. When the event limit is reached the
// oldest event is evicted and counted as dropped.
func (s *Span) AddEvent(name string, opts ...EventOption) {
	if !s.lockRecording() {
		return
	}
	defer s.mu.Unlock()
	s.addEventLocked(name, newEventConfig(opts))
}

func (s *Span) addEventLocked(name string, cfg eventConfig) {
	if s.limits.EventCountLimit == 0 {
		s.droppedEvents++
		return
	}
	ts := cfg.timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	attrs, dropped := limitAttrs(cfg.attributes, s.limits.AttributePerEventCountLimit, s.limits.AttributeValueLengthLimit)
	ev := Event{Name: name, Time: ts, Attributes: attrs, DroppedAttributes: dropped}

	if s.limits.EventCountLimit > 0 && len(s.events) >= s.limits.EventCountLimit {
		copy(s.events, s.events[1:])
		s.events[len(s.events)-1] = ev
		s.droppedEvents++
		return
	}
	s.events = append(s.events, ev)
}

// RecordError adds an "exception" event describing err.
// It does not change the span status.
func (s *Span) RecordError(err error, opts ...EventOption) {
	if err == nil || !s.lockRecording() {
		return
	}
	defer s.mu.Unlock()

	cfg := newEventConfig(opts)
	cfg.attributes = append([]attribute.KeyValue{
		ExceptionTypeKey.String(fmt.Sprintf("%T", err)),
		ExceptionMessageKey.String(err.Error()),
	}, cfg.attributes...)
	s.addEventLocked(exceptionEventName, cfg)
}

// SetStatus sets the span status. Unset never overrides a status, OK is
// final, and the description is only kept for Error.
func (s *Span) SetStatus(code StatusCode, description string) {
	if code == StatusUnset || !s.lockRecording() {
		return
	}
	defer s.mu.Unlock()

	if s.status.Code == StatusOK {
		return
	}
	st := Status{Code: code}
	if code == StatusError {
		st.Description = description
	}
	s.status = st
}

// AddLink adds a link after the span started. Links beyond the limit
// are dropped and counted.
func (s *Span) AddLink(link Link) {
	if !link.SpanContext.IsValid() || !s.lockRecording() {
		return
	}
	defer s.mu.Unlock()
	s.addLinkLocked(link)
}

func (s *Span) addLinkLocked(link Link) {
	if s.limits.LinkCountLimit >= 0 && len(s.links) >= s.limits.LinkCountLimit {
		s.droppedLinks++
		return
	}
	attrs, dropped := limitAttrs(link.Attributes, s.limits.AttributePerLinkCountLimit, s.limits.AttributeValueLengthLimit)
	s.links = append(s.links, Link{
		SpanContext:       link.SpanContext,
		Attributes:        attrs,
		DroppedAttributes: link.DroppedAttributes + dropped,
	})
}

// End completes the span and hands a snapshot to the processors.
// Only the first call has any effect.
func (s *Span) End(opts ...EndOption) {
	if s == nil {
		return
	}
	cfg := newEndConfig(opts)

	s.mu.Lock()
	if s.state.Load() == stateEnded {
		s.mu.Unlock()
		return
	}
	s.endTime = cfg.timestamp
	if s.endTime.IsZero() {
		s.endTime = s.now()
	}
	s.state.Store(stateEnded)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.tracer != nil {
		s.tracer.provider.endSpan(snap)
	}
}

// Snapshot returns an immutable copy of the span's current state.
func (s *Span) Snapshot() SpanData {
	if s == nil {
		return SpanData{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Span) snapshotLocked() SpanData {
	d := SpanData{
		Name:              s.name,
		SpanContext:       s.sc,
		Parent:            s.parent,
		Kind:              s.kind,
		StartTime:         s.startTime,
		EndTime:           s.endTime,
		Status:            s.status,
		DroppedAttributes: s.droppedAttrs,
		DroppedEvents:     s.droppedEvents,
		DroppedLinks:      s.droppedLinks,
		Recording:         s.recording,
	}
	if s.tracer != nil {
		d.Scope = s.tracer.scope
		d.Resource = s.tracer.provider.resource
	}
	if len(s.attrs) > 0 {
		d.Attributes = make([]attribute.KeyValue, len(s.attrs))
		copy(d.Attributes, s.attrs)
	}
	if len(s.events) > 0 {
		d.Events = make([]Event, len(s.events))
		copy(d.Events, s.events)
	}
	if len(s.links) > 0 {
		d.Links = make([]Link, len(s.links))
		copy(d.Links, s.links)
	}
	return d
}

// lockRecording takes the span lock when the span can still be mutated.
// On true the caller owns the lock.
func (s *Span) lockRecording() bool {
	if s == nil || !s.recording || s.state.Load() != stateRecording {
		return false
	}
	s.mu.Lock()
	if s.state.Load() != stateRecording {
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *Span) now() time.Time {
	if s.tracer != nil {
		return s.tracer.provider.clock.Now()
	}
	return time.Now()
}

// SpanData is an immutable snapshot of an ended span, handed to
// processors and exporters.
type SpanData struct {
	StartTime         time.Time
	EndTime           time.Time
	Resource          *Resource
	Name              string
	Scope             InstrumentationScope
	Status            Status
	Attributes        []attribute.KeyValue
	Events            []Event
	Links             []Link
	SpanContext       SpanContext
	Parent            SpanContext
	Kind              SpanKind
	DroppedAttributes int
	DroppedEvents     int
	DroppedLinks      int
	Recording         bool
}

// Duration returns EndTime - StartTime.
func (d SpanData) Duration() time.Duration {
	return d.EndTime.Sub(d.StartTime)
}

// Sampled reports whether the span should reach exporters.
func (d SpanData) Sampled() bool {
	return d.SpanContext.IsSampled()
}

var spanKey = NewKey("tracekit.span")

// ChainWithSpan returns c extended with s as the current span.
func ChainWithSpan(c *Context, s *Span) *Context {
	return c.WithValue(spanKey, s)
}

// SpanFromChain returns the current span in c, or nil.
func SpanFromChain(c *Context) *Span {
	s, _ := c.Value(spanKey).(*Span)
	return s
}

// ContextWithSpan returns a copy of ctx whose chain has s as the current span.
func ContextWithSpan(ctx context.Context, s *Span) context.Context {
	return NewContext(ctx, ChainWithSpan(FromContext(ctx), s))
}

// SpanFromContext returns the current span carried by ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	return SpanFromChain(FromContext(ctx))
}

// SpanContextFromContext returns the identity of the current span in ctx.
func SpanContextFromContext(ctx context.Context) SpanContext {
	return SpanFromContext(ctx).SpanContext()
}

// ContextWithSpanContext returns a copy of ctx whose current span is a
// non-recording placeholder for sc.
func ContextWithSpanContext(ctx context.Context, sc SpanContext) context.Context {
	return ContextWithSpan(ctx, nonRecordingSpan(sc))
}

// ContextWithRemoteSpanContext is ContextWithSpanContext with the remote
// flag forced on.
func ContextWithRemoteSpanContext(ctx context.Context, sc SpanContext) context.Context {
	return ContextWithSpanContext(ctx, sc.WithRemote(true))
}
