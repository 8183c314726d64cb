package tracekit

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// SpanStartOption configures a span when it is started.
type SpanStartOption interface {
	applySpanStart(*spanStartConfig)
}

// EndOption configures Span.End.
type EndOption interface {
	applyEnd(*endConfig)
}

// EventOption configures Span.AddEvent and Span.RecordError.
type EventOption interface {
	applyEvent(*eventConfig)
}

type spanStartConfig struct {
	timestamp  time.Time
	parent     *Context
	attributes []attribute.KeyValue
	links      []Link
	kind       SpanKind
	newRoot    bool
}

func newSpanStartConfig(opts []SpanStartOption) spanStartConfig {
	var cfg spanStartConfig
	for _, opt := range opts {
		if opt != nil {
			opt.applySpanStart(&cfg)
		}
	}
	return cfg
}

type endConfig struct {
	timestamp time.Time
}

func newEndConfig(opts []EndOption) endConfig {
	var cfg endConfig
	for _, opt := range opts {
		if opt != nil {
			opt.applyEnd(&cfg)
		}
	}
	return cfg
}

type eventConfig struct {
	timestamp  time.Time
	attributes []attribute.KeyValue
}

func newEventConfig(opts []EventOption) eventConfig {
	var cfg eventConfig
	for _, opt := range opts {
		if opt != nil {
			opt.applyEvent(&cfg)
		}
	}
	return cfg
}

type spanStartOptionFunc func(*spanStartConfig)

func (f spanStartOptionFunc) applySpanStart(c *spanStartConfig) { f(c) }

// WithSpanKind sets the span kind. The default is SpanKindInternal.
func WithSpanKind(kind SpanKind) SpanStartOption {
	return spanStartOptionFunc(func(c *spanStartConfig) {
		c.kind = kind
	})
}

// WithLinks adds links to a span at start.
func WithLinks(links ...Link) SpanStartOption {
	return spanStartOptionFunc(func(c *spanStartConfig) {
		c.links = append(c.links, links...)
	})
}

// WithNewRoot ignores any parent and starts a new trace.
func WithNewRoot() SpanStartOption {
	return spanStartOptionFunc(func(c *spanStartConfig) {
		c.newRoot = true
	})
}

// WithParent uses c as the parent context instead of the one carried by
// the context.Context passed to Start.
func WithParent(c *Context) SpanStartOption {
	return spanStartOptionFunc(func(cfg *spanStartConfig) {
		cfg.parent = c
	})
}

type attributeOption []attribute.KeyValue

func (o attributeOption) applySpanStart(c *spanStartConfig) {
	c.attributes = append(c.attributes, o...)
}

func (o attributeOption) applyEvent(c *eventConfig) {
	c.attributes = append(c.attributes, o...)
}

// WithAttributes adds attributes to a span at start or to an event.
func WithAttributes(kv ...attribute.KeyValue) interface {
	SpanStartOption
	EventOption
} {
	return attributeOption(kv)
}

type timestampOption time.Time

func (o timestampOption) applySpanStart(c *spanStartConfig) { c.timestamp = time.Time(o) }
func (o timestampOption) applyEnd(c *endConfig)             { c.timestamp = time.Time(o) }
func (o timestampOption) applyEvent(c *eventConfig)         { c.timestamp = time.Time(o) }

// WithTimestamp overrides the clock for a span start, span end or event.
func WithTimestamp(t time.Time) interface {
	SpanStartOption
	EndOption
	EventOption
} {
	return timestampOption(t)
}

// InstrumentationScope names the library that created a span.
type InstrumentationScope struct {
	Name      string
	Version   string
	SchemaURL string
}

// TracerOption configures a Tracer.
type TracerOption func(*InstrumentationScope)

// WithInstrumentationVersion sets the instrumentation library version.
func WithInstrumentationVersion(v string) TracerOption {
	return func(s *InstrumentationScope) { s.Version = v }
}

// WithSchemaURL sets the schema URL of the instrumentation library.
func WithSchemaURL(u string) TracerOption {
	return func(s *InstrumentationScope) { s.SchemaURL = u }
}
