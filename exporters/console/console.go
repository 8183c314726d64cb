// Package console exports spans as JSON lines, one span per line.
// It is meant for local debugging, usually behind a simple processor.
package console

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/zoobzio/tracekit"
	"go.opentelemetry.io/otel/attribute"
)

// Exporter writes spans to an io.Writer.
// Safe for concurrent use by multiple goroutines.
type Exporter struct {
	w        io.Writer
	mu       sync.Mutex
	stopped  bool
	noTimes  bool
	indented bool
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithWriter sets the destination. The default is os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(e *Exporter) {
		if w != nil {
			e.w = w
		}
	}
}

// WithoutTimestamps omits start and end times, making output stable.
func WithoutTimestamps() Option {
	return func(e *Exporter) { e.noTimes = true }
}

// WithPrettyPrint indents each record.
func WithPrettyPrint() Option {
	return func(e *Exporter) { e.indented = true }
}

// New creates an exporter.
func New(opts ...Option) *Exporter {
	e := &Exporter{w: os.Stdout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExportSpans writes each span as one JSON document followed by a newline.
func (e *Exporter) ExportSpans(ctx context.Context, spans []tracekit.SpanData) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return tracekit.ErrExporterShutdown
	}

	for i := range spans {
		rec := e.record(&spans[i])
		var (
			data []byte
			err  error
		)
		if e.indented {
			data, err = sonic.MarshalIndent(rec, "", "  ")
		} else {
			data, err = sonic.Marshal(rec)
		}
		if err != nil {
			return err
		}
		data = append(data, '\n')
		if _, err := e.w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the exporter. The writer is not closed.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return ctx.Err()
}

// Record is the JSON shape of one exported span.
type Record struct {
	Name       string         `json:"name"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_span_id,omitempty"`
	Kind       string         `json:"kind"`
	Start      *time.Time     `json:"start_time,omitempty"`
	End        *time.Time     `json:"end_time,omitempty"`
	DurationNS int64          `json:"duration_ns,omitempty"`
	Status     string         `json:"status"`
	StatusDesc string         `json:"status_description,omitempty"`
	Scope      string         `json:"scope,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Resource   map[string]any `json:"resource,omitempty"`
	Events     []EventRecord  `json:"events,omitempty"`
	Links      []LinkRecord   `json:"links,omitempty"`
	Dropped    map[string]int `json:"dropped,omitempty"`
	TraceState string         `json:"trace_state,omitempty"`
}

// EventRecord is the JSON shape of a span event.
type EventRecord struct {
	Name       string         `json:"name"`
	Time       *time.Time     `json:"time,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// LinkRecord is the JSON shape of a span link.
type LinkRecord struct {
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *Exporter) record(s *tracekit.SpanData) Record {
	r := Record{
		Name:       s.Name,
		TraceID:    s.SpanContext.TraceID().String(),
		SpanID:     s.SpanContext.SpanID().String(),
		Kind:       s.Kind.String(),
		Status:     s.Status.Code.String(),
		StatusDesc: s.Status.Description,
		Scope:      s.Scope.Name,
		Attributes: attrMap(s.Attributes),
		TraceState: s.SpanContext.TraceState().String(),
	}
	if s.Parent.IsValid() {
		r.ParentID = s.Parent.SpanID().String()
	}
	if s.Resource != nil {
		r.Resource = attrMap(s.Resource.Attributes())
	}
	if !e.noTimes {
		start, end := s.StartTime, s.EndTime
		r.Start, r.End = &start, &end
		r.DurationNS = s.Duration().Nanoseconds()
	}
	for _, ev := range s.Events {
		er := EventRecord{Name: ev.Name, Attributes: attrMap(ev.Attributes)}
		if !e.noTimes {
			t := ev.Time
			er.Time = &t
		}
		r.Events = append(r.Events, er)
	}
	for _, l := range s.Links {
		r.Links = append(r.Links, LinkRecord{
			TraceID:    l.SpanContext.TraceID().String(),
			SpanID:     l.SpanContext.SpanID().String(),
			Attributes: attrMap(l.Attributes),
		})
	}
	if s.DroppedAttributes+s.DroppedEvents+s.DroppedLinks > 0 {
		r.Dropped = map[string]int{
			"attributes": s.DroppedAttributes,
			"events":     s.DroppedEvents,
			"links":      s.DroppedLinks,
		}
	}
	return r
}

func attrMap(kvs []attribute.KeyValue) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
