package tracekit

import (
	"context"
	"encoding/hex"
	"net/http"
	"strings"
)

// TextMapCarrier is the storage a propagator reads and writes, such as
// HTTP headers or message metadata.
type TextMapCarrier interface {
	Get(key string) string
	Set(key, value string)
	Keys() []string
}

// MapCarrier is a TextMapCarrier backed by a map.
type MapCarrier map[string]string

// Get returns the value for key.
func (c MapCarrier) Get(key string) string { return c[key] }

// Set stores value under key.
func (c MapCarrier) Set(key, value string) { c[key] = value }

// Keys lists the stored keys.
func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// HeaderCarrier adapts http.Header.
type HeaderCarrier http.Header

// Get returns the first value for key.
func (c HeaderCarrier) Get(key string) string { return http.Header(c).Get(key) }

// Set replaces the values for key.
func (c HeaderCarrier) Set(key, value string) { http.Header(c).Set(key, value) }

// Keys lists the header names.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// TextMapPropagator moves cross-cutting values between a context and a
// carrier. Extract never fails: malformed input leaves ctx unchanged.
type TextMapPropagator interface {
	Inject(ctx context.Context, carrier TextMapCarrier)
	Extract(ctx context.Context, carrier TextMapCarrier) context.Context
	Fields() []string
}

const (
	traceparentHeader = "traceparent"
	tracestateHeader  = "tracestate"

	traceparentVersion = "00"
	traceparentLen     = 55
)

// TraceContext propagates span identity with the W3C traceparent and
// tracestate headers.
type TraceContext struct{}

var _ TextMapPropagator = TraceContext{}

// Inject writes the current span's identity into carrier. Nothing is
// written for an invalid span context.
func (TraceContext) Inject(ctx context.Context, carrier TextMapCarrier) {
	sc := SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	var b strings.Builder
	b.Grow(traceparentLen)
	b.WriteString(traceparentVersion)
	b.WriteByte('-')
	b.WriteString(sc.TraceID().String())
	b.WriteByte('-')
	b.WriteString(sc.SpanID().String())
	b.WriteByte('-')
	b.WriteString((sc.TraceFlags() & FlagsSampled).String())
	carrier.Set(traceparentHeader, b.String())

	if ts := sc.TraceState().String(); ts != "" {
		carrier.Set(tracestateHeader, ts)
	}
}

// Extract returns ctx with a remote, non-recording parent span built from
// carrier. Malformed headers leave ctx unchanged.
func (TraceContext) Extract(ctx context.Context, carrier TextMapCarrier) context.Context {
	sc, ok := parseTraceparent(carrier.Get(traceparentHeader))
	if !ok {
		return ctx
	}
	// A bad tracestate is dropped; the parent itself is still usable.
	if ts, err := ParseTraceState(carrier.Get(tracestateHeader)); err == nil {
		sc = NewSpanContext(SpanContextConfig{
			TraceID:    sc.TraceID(),
			SpanID:     sc.SpanID(),
			TraceFlags: sc.TraceFlags(),
			TraceState: ts,
		})
	}
	return ContextWithRemoteSpanContext(ctx, sc)
}

// Fields returns the header names this propagator uses.
func (TraceContext) Fields() []string {
	return []string{traceparentHeader, tracestateHeader}
}

func parseTraceparent(h string) (SpanContext, bool) {
	h = strings.TrimSpace(h)
	if len(h) < traceparentLen {
		return SpanContext{}, false
	}

	ver := h[0:2]
	if !isLowerHex(ver) || ver == "ff" {
		return SpanContext{}, false
	}
	if ver == traceparentVersion && len(h) != traceparentLen {
		return SpanContext{}, false
	}
	// Future versions may append fields after another dash.
	if len(h) > traceparentLen && h[traceparentLen] != '-' {
		return SpanContext{}, false
	}
	if h[2] != '-' || h[35] != '-' || h[52] != '-' {
		return SpanContext{}, false
	}

	traceID, err := TraceIDFromHex(h[3:35])
	if err != nil {
		return SpanContext{}, false
	}
	spanID, err := SpanIDFromHex(h[36:52])
	if err != nil {
		return SpanContext{}, false
	}
	flagHex := h[53:55]
	if !isLowerHex(flagHex) {
		return SpanContext{}, false
	}
	var flags [1]byte
	if _, err := hex.Decode(flags[:], []byte(flagHex)); err != nil {
		return SpanContext{}, false
	}

	return NewSpanContext(SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: TraceFlags(flags[0]) & FlagsSampled,
		Remote:     true,
	}), true
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

type compositePropagator []TextMapPropagator

// NewCompositeTextMapPropagator runs each propagator in order. Extract
// passes the context returned by one propagator to the next.
func NewCompositeTextMapPropagator(ps ...TextMapPropagator) TextMapPropagator {
	out := make(compositePropagator, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (c compositePropagator) Inject(ctx context.Context, carrier TextMapCarrier) {
	for _, p := range c {
		p.Inject(ctx, carrier)
	}
}

func (c compositePropagator) Extract(ctx context.Context, carrier TextMapCarrier) context.Context {
	for _, p := range c {
		ctx = p.Extract(ctx, carrier)
	}
	return ctx
}

func (c compositePropagator) Fields() []string {
	seen := make(map[string]struct{})
	var fields []string
	for _, p := range c {
		for _, f := range p.Fields() {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			fields = append(fields, f)
		}
	}
	return fields
}
