package tracekit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/baggage"
	"go.uber.org/zap"
)

// Baggage is an immutable set of key/value pairs carried alongside the
// current span and propagated with the W3C baggage header. The zero
// value is empty.
type Baggage struct {
	members baggage.Baggage
}

// ParseBaggage decodes a W3C baggage header value.
func ParseBaggage(header string) (Baggage, error) {
	b, err := baggage.Parse(header)
	if err != nil {
		return Baggage{}, fmt.Errorf("tracekit: parse baggage: %w", err)
	}
	return Baggage{members: b}, nil
}

// SetMember returns a copy of b with key set to value. An existing entry
// for key is replaced.
func (b Baggage) SetMember(key, value string) (Baggage, error) {
	m, err := baggage.NewMemberRaw(key, value)
	if err != nil {
		return b, fmt.Errorf("tracekit: baggage member %q: %w", key, err)
	}
	next, err := b.members.SetMember(m)
	if err != nil {
		return b, fmt.Errorf("tracekit: baggage member %q: %w", key, err)
	}
	return Baggage{members: next}, nil
}

// DeleteMember returns a copy of b without key.
func (b Baggage) DeleteMember(key string) Baggage {
	return Baggage{members: b.members.DeleteMember(key)}
}

// Value returns the value stored for key.
func (b Baggage) Value(key string) (string, bool) {
	m := b.members.Member(key)
	if m.Key() == "" {
		return "", false
	}
	return m.Value(), true
}

// Values returns every entry as a map.
func (b Baggage) Values() map[string]string {
	out := make(map[string]string, b.members.Len())
	for _, m := range b.members.Members() {
		out[m.Key()] = m.Value()
	}
	return out
}

// Len returns the number of entries.
func (b Baggage) Len() int { return b.members.Len() }

// String encodes b as a W3C baggage header value.
func (b Baggage) String() string { return b.members.String() }

var baggageKey = NewKey("tracekit.baggage")

// ChainWithBaggage returns c extended with b as the current baggage.
func ChainWithBaggage(c *Context, b Baggage) *Context {
	return c.WithValue(baggageKey, b)
}

// BaggageFromChain returns the current baggage in c. It is empty when
// none was set.
func BaggageFromChain(c *Context) Baggage {
	b, _ := c.Value(baggageKey).(Baggage)
	return b
}

// ContextWithBaggage returns a copy of ctx whose chain carries b.
func ContextWithBaggage(ctx context.Context, b Baggage) context.Context {
	return NewContext(ctx, ChainWithBaggage(FromContext(ctx), b))
}

// BaggageFromContext returns the baggage carried by ctx.
func BaggageFromContext(ctx context.Context) Baggage {
	return BaggageFromChain(FromContext(ctx))
}

const baggageHeader = "baggage"

// BaggagePropagator propagates Baggage with the W3C baggage header.
// Combine it with TraceContext through NewCompositeTextMapPropagator.
type BaggagePropagator struct{}

var _ TextMapPropagator = BaggagePropagator{}

// Inject writes the baggage in ctx. Nothing is written when it is empty.
func (BaggagePropagator) Inject(ctx context.Context, carrier TextMapCarrier) {
	b := BaggageFromContext(ctx)
	if b.Len() == 0 {
		return
	}
	carrier.Set(baggageHeader, b.String())
}

// Extract returns ctx carrying the baggage read from carrier. A malformed
// header leaves ctx unchanged.
func (BaggagePropagator) Extract(ctx context.Context, carrier TextMapCarrier) context.Context {
	header := carrier.Get(baggageHeader)
	if header == "" {
		return ctx
	}
	b, err := ParseBaggage(header)
	if err != nil {
		Logger().Debug("tracekit: dropping malformed baggage header", zap.Error(err))
		return ctx
	}
	return ContextWithBaggage(ctx, b)
}

// Fields returns the header names this propagator uses.
func (BaggagePropagator) Fields() []string {
	return []string{baggageHeader}
}
