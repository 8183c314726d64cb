package otlp

import (
	"github.com/zoobzio/tracekit"
	"go.opentelemetry.io/otel/attribute"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// ResourceSpans groups spans by resource, then by instrumentation scope,
// keeping first-seen order at both levels.
func ResourceSpans(spans []tracekit.SpanData) []*tracepb.ResourceSpans {
	if len(spans) == 0 {
		return nil
	}

	type scopeKey struct {
		res   *tracekit.Resource
		scope tracekit.InstrumentationScope
	}
	var (
		out     []*tracepb.ResourceSpans
		byRes   = make(map[*tracekit.Resource]*tracepb.ResourceSpans)
		byScope = make(map[scopeKey]*tracepb.ScopeSpans)
	)

	for i := range spans {
		s := &spans[i]
		rs, ok := byRes[s.Resource]
		if !ok {
			rs = &tracepb.ResourceSpans{Resource: resource(s.Resource)}
			byRes[s.Resource] = rs
			out = append(out, rs)
		}
		k := scopeKey{res: s.Resource, scope: s.Scope}
		ss, ok := byScope[k]
		if !ok {
			ss = &tracepb.ScopeSpans{
				Scope: &commonpb.InstrumentationScope{
					Name:    s.Scope.Name,
					Version: s.Scope.Version,
				},
				SchemaUrl: s.Scope.SchemaURL,
			}
			byScope[k] = ss
			rs.ScopeSpans = append(rs.ScopeSpans, ss)
		}
		ss.Spans = append(ss.Spans, span(s))
	}
	return out
}

func resource(r *tracekit.Resource) *resourcepb.Resource {
	if r == nil {
		return &resourcepb.Resource{}
	}
	return &resourcepb.Resource{Attributes: keyValues(r.Attributes())}
}

func span(s *tracekit.SpanData) *tracepb.Span {
	tid := s.SpanContext.TraceID()
	sid := s.SpanContext.SpanID()
	out := &tracepb.Span{
		TraceId:                tid[:],
		SpanId:                 sid[:],
		TraceState:             s.SpanContext.TraceState().String(),
		Flags:                  uint32(s.SpanContext.TraceFlags()),
		Name:                   s.Name,
		Kind:                   spanKind(s.Kind),
		StartTimeUnixNano:      unixNano(s.StartTime.UnixNano()),
		EndTimeUnixNano:        unixNano(s.EndTime.UnixNano()),
		Attributes:             keyValues(s.Attributes),
		DroppedAttributesCount: uint32(s.DroppedAttributes),
		DroppedEventsCount:     uint32(s.DroppedEvents),
		DroppedLinksCount:      uint32(s.DroppedLinks),
		Status:                 spanStatus(s.Status),
	}
	if s.Parent.IsValid() {
		psid := s.Parent.SpanID()
		out.ParentSpanId = psid[:]
	}
	for _, ev := range s.Events {
		out.Events = append(out.Events, &tracepb.Span_Event{
			TimeUnixNano:           unixNano(ev.Time.UnixNano()),
			Name:                   ev.Name,
			Attributes:             keyValues(ev.Attributes),
			DroppedAttributesCount: uint32(ev.DroppedAttributes),
		})
	}
	for _, l := range s.Links {
		ltid := l.SpanContext.TraceID()
		lsid := l.SpanContext.SpanID()
		out.Links = append(out.Links, &tracepb.Span_Link{
			TraceId:                ltid[:],
			SpanId:                 lsid[:],
			TraceState:             l.SpanContext.TraceState().String(),
			Flags:                  uint32(l.SpanContext.TraceFlags()),
			Attributes:             keyValues(l.Attributes),
			DroppedAttributesCount: uint32(l.DroppedAttributes),
		})
	}
	return out
}

func unixNano(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func spanKind(k tracekit.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case tracekit.SpanKindInternal:
		return tracepb.Span_SPAN_KIND_INTERNAL
	case tracekit.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case tracekit.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case tracekit.SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case tracekit.SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_UNSPECIFIED
	}
}

func spanStatus(st tracekit.Status) *tracepb.Status {
	out := &tracepb.Status{Message: st.Description}
	switch st.Code {
	case tracekit.StatusOK:
		out.Code = tracepb.Status_STATUS_CODE_OK
	case tracekit.StatusError:
		out.Code = tracepb.Status_STATUS_CODE_ERROR
	default:
		out.Code = tracepb.Status_STATUS_CODE_UNSET
	}
	return out
}

func keyValues(attrs []attribute.KeyValue) []*commonpb.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]*commonpb.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, &commonpb.KeyValue{
			Key:   string(kv.Key),
			Value: anyValue(kv.Value),
		})
	}
	return out
}

func anyValue(v attribute.Value) *commonpb.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case attribute.INT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case attribute.FLOAT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case attribute.STRING:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.AsString()}}
	case attribute.BOOLSLICE:
		vals := v.AsBoolSlice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, b := range vals {
			arr[i] = &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: b}}
		}
		return arrayValue(arr)
	case attribute.INT64SLICE:
		vals := v.AsInt64Slice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, n := range vals {
			arr[i] = &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: n}}
		}
		return arrayValue(arr)
	case attribute.FLOAT64SLICE:
		vals := v.AsFloat64Slice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, f := range vals {
			arr[i] = &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: f}}
		}
		return arrayValue(arr)
	case attribute.STRINGSLICE:
		vals := v.AsStringSlice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, s := range vals {
			arr[i] = &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
		}
		return arrayValue(arr)
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.Emit()}}
	}
}

func arrayValue(vals []*commonpb.AnyValue) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
		ArrayValue: &commonpb.ArrayValue{Values: vals},
	}}
}
