package tracekit

import (
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
)

// Default span limits.
const (
	DefaultAttributeCountLimit         = 128
	DefaultAttributeValueLengthLimit   = -1
	DefaultEventCountLimit             = 128
	DefaultLinkCountLimit              = 128
	DefaultAttributePerEventCountLimit = 128
	DefaultAttributePerLinkCountLimit  = 128
)

// SpanLimits bounds the data a single span can hold. A negative value
// means unlimited; zero means nothing is kept.
type SpanLimits struct {
	AttributeCountLimit         int
	AttributeValueLengthLimit   int
	EventCountLimit             int
	LinkCountLimit              int
	AttributePerEventCountLimit int
	AttributePerLinkCountLimit  int
}

// NewSpanLimits returns the default limits.
func NewSpanLimits() SpanLimits {
	return SpanLimits{
		AttributeCountLimit:         DefaultAttributeCountLimit,
		AttributeValueLengthLimit:   DefaultAttributeValueLengthLimit,
		EventCountLimit:             DefaultEventCountLimit,
		LinkCountLimit:              DefaultLinkCountLimit,
		AttributePerEventCountLimit: DefaultAttributePerEventCountLimit,
		AttributePerLinkCountLimit:  DefaultAttributePerLinkCountLimit,
	}
}

// truncateAttr cuts string values down to limit runes.
func truncateAttr(limit int, kv attribute.KeyValue) attribute.KeyValue {
	if limit < 0 {
		return kv
	}
	switch kv.Value.Type() {
	case attribute.STRING:
		return kv.Key.String(truncateString(limit, kv.Value.AsString()))
	case attribute.STRINGSLICE:
		vals := kv.Value.AsStringSlice()
		for i := range vals {
			vals[i] = truncateString(limit, vals[i])
		}
		return kv.Key.StringSlice(vals)
	}
	return kv
}

func truncateString(limit int, s string) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// limitAttrs keeps the first limit distinct keys of attrs, last write
// winning for duplicates, and returns how many were dropped.
func limitAttrs(attrs []attribute.KeyValue, countLimit, lengthLimit int) ([]attribute.KeyValue, int) {
	if len(attrs) == 0 {
		return nil, 0
	}
	out := make([]attribute.KeyValue, 0, len(attrs))
	index := make(map[attribute.Key]int, len(attrs))
	dropped := 0
	for _, kv := range attrs {
		if !kv.Valid() {
			dropped++
			continue
		}
		kv = truncateAttr(lengthLimit, kv)
		if i, ok := index[kv.Key]; ok {
			out[i] = kv
			continue
		}
		if countLimit >= 0 && len(out) >= countLimit {
			dropped++
			continue
		}
		index[kv.Key] = len(out)
		out = append(out, kv)
	}
	return out, dropped
}
