package tracekit

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Resource describes the entity producing spans. It is immutable and
// shared by every snapshot a provider emits.
type Resource struct {
	attrs []attribute.KeyValue
}

// NewResource builds a resource; later duplicates of a key win.
func NewResource(attrs ...attribute.KeyValue) *Resource {
	kept, _ := limitAttrs(attrs, -1, -1)
	return &Resource{attrs: kept}
}

// DefaultResource names the service and gives this process a unique
// service.instance.id. An empty name falls back to the executable name.
func DefaultResource(serviceName string) *Resource {
	if serviceName == "" {
		serviceName = "unknown_service"
		if exe, err := os.Executable(); err == nil {
			serviceName = "unknown_service:" + filepath.Base(exe)
		}
	}
	return NewResource(
		ServiceNameKey.String(serviceName),
		ServiceInstanceIDKey.String(uuid.NewString()),
		SDKNameKey.String("tracekit"),
		SDKLanguageKey.String("go"),
		SDKVersionKey.String(Version),
	)
}

// Attributes returns a copy of the resource attributes.
func (r *Resource) Attributes() []attribute.KeyValue {
	if r == nil {
		return nil
	}
	out := make([]attribute.KeyValue, len(r.attrs))
	copy(out, r.attrs)
	return out
}

// Value returns the value of key and whether it was present.
func (r *Resource) Value(key attribute.Key) (attribute.Value, bool) {
	if r == nil {
		return attribute.Value{}, false
	}
	for _, kv := range r.attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// Merge returns a resource with other's attributes layered over r's.
func (r *Resource) Merge(other *Resource) *Resource {
	return NewResource(append(r.Attributes(), other.Attributes()...)...)
}
