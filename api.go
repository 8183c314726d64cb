// Package tracekit is a distributed tracing SDK.
//
// tracekit records spans, decides which traces to keep, and ships
// finished spans to exporters without ever blocking or failing the
// instrumented application.
//
// Core Components:
//   - Context: immutable key/value chain carrying the current span.
//   - Strand: explicit "current context" slot with Attach/Detach tokens.
//   - Sampler: pure decision function consulted when a span starts.
//   - Span: concurrency-safe record of one unit of work.
//   - Tracer: creates spans and links them into the context chain.
//   - SpanProcessor: simple, batching and fan-out pipeline stages.
//   - SpanExporter: boundary to backend-specific encoders.
//   - TextMapPropagator: W3C traceparent/tracestate inject and extract.
//
// Basic Usage:
//
//	exporter := tracekit.NewInMemoryExporter()
//	tp := tracekit.NewTracerProvider(tracekit.WithBatcher(exporter))
//	defer tp.Shutdown(context.Background())
//
//	tracer := tp.Tracer("checkout")
//	ctx, span := tracer.Start(ctx, "charge-card")
//	defer span.End()
//
//	span.SetAttributes(attribute.String("user.id", "123"))
//
//	// Child spans inherit the trace id from ctx.
//	_, child := tracer.Start(ctx, "call-bank")
//	child.End()
//
// Context Propagation:
//
// The current span travels inside context.Context as a *Context chain.
// Code that cannot thread a context.Context can use a Strand instead:
// attach a chain, and Detach the returned token on the way out. InSpan
// does both for you.
//
// Failure Model:
//
// Usage errors are silent no-ops. Panics and errors raised inside
// samplers, processors and exporters are recovered and reported through
// Handle, which logs with zap and calls the handler set by
// SetErrorHandler. Queue overflow and limit overflow are counted, never
// returned.
//
// Resource Cleanup:
//
// Call TracerProvider.Shutdown to flush queued spans and stop background
// goroutines.
package tracekit

import "go.opentelemetry.io/otel/attribute"

// Version is the SDK version reported in the default resource.
const Version = "0.1.0"

// Attribute keys written by the SDK itself.
const (
	ExceptionTypeKey    attribute.Key = "exception.type"
	ExceptionMessageKey attribute.Key = "exception.message"
	ExceptionEscapedKey attribute.Key = "exception.escaped"

	ServiceNameKey       attribute.Key = "service.name"
	ServiceInstanceIDKey attribute.Key = "service.instance.id"
	SDKNameKey           attribute.Key = "telemetry.sdk.name"
	SDKLanguageKey       attribute.Key = "telemetry.sdk.language"
	SDKVersionKey        attribute.Key = "telemetry.sdk.version"
)

// exceptionEventName names events recorded by RecordError and InSpan.
const exceptionEventName = "exception"
