package tracekit

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
)

// SamplingDecision is the outcome of a sampling decision.
type SamplingDecision int

const (
	// Drop means the span is neither recorded nor exported.
	Drop SamplingDecision = iota
	// RecordOnly means the span is recorded but never exported.
	RecordOnly
	// RecordAndSample means the span is recorded and exported.
	RecordAndSample
)

func (d SamplingDecision) String() string {
	switch d {
	case Drop:
		return "Drop"
	case RecordOnly:
		return "RecordOnly"
	case RecordAndSample:
		return "RecordAndSample"
	default:
		return fmt.Sprintf("SamplingDecision(%d)", int(d))
	}
}

// SamplingParameters are the inputs to a sampling decision.
type SamplingParameters struct {
	Parent     SpanContext
	Name       string
	Attributes []attribute.KeyValue
	Links      []Link
	TraceID    TraceID
	Kind       SpanKind
}

// SamplingResult is the output of a sampling decision.
type SamplingResult struct {
	Tracestate TraceState
	Attributes []attribute.KeyValue
	Decision   SamplingDecision
}

// Sampler decides whether a span is recorded and exported.
// Implementations must be pure functions of their parameters.
type Sampler interface {
	ShouldSample(p SamplingParameters) SamplingResult
	Description() string
}

type alwaysOnSampler struct{}

// AlwaysOn samples every span.
func AlwaysOn() Sampler { return alwaysOnSampler{} }

func (alwaysOnSampler) ShouldSample(p SamplingParameters) SamplingResult {
	return SamplingResult{Decision: RecordAndSample, Tracestate: p.Parent.TraceState()}
}

func (alwaysOnSampler) Description() string { return "AlwaysOnSampler" }

type alwaysOffSampler struct{}

// AlwaysOff drops every span.
func AlwaysOff() Sampler { return alwaysOffSampler{} }

func (alwaysOffSampler) ShouldSample(p SamplingParameters) SamplingResult {
	return SamplingResult{Decision: Drop, Tracestate: p.Parent.TraceState()}
}

func (alwaysOffSampler) Description() string { return "AlwaysOffSampler" }

type traceIDRatioSampler struct {
	description string
	threshold   uint64
	always      bool
}

// TraceIDRatioBased samples a fraction of traces. The decision compares
// the low 64 bits of the trace id (big endian) against ratio*2^64, so the
// same trace id always yields the same decision in every process.
func TraceIDRatioBased(ratio float64) Sampler {
	if ratio >= 1 {
		return &traceIDRatioSampler{always: true, description: "TraceIDRatioBased{1}"}
	}
	if ratio <= 0 || math.IsNaN(ratio) {
		ratio = 0
	}
	return &traceIDRatioSampler{
		threshold:   uint64(ratio * (1 << 64)),
		description: fmt.Sprintf("TraceIDRatioBased{%g}", ratio),
	}
}

func (s *traceIDRatioSampler) ShouldSample(p SamplingParameters) SamplingResult {
	decision := Drop
	if s.always || binary.BigEndian.Uint64(p.TraceID[8:16]) < s.threshold {
		decision = RecordAndSample
	}
	return SamplingResult{Decision: decision, Tracestate: p.Parent.TraceState()}
}

func (s *traceIDRatioSampler) Description() string { return s.description }

// ParentBasedOption configures the delegates of a ParentBased sampler.
type ParentBasedOption func(*parentBasedSampler)

// WithRemoteParentSampled sets the delegate for sampled remote parents.
func WithRemoteParentSampled(s Sampler) ParentBasedOption {
	return func(p *parentBasedSampler) { p.remoteSampled = s }
}

// WithRemoteParentNotSampled sets the delegate for unsampled remote parents.
func WithRemoteParentNotSampled(s Sampler) ParentBasedOption {
	return func(p *parentBasedSampler) { p.remoteNotSampled = s }
}

// WithLocalParentSampled sets the delegate for sampled local parents.
func WithLocalParentSampled(s Sampler) ParentBasedOption {
	return func(p *parentBasedSampler) { p.localSampled = s }
}

// WithLocalParentNotSampled sets the delegate for unsampled local parents.
func WithLocalParentNotSampled(s Sampler) ParentBasedOption {
	return func(p *parentBasedSampler) { p.localNotSampled = s }
}

type parentBasedSampler struct {
	root             Sampler
	remoteSampled    Sampler
	remoteNotSampled Sampler
	localSampled     Sampler
	localNotSampled  Sampler
}

// ParentBased delegates to root when there is no valid parent and
// otherwise follows the parent's sampled flag.
func ParentBased(root Sampler, opts ...ParentBasedOption) Sampler {
	if root == nil {
		root = AlwaysOn()
	}
	p := &parentBasedSampler{
		root:             root,
		remoteSampled:    AlwaysOn(),
		remoteNotSampled: AlwaysOff(),
		localSampled:     AlwaysOn(),
		localNotSampled:  AlwaysOff(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *parentBasedSampler) ShouldSample(params SamplingParameters) SamplingResult {
	parent := params.Parent
	if !parent.IsValid() {
		return p.root.ShouldSample(params)
	}
	if parent.IsRemote() {
		if parent.IsSampled() {
			return p.remoteSampled.ShouldSample(params)
		}
		return p.remoteNotSampled.ShouldSample(params)
	}
	if parent.IsSampled() {
		return p.localSampled.ShouldSample(params)
	}
	return p.localNotSampled.ShouldSample(params)
}

func (p *parentBasedSampler) Description() string {
	return fmt.Sprintf("ParentBased{root:%s,remoteParentSampled:%s,remoteParentNotSampled:%s,localParentSampled:%s,localParentNotSampled:%s}",
		p.root.Description(),
		p.remoteSampled.Description(),
		p.remoteNotSampled.Description(),
		p.localSampled.Description(),
		p.localNotSampled.Description(),
	)
}
