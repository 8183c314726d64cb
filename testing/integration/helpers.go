package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/tracekit"
	"go.opentelemetry.io/otel/attribute"
)

// Harness wires a provider to an in-memory exporter and offers
// synchronous assertions over the finished spans.
type Harness struct {
	Provider *tracekit.TracerProvider
	Exporter *tracekit.InMemoryExporter
	t        *testing.T
}

// NewHarness creates a provider exporting synchronously to memory.
// The provider is shut down when the test ends.
func NewHarness(t *testing.T, opts ...tracekit.ProviderOption) *Harness {
	t.Helper()
	exp := tracekit.NewInMemoryExporter()
	opts = append([]tracekit.ProviderOption{tracekit.WithSyncer(exp)}, opts...)
	tp := tracekit.NewTracerProvider(opts...)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &Harness{Provider: tp, Exporter: exp, t: t}
}

// Tracer returns a tracer for the given scope.
func (h *Harness) Tracer(name string) *tracekit.Tracer {
	return h.Provider.Tracer(name)
}

// WaitForSpans waits until at least expected spans were exported.
func (h *Harness) WaitForSpans(expected int, timeout time.Duration) []tracekit.SpanData {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if spans := h.Exporter.GetSpans(); len(spans) >= expected {
			return spans
		}
		<-ticker.C
	}

	spans := h.Exporter.GetSpans()
	h.t.Errorf("Timeout waiting for spans: expected %d, got %d", expected, len(spans))
	return spans
}

// AssertSpanCount verifies the exact number of exported spans.
func (h *Harness) AssertSpanCount(expected int) {
	h.t.Helper()
	if n := h.Exporter.Len(); n != expected {
		h.t.Errorf("Expected %d spans, got %d", expected, n)
	}
}

// AssertSpanNamed returns the first exported span with name.
func (h *Harness) AssertSpanNamed(name string) *tracekit.SpanData {
	h.t.Helper()
	spans := h.Exporter.GetSpans()
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	h.t.Errorf("Span named '%s' not found", name)
	return nil
}

// AssertParentChild verifies that childName is a direct child of
// parentName within the same trace.
func (h *Harness) AssertParentChild(parentName, childName string) {
	h.t.Helper()
	parent := h.AssertSpanNamed(parentName)
	child := h.AssertSpanNamed(childName)
	if parent == nil || child == nil {
		return
	}

	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		h.t.Errorf("Parent-child relationship broken: %s is not parent of %s. Child parent=%s, Parent span=%s",
			parentName, childName, child.Parent.SpanID(), parent.SpanContext.SpanID())
	}
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		h.t.Errorf("Trace ID mismatch: parent=%s, child=%s",
			parent.SpanContext.TraceID(), child.SpanContext.TraceID())
	}
}

// SpanTree is a hierarchical view of finished spans.
type SpanTree struct {
	Span     tracekit.SpanData
	Children []*SpanTree
}

// BuildSpanTree constructs trees from a flat span list. Spans whose
// parent is missing from the list become roots.
func BuildSpanTree(spans []tracekit.SpanData) []*SpanTree {
	nodes := make(map[tracekit.SpanID]*SpanTree, len(spans))
	for i := range spans {
		nodes[spans[i].SpanContext.SpanID()] = &SpanTree{Span: spans[i]}
	}

	var roots []*SpanTree
	for i := range spans {
		node := nodes[spans[i].SpanContext.SpanID()]
		parent, ok := nodes[spans[i].Parent.SpanID()]
		if !spans[i].Parent.IsValid() || !ok {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	return roots
}

// PrintSpanTree formats span trees for debugging.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	fmt.Fprintf(sb, "%s%s (%.2fms) [%s]\n",
		strings.Repeat("  ", depth), node.Span.Name,
		node.Span.Duration().Seconds()*1000, node.Span.Status.Code)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}

// MockService simulates a downstream dependency. Each call is one span
// named "<service>.<operation>".
type MockService struct {
	tracer       *tracekit.Tracer
	failOn       map[string]error
	name         string
	latency      time.Duration
	mu           sync.Mutex
	requestCount int
}

// NewMockService creates a simulated service.
func NewMockService(name string, tracer *tracekit.Tracer) *MockService {
	return &MockService{
		name:    name,
		latency: time.Millisecond,
		tracer:  tracer,
		failOn:  make(map[string]error),
	}
}

// SetLatency configures response time.
func (m *MockService) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// FailOn makes calls to operation return err.
func (m *MockService) FailOn(operation string, err error) {
	m.mu.Lock()
	m.failOn[operation] = err
	m.mu.Unlock()
}

// Requests returns the number of calls served.
func (m *MockService) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// Call simulates a traced call.
func (m *MockService) Call(ctx context.Context, operation string) error {
	m.mu.Lock()
	m.requestCount++
	count := m.requestCount
	latency := m.latency
	failure := m.failOn[operation]
	m.mu.Unlock()

	return m.tracer.InSpan(ctx, m.name+"."+operation, func(ctx context.Context, span *tracekit.Span) error {
		span.SetAttributes(
			attribute.String("service", m.name),
			attribute.String("operation", operation),
			attribute.Int("request_id", count),
		)

		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}

		if failure != nil {
			return fmt.Errorf("%s: %w", m.name, failure)
		}
		return nil
	}, tracekit.WithSpanKind(tracekit.SpanKindClient))
}

// SpanMatcher provides fluent assertions for one span.
type SpanMatcher struct {
	t    *testing.T
	span *tracekit.SpanData
}

// NewSpanMatcher creates a matcher. A nil span makes every check a no-op.
func NewSpanMatcher(t *testing.T, span *tracekit.SpanData) *SpanMatcher {
	return &SpanMatcher{t: t, span: span}
}

// HasAttribute verifies an attribute exists with the given value.
func (m *SpanMatcher) HasAttribute(key attribute.Key, value attribute.Value) *SpanMatcher {
	if m.span == nil {
		return m
	}
	m.t.Helper()
	for _, kv := range m.span.Attributes {
		if kv.Key != key {
			continue
		}
		if kv.Value != value {
			m.t.Errorf("Span %s attribute '%s': expected %s, got %s",
				m.span.Name, key, value.Emit(), kv.Value.Emit())
		}
		return m
	}
	m.t.Errorf("Span %s missing attribute '%s'", m.span.Name, key)
	return m
}

// HasParent verifies the parent span id.
func (m *SpanMatcher) HasParent(parent tracekit.SpanID) *SpanMatcher {
	if m.span == nil {
		return m
	}
	m.t.Helper()
	if m.span.Parent.SpanID() != parent {
		m.t.Errorf("Span %s wrong parent: expected %s, got %s",
			m.span.Name, parent, m.span.Parent.SpanID())
	}
	return m
}

// HasStatus verifies the status code.
func (m *SpanMatcher) HasStatus(code tracekit.StatusCode) *SpanMatcher {
	if m.span == nil {
		return m
	}
	m.t.Helper()
	if m.span.Status.Code != code {
		m.t.Errorf("Span %s status: expected %s, got %s", m.span.Name, code, m.span.Status.Code)
	}
	return m
}

// DurationBetween verifies the duration is in range.
func (m *SpanMatcher) DurationBetween(minDur, maxDur time.Duration) *SpanMatcher {
	if m.span == nil {
		return m
	}
	m.t.Helper()
	if d := m.span.Duration(); d < minDur || d > maxDur {
		m.t.Errorf("Span %s duration %v not in range [%v, %v]", m.span.Name, d, minDur, maxDur)
	}
	return m
}

// TraceAnalyzer provides trace-level assertions.
type TraceAnalyzer struct {
	byID   map[tracekit.SpanID]tracekit.SpanData
	byName map[string][]tracekit.SpanData
	spans  []tracekit.SpanData
	trees  []*SpanTree
}

// NewTraceAnalyzer creates an analyzer for a set of spans.
func NewTraceAnalyzer(spans []tracekit.SpanData) *TraceAnalyzer {
	a := &TraceAnalyzer{
		spans:  spans,
		byID:   make(map[tracekit.SpanID]tracekit.SpanData, len(spans)),
		byName: make(map[string][]tracekit.SpanData),
	}
	for i := range spans {
		a.byID[spans[i].SpanContext.SpanID()] = spans[i]
		a.byName[spans[i].Name] = append(a.byName[spans[i].Name], spans[i])
	}
	a.trees = BuildSpanTree(spans)
	return a
}

// GetSpan retrieves a span by id.
func (a *TraceAnalyzer) GetSpan(id tracekit.SpanID) (tracekit.SpanData, bool) {
	s, ok := a.byID[id]
	return s, ok
}

// GetSpansByName retrieves all spans with name.
func (a *TraceAnalyzer) GetSpansByName(name string) []tracekit.SpanData {
	return a.byName[name]
}

// CountSpans returns the total span count.
func (a *TraceAnalyzer) CountSpans() int {
	return len(a.spans)
}

// CountTrees returns the number of root spans.
func (a *TraceAnalyzer) CountTrees() int {
	return len(a.trees)
}

// TraceIDs returns the distinct trace ids seen.
func (a *TraceAnalyzer) TraceIDs() map[tracekit.TraceID]int {
	ids := make(map[tracekit.TraceID]int)
	for i := range a.spans {
		ids[a.spans[i].SpanContext.TraceID()]++
	}
	return ids
}

// VerifyChain checks that the named spans form a parent-child chain.
func (a *TraceAnalyzer) VerifyChain(names ...string) error {
	if len(names) < 2 {
		return fmt.Errorf("chain requires at least 2 spans")
	}

	var prev *tracekit.SpanData
	for i, name := range names {
		spans := a.GetSpansByName(name)
		if len(spans) == 0 {
			return fmt.Errorf("span '%s' not found", name)
		}
		span := spans[0]
		if prev != nil && span.Parent.SpanID() != prev.SpanContext.SpanID() {
			return fmt.Errorf("broken chain: %s is not child of %s", name, names[i-1])
		}
		prev = &span
	}
	return nil
}

// GetCriticalPath returns the root-to-leaf path with the longest total
// duration.
func (a *TraceAnalyzer) GetCriticalPath() []tracekit.SpanData {
	var maxPath []tracekit.SpanData
	var maxDuration time.Duration
	for _, tree := range a.trees {
		path := longestPath(tree)
		if d := pathDuration(path); maxPath == nil || d > maxDuration {
			maxDuration = d
			maxPath = path
		}
	}
	return maxPath
}

func longestPath(node *SpanTree) []tracekit.SpanData {
	path := []tracekit.SpanData{node.Span}

	var longest []tracekit.SpanData
	var longestDuration time.Duration
	for _, child := range node.Children {
		childPath := longestPath(child)
		if d := pathDuration(childPath); longest == nil || d > longestDuration {
			longestDuration = d
			longest = childPath
		}
	}
	return append(path, longest...)
}

func pathDuration(path []tracekit.SpanData) time.Duration {
	var total time.Duration
	for i := range path {
		total += path[i].Duration()
	}
	return total
}
