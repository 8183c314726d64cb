package tracekit

import (
	"fmt"
	"strings"
	"testing"
)

// TestIDHexParsing tests trace and span id hex decoding.
func TestIDHexParsing(t *testing.T) {
	tid := mustTraceID(t, "4bf92f3577b34da6a3ce929d0e0e4736")
	if tid.String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("Expected round trip, got %s", tid)
	}
	sid := mustSpanID(t, "00f067aa0ba902b7")
	if sid.String() != "00f067aa0ba902b7" {
		t.Errorf("Expected round trip, got %s", sid)
	}

	badTrace := []string{
		"",
		"4bf92f3577b34da6a3ce929d0e0e473",
		"4BF92F3577B34DA6A3CE929D0E0E4736",
		"4bf92f3577b34da6a3ce929d0e0e473g",
		"00000000000000000000000000000000",
	}
	for _, h := range badTrace {
		if _, err := TraceIDFromHex(h); err == nil {
			t.Errorf("Expected error for trace id %q", h)
		}
	}
	badSpan := []string{"", "00f067aa0ba902b", "00F067AA0BA902B7", "0000000000000000"}
	for _, h := range badSpan {
		if _, err := SpanIDFromHex(h); err == nil {
			t.Errorf("Expected error for span id %q", h)
		}
	}
}

// TestTraceFlags tests the sampled bit helpers.
func TestTraceFlags(t *testing.T) {
	var f TraceFlags
	if f.IsSampled() {
		t.Error("Expected zero flags to be unsampled")
	}
	f = f.WithSampled(true)
	if !f.IsSampled() || f.String() != "01" {
		t.Errorf("Expected sampled flags '01', got %s", f)
	}
	f = TraceFlags(0x03).WithSampled(false)
	if f != 0x02 {
		t.Errorf("Expected other bits kept, got %s", f)
	}
}

// TestSpanContextValidity tests IsValid and Equal.
func TestSpanContextValidity(t *testing.T) {
	var zero SpanContext
	if zero.IsValid() {
		t.Error("Expected zero span context to be invalid")
	}

	cfg := SpanContextConfig{
		TraceID:    mustTraceID(t, "4bf92f3577b34da6a3ce929d0e0e4736"),
		SpanID:     mustSpanID(t, "00f067aa0ba902b7"),
		TraceFlags: FlagsSampled,
	}
	sc := NewSpanContext(cfg)
	if !sc.IsValid() || !sc.IsSampled() || sc.IsRemote() {
		t.Errorf("Unexpected span context state: valid=%v sampled=%v remote=%v",
			sc.IsValid(), sc.IsSampled(), sc.IsRemote())
	}
	if !sc.Equal(NewSpanContext(cfg)) {
		t.Error("Expected equal span contexts")
	}
	if sc.Equal(sc.WithRemote(true)) {
		t.Error("Expected remote flag to affect equality")
	}

	noSpan := NewSpanContext(SpanContextConfig{TraceID: cfg.TraceID})
	if noSpan.IsValid() {
		t.Error("Expected span context without span id to be invalid")
	}
}

// TestTraceStateParse tests parsing valid and invalid tracestate values.
func TestTraceStateParse(t *testing.T) {
	ts, err := ParseTraceState("rojo=00f067aa0ba902b7, congo=t61rcWkgMzE")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ts.Len() != 2 {
		t.Errorf("Expected 2 members, got %d", ts.Len())
	}
	if ts.Get("congo") != "t61rcWkgMzE" {
		t.Errorf("Expected congo value, got %q", ts.Get("congo"))
	}
	if ts.String() != "rojo=00f067aa0ba902b7,congo=t61rcWkgMzE" {
		t.Errorf("Unexpected encoding %q", ts.String())
	}

	empty, err := ParseTraceState("  ")
	if err != nil || empty.Len() != 0 {
		t.Errorf("Expected empty trace state, got %v (%v)", empty, err)
	}

	tenant, err := ParseTraceState("tenant@vendor=v")
	if err != nil || tenant.Get("tenant@vendor") != "v" {
		t.Errorf("Expected multi-tenant key to parse, got %v", err)
	}

	bad := []string{
		"novalue",
		"UPPER=v",
		"k=v,k=w",
		"k=a=b",
		strings.Repeat("a", 513),
	}
	for _, s := range bad {
		if _, err := ParseTraceState(s); err == nil {
			t.Errorf("Expected error for %q", s)
		}
	}
}

// TestTraceStateMemberLimit tests the 32 member limit.
func TestTraceStateMemberLimit(t *testing.T) {
	var parts []string
	for i := 0; i < 33; i++ {
		parts = append(parts, fmt.Sprintf("k%d=v", i))
	}
	if _, err := ParseTraceState(strings.Join(parts, ",")); err == nil {
		t.Error("Expected error for more than 32 members")
	}
}

// TestTraceStateInsertDelete tests that updates return new values and
// leave the receiver unchanged.
func TestTraceStateInsertDelete(t *testing.T) {
	orig, err := ParseTraceState("a=1,b=2")
	if err != nil {
		t.Fatal(err)
	}

	updated, err := orig.Insert("b", "3")
	if err != nil {
		t.Fatal(err)
	}
	if updated.String() != "b=3,a=1" {
		t.Errorf("Expected updated key moved to front, got %q", updated.String())
	}
	if orig.String() != "a=1,b=2" {
		t.Errorf("Expected original unchanged, got %q", orig.String())
	}

	if _, err := orig.Insert("Bad", "x"); err == nil {
		t.Error("Expected invalid key to be rejected")
	}

	deleted := updated.Delete("a")
	if deleted.String() != "b=3" {
		t.Errorf("Expected 'b=3', got %q", deleted.String())
	}
	if updated.Len() != 2 {
		t.Error("Expected Delete to leave the receiver unchanged")
	}
	if deleted.Delete("missing").String() != "b=3" {
		t.Error("Expected deleting a missing key to be a no-op")
	}
}
