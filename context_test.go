package tracekit

import (
	"context"
	"sync"
	"testing"
)

// TestContextPersistence tests that deriving a context never changes
// the one it was derived from.
func TestContextPersistence(t *testing.T) {
	key := NewKey("user")
	base := Empty().WithValue(key, "alice")
	derived := base.WithValue(key, "bob")

	if got := base.Value(key); got != "alice" {
		t.Errorf("Expected base to keep 'alice', got %v", got)
	}
	if got := derived.Value(key); got != "bob" {
		t.Errorf("Expected derived to see 'bob', got %v", got)
	}
	if derived.Parent() != base {
		t.Error("Expected derived parent to be base")
	}
	if _, ok := Empty().Lookup(key); ok {
		t.Error("Expected root context to hold no values")
	}
}

// TestContextKeyIdentity tests that keys compare by identity, not name.
func TestContextKeyIdentity(t *testing.T) {
	a := NewKey("same")
	b := NewKey("same")
	c := Empty().WithValue(a, 1)

	if _, ok := c.Lookup(b); ok {
		t.Error("Expected distinct keys with equal names not to collide")
	}
	if v, ok := c.Lookup(a); !ok || v != 1 {
		t.Errorf("Expected 1, got %v (found=%v)", v, ok)
	}
	if a.String() != "same" {
		t.Errorf("Expected key name 'same', got %q", a.String())
	}
}

// TestContextNilValue tests that a nil value is distinguishable from an
// absent key.
func TestContextNilValue(t *testing.T) {
	key := NewKey("nil")
	c := Empty().WithValue(key, nil)
	v, ok := c.Lookup(key)
	if !ok || v != nil {
		t.Errorf("Expected present nil value, got %v (found=%v)", v, ok)
	}
}

// TestContextNilReceiver tests that a nil *Context behaves as the root.
func TestContextNilReceiver(t *testing.T) {
	var c *Context
	key := NewKey("k")
	if _, ok := c.Lookup(key); ok {
		t.Error("Expected nil context lookup to miss")
	}
	if c.Parent() != nil {
		t.Error("Expected nil parent for nil context")
	}
	d := c.WithValue(key, "v")
	if d.Parent() != Empty() {
		t.Error("Expected WithValue on nil to derive from the root")
	}
}

// TestContextConcurrentReads tests that a shared chain can be read and
// extended from many goroutines.
func TestContextConcurrentReads(t *testing.T) {
	key := NewKey("shared")
	shared := Empty().WithValue(key, "v")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			own := NewKey("own")
			c := shared.WithValue(own, i)
			if c.Value(key) != "v" || c.Value(own) != i {
				t.Errorf("goroutine %d saw wrong values", i)
			}
		}(i)
	}
	wg.Wait()
}

// TestFromContextFallbacks tests chain lookup order: explicit chain,
// then strand, then root.
func TestFromContextFallbacks(t *testing.T) {
	key := NewKey("k")

	if FromContext(context.Background()) != Empty() {
		t.Error("Expected root for a bare context")
	}
	//nolint:staticcheck // nil context is part of the contract
	if FromContext(nil) != Empty() {
		t.Error("Expected root for a nil context")
	}

	strand := NewStrand()
	onStrand := Empty().WithValue(key, "strand")
	tok := strand.Attach(onStrand)
	defer func() { _ = strand.Detach(tok) }()

	ctx := WithStrand(context.Background(), strand)
	if FromContext(ctx) != onStrand {
		t.Error("Expected strand's current context")
	}

	explicit := Empty().WithValue(key, "explicit")
	ctx = NewContext(ctx, explicit)
	if FromContext(ctx) != explicit {
		t.Error("Expected explicit chain to win over the strand")
	}
}
