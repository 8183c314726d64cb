package tracekit

import (
	"context"
)

// Key identifies a value stored in a Context.
// Keys compare by identity: two keys created with the same name are distinct.
type Key struct {
	name string
}

// NewKey creates a new unique key. The name is only used for display.
func NewKey(name string) *Key {
	return &Key{name: name}
}

// String returns the display name of the key.
func (k *Key) String() string {
	if k == nil {
		return "<nil>"
	}
	return k.name
}

// Context is an immutable chain of key/value entries.
// Each node wraps its parent plus exactly one entry; a node is never
// mutated after construction, so a *Context may be shared freely
// across goroutines.
type Context struct {
	parent *Context
	key    *Key
	value  any
}

var rootContext = &Context{}

// Empty returns the root context.
func Empty() *Context {
	return rootContext
}

// WithValue returns a new context layering key=value on top of c.
// A nil receiver is treated as the root context.
func (c *Context) WithValue(key *Key, value any) *Context {
	if c == nil {
		c = rootContext
	}
	return &Context{parent: c, key: key, value: value}
}

// Lookup walks the chain from c towards the root and returns the
// nearest value bound to key.
func (c *Context) Lookup(key *Key) (any, bool) {
	if key == nil {
		return nil, false
	}
	for n := c; n != nil; n = n.parent {
		if n.key == key {
			return n.value, true
		}
	}
	return nil, false
}

// Value returns the nearest value bound to key, or nil when absent.
func (c *Context) Value(key *Key) any {
	v, _ := c.Lookup(key)
	return v
}

// Parent returns the context c was derived from, or nil for the root.
func (c *Context) Parent() *Context {
	if c == nil {
		return nil
	}
	return c.parent
}

// chainKeyType is a private type for context keys to avoid collisions.
type chainKeyType struct{}

var chainKey chainKeyType

// NewContext returns a copy of ctx carrying the chain c.
func NewContext(ctx context.Context, c *Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, chainKey, c)
}

// FromContext returns the chain carried by ctx. When ctx carries no chain
// the current context of its strand is used, and failing that the root.
func FromContext(ctx context.Context) *Context {
	if ctx == nil {
		return rootContext
	}
	if c, ok := ctx.Value(chainKey).(*Context); ok && c != nil {
		return c
	}
	if s := StrandFromContext(ctx); s != nil {
		return s.Current()
	}
	return rootContext
}
