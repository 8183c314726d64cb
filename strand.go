package tracekit

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrDetachMismatch is reported when a token is detached while a later
	// attachment is still current.
	ErrDetachMismatch = errors.New("tracekit: detach called out of order")

	// ErrForeignToken is reported when a token is detached from a strand
	// other than the one that issued it.
	ErrForeignToken = errors.New("tracekit: token belongs to another strand")
)

// Strand holds the current Context for one logical execution strand.
// Go has no goroutine-local storage, so a strand is created explicitly
// and handed down with WithStrand.
//
// A strand is meant to be driven by one goroutine at a time. The mutex
// keeps the slot consistent if that rule is broken, but overlapping
// detaches then resolve as last-token-wins.
type Strand struct {
	current *Context
	seq     uint64
	mu      sync.Mutex
}

// Token records one Attach so the previous context can be restored.
type Token struct {
	strand   *Strand
	prev     *Context
	attached *Context
	seq      uint64
}

// NewStrand creates a strand whose current context is the root.
func NewStrand() *Strand {
	return &Strand{current: rootContext}
}

// Current returns the strand's current context. Never nil.
func (s *Strand) Current() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Attach makes c the current context and returns a token for Detach.
func (s *Strand) Attach(c *Context) Token {
	if c == nil {
		c = rootContext
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	tok := Token{strand: s, prev: s.current, attached: c, seq: s.seq}
	s.current = c
	return tok
}

// Detach restores the context that was current when t was issued.
// An out-of-order or foreign token is reported and returned as an error,
// but the restore still happens so the strand never stays corrupted.
func (s *Strand) Detach(t Token) error {
	if t.strand != s {
		Handle(ErrForeignToken)
		return ErrForeignToken
	}

	s.mu.Lock()
	var err error
	if s.current != t.attached || s.seq != t.seq {
		err = ErrDetachMismatch
	}
	s.current = t.prev
	s.seq = t.seq - 1
	s.mu.Unlock()

	if err != nil {
		Handle(err)
	}
	return err
}

// Do runs fn with c attached, restoring the previous context on every
// exit path including panics.
func (s *Strand) Do(c *Context, fn func() error) error {
	tok := s.Attach(c)
	defer func() { _ = s.Detach(tok) }()
	return fn()
}

type strandKeyType struct{}

var strandKey strandKeyType

// WithStrand returns a copy of ctx carrying s.
func WithStrand(ctx context.Context, s *Strand) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, strandKey, s)
}

// StrandFromContext returns the strand carried by ctx, or nil.
func StrandFromContext(ctx context.Context) *Strand {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(strandKey).(*Strand)
	return s
}
