package tracekit

import (
	crand "crypto/rand"
	"math/rand/v2"
	"runtime"
	"sync"
)

// IDPool keeps a buffer of pre-generated IDs to amortize crypto/rand overhead.
type IDPool[T any] struct {
	factory func() T
	ids     chan T
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a new ID pool with the specified capacity.
func NewIDPool[T any](capacity int, factory func() T) *IDPool[T] {
	pool := &IDPool[T]{
		ids:     make(chan T, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	// Start background refill goroutine.
	go pool.refill()
	return pool
}

// Get retrieves an ID from the pool or generates one if pool is empty.
func (p *IDPool[T]) Get() T {
	select {
	case id := <-p.ids:
		return id
	default:
		// Pool empty, generate directly (fallback for burst load).
		return p.factory()
	}
}

func (p *IDPool[T]) refill() {
	for {
		select {
		case <-p.stopCh:
			return
		case p.ids <- p.factory():
		}
	}
}

// Close stops the refill goroutine. Get keeps working afterwards.
func (p *IDPool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}

// IDGenerator allocates trace and span ids.
type IDGenerator interface {
	NewIDs() (TraceID, SpanID)
	NewSpanID(traceID TraceID) SpanID
}

// randomIDGenerator draws ids from crypto/rand through pools.
type randomIDGenerator struct {
	traceIDs *IDPool[TraceID]
	spanIDs  *IDPool[SpanID]
}

// NewRandomIDGenerator returns the default generator. Call Close on the
// returned value (or shut the provider down) to stop its refill goroutines.
func NewRandomIDGenerator() IDGenerator {
	// Pool size based on number of CPUs for optimal contention balance.
	poolSize := runtime.NumCPU() * 100
	return &randomIDGenerator{
		traceIDs: NewIDPool(poolSize, randomTraceID),
		spanIDs:  NewIDPool(poolSize, randomSpanID),
	}
}

func (g *randomIDGenerator) NewIDs() (TraceID, SpanID) {
	return g.traceIDs.Get(), g.spanIDs.Get()
}

func (g *randomIDGenerator) NewSpanID(TraceID) SpanID {
	return g.spanIDs.Get()
}

func (g *randomIDGenerator) Close() {
	g.traceIDs.Close()
	g.spanIDs.Close()
}

func randomTraceID() TraceID {
	var t TraceID
	for !t.IsValid() {
		fillRandom(t[:])
	}
	return t
}

func randomSpanID() SpanID {
	var s SpanID
	for !s.IsValid() {
		fillRandom(s[:])
	}
	return s
}

func fillRandom(b []byte) {
	if _, err := crand.Read(b); err == nil {
		return
	}
	// crypto/rand failed; fall back to the runtime-seeded generator.
	for i := range b {
		b[i] = byte(rand.Uint32())
	}
}
