package tracekit

import (
	"sync"
)

// globalState holds the process-wide singletons behind a single lock.
// Each value is constructed on first use and can be replaced for tests
// with ResetGlobals.
type globalState struct {
	provider   *TracerProvider
	propagator TextMapPropagator
	hook       *errorHook
	mu         sync.Mutex
}

var globals = &globalState{}

func (g *globalState) errors() *errorHook {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hook == nil {
		g.hook = newErrorHook()
	}
	return g.hook
}

// GetTracerProvider returns the global provider, creating a default one
// (always-on sampler, no processors) on first use.
func GetTracerProvider() *TracerProvider {
	globals.mu.Lock()
	defer globals.mu.Unlock()
	if globals.provider == nil {
		globals.provider = NewTracerProvider()
	}
	return globals.provider
}

// SetTracerProvider replaces the global provider. The previous provider
// is not shut down.
func SetTracerProvider(tp *TracerProvider) {
	globals.mu.Lock()
	defer globals.mu.Unlock()
	globals.provider = tp
}

// GetTextMapPropagator returns the global propagator, W3C trace context
// by default.
func GetTextMapPropagator() TextMapPropagator {
	globals.mu.Lock()
	defer globals.mu.Unlock()
	if globals.propagator == nil {
		globals.propagator = TraceContext{}
	}
	return globals.propagator
}

// SetTextMapPropagator replaces the global propagator.
func SetTextMapPropagator(p TextMapPropagator) {
	globals.mu.Lock()
	defer globals.mu.Unlock()
	globals.propagator = p
}

// ResetGlobals drops the global provider, propagator, logger and error
// handler. Intended for tests.
func ResetGlobals() {
	globals.mu.Lock()
	defer globals.mu.Unlock()
	globals.provider = nil
	globals.propagator = nil
	globals.hook = nil
}
