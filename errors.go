package tracekit

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrorHandler receives errors that the tracing runtime swallowed to
// keep the host application running.
type ErrorHandler interface {
	Handle(err error)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(err error)

// Handle calls f(err).
func (f ErrorHandlerFunc) Handle(err error) { f(err) }

// errorHook is the process-wide error reporting hook. Errors are logged
// through zap (rate limited so drop storms cannot flood the log) and then
// passed to the optional user handler.
type errorHook struct {
	logger  *zap.Logger
	handler ErrorHandler
	limiter *rate.Limiter
	mu      sync.RWMutex
}

func newErrorHook() *errorHook {
	return &errorHook{
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (h *errorHook) handle(err error) {
	h.mu.RLock()
	logger := h.logger
	handler := h.handler
	h.mu.RUnlock()

	if logger == nil {
		logger = zap.L()
	}
	if h.limiter.Allow() {
		logger.Warn("tracekit: internal error", zap.Error(err))
	}
	if handler != nil {
		handler.Handle(err)
	}
}

// Handle reports err through the global error hook.
func Handle(err error) {
	if err == nil {
		return
	}
	globals.errors().handle(err)
}

// SetErrorHandler installs the callback invoked for every reported error.
// Passing nil removes it.
func SetErrorHandler(h ErrorHandler) {
	hook := globals.errors()
	hook.mu.Lock()
	defer hook.mu.Unlock()
	hook.handler = h
}

// SetLogger replaces the logger used by the error hook.
// By default the zap global logger is used.
func SetLogger(l *zap.Logger) {
	hook := globals.errors()
	hook.mu.Lock()
	defer hook.mu.Unlock()
	hook.logger = l
}

// Logger returns the logger used by the error hook.
func Logger() *zap.Logger {
	hook := globals.errors()
	hook.mu.RLock()
	defer hook.mu.RUnlock()
	if hook.logger == nil {
		return zap.L()
	}
	return hook.logger
}

// recoverTo converts a recovered panic into an error and reports it.
// Use as: defer recoverTo("processor OnEnd").
func recoverTo(where string) {
	if r := recover(); r != nil {
		Handle(panicError(where, r))
	}
}

func panicError(where string, r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("tracekit: panic in %s: %w", where, err)
	}
	return fmt.Errorf("tracekit: panic in %s: %v", where, r)
}
