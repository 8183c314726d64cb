// Package instrumentation defines the contract that library adapters
// implement and a registry that installs them once at startup.
//
// Adapters only use the public tracekit surface: Tracer.Start/InSpan,
// Strand Attach/Detach/Current, and propagator Inject/Extract.
package instrumentation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zoobzio/tracekit"
	"go.uber.org/zap"
)

// Config carries adapter-specific settings. Keys are defined by each
// adapter.
type Config map[string]string

// Get returns the value for key, or def when absent.
func (c Config) Get(key, def string) string {
	if v, ok := c[key]; ok {
		return v
	}
	return def
}

// Instrumentation is one library adapter.
type Instrumentation interface {
	// Name identifies the adapter, e.g. "chi".
	Name() string
	// Install wires the adapter to tp. It is called at most once per
	// registry.
	Install(tp *tracekit.TracerProvider, cfg Config) error
}

var (
	// ErrDuplicate is returned when registering a name twice.
	ErrDuplicate = errors.New("instrumentation: already registered")
	// ErrUnknown is returned when installing a name nobody registered.
	ErrUnknown = errors.New("instrumentation: not registered")
)

// Registry holds adapters by name.
// Safe for concurrent use by multiple goroutines.
type Registry struct {
	entries   map[string]Instrumentation
	installed map[string]bool
	mu        sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]Instrumentation),
		installed: make(map[string]bool),
	}
}

// Register adds inst.
func (r *Registry) Register(inst Instrumentation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := inst.Name()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.entries[name] = inst
	return nil
}

// Names lists registered adapters in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Installed reports whether name has been installed.
func (r *Registry) Installed(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installed[name]
}

// Install installs one adapter. Installing an adapter twice is a no-op.
// A panicking adapter is recovered and returned as an error.
func (r *Registry) Install(tp *tracekit.TracerProvider, name string, cfg Config) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	if r.installed[name] {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("instrumentation %s: panic during install: %v", name, rec)
		}
	}()
	if err := inst.Install(tp, cfg); err != nil {
		return fmt.Errorf("instrumentation %s: %w", name, err)
	}
	r.installed[name] = true
	tracekit.Logger().Debug("instrumentation installed", zap.String("name", name))
	return nil
}

// InstallAll installs every registered adapter with its entry in cfgs.
// Failures do not stop the remaining adapters; they are joined.
func (r *Registry) InstallAll(tp *tracekit.TracerProvider, cfgs map[string]Config) error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Install(tp, name, cfgs[name]); err != nil {
			tracekit.Handle(err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var defaultRegistry = NewRegistry()

// Register adds inst to the default registry.
func Register(inst Instrumentation) error {
	return defaultRegistry.Register(inst)
}

// InstallAll installs every adapter in the default registry.
func InstallAll(tp *tracekit.TracerProvider, cfgs map[string]Config) error {
	return defaultRegistry.InstallAll(tp, cfgs)
}

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}
