// Package chitrace traces HTTP requests served by a chi router.
//
//	r := chi.NewRouter()
//	r.Use(chitrace.Middleware())
//
// Each request gets a server span named after the matched route, with
// the parent extracted from the incoming headers.
package chitrace

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/zoobzio/tracekit"
	"github.com/zoobzio/tracekit/instrumentation"
	"go.opentelemetry.io/otel/attribute"
)

// ScopeName is the instrumentation scope of spans created here.
const ScopeName = "github.com/zoobzio/tracekit/instrumentation/chitrace"

// Attribute keys set on server spans.
const (
	RouteKey      attribute.Key = "http.route"
	MethodKey     attribute.Key = "http.request.method"
	StatusCodeKey attribute.Key = "http.response.status_code"
	URLPathKey    attribute.Key = "url.path"
)

var (
	installedProvider atomic.Pointer[tracekit.TracerProvider]
	installedSkip     atomic.Pointer[[]string]
)

type config struct {
	provider   *tracekit.TracerProvider
	propagator tracekit.TextMapPropagator
	skip       []string
}

// Option configures the middleware.
type Option func(*config)

// WithTracerProvider sets the provider. The default is the provider
// given to Install, or the global provider.
func WithTracerProvider(tp *tracekit.TracerProvider) Option {
	return func(c *config) { c.provider = tp }
}

// WithPropagator sets the propagator. The default is the global one.
func WithPropagator(p tracekit.TextMapPropagator) Option {
	return func(c *config) { c.propagator = p }
}

// WithSkipPaths disables tracing for requests whose path starts with
// one of prefixes, such as health checks.
func WithSkipPaths(prefixes ...string) Option {
	return func(c *config) { c.skip = append(c.skip, prefixes...) }
}

// Middleware returns chi-compatible middleware.
func Middleware(opts ...Option) func(http.Handler) http.Handler {
	var cfg config
	if p := installedSkip.Load(); p != nil {
		cfg.skip = append(cfg.skip, *p...)
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.skipped(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			prop := cfg.propagator
			if prop == nil {
				prop = tracekit.GetTextMapPropagator()
			}
			ctx := prop.Extract(r.Context(), tracekit.HeaderCarrier(r.Header))
			ctx = tracekit.WithStrand(ctx, tracekit.NewStrand())

			tracer := cfg.tracerProvider().Tracer(ScopeName, tracekit.WithInstrumentationVersion(tracekit.Version))
			serve := func(ctx context.Context, span *tracekit.Span) error {
				ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
				next.ServeHTTP(ww, r.WithContext(ctx))

				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				span.SetAttributes(StatusCodeKey.Int(status))
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if route := rctx.RoutePattern(); route != "" {
						span.SetName(r.Method + " " + route)
						span.SetAttributes(RouteKey.String(route))
					}
				}
				if status >= http.StatusInternalServerError {
					span.SetStatus(tracekit.StatusError, http.StatusText(status))
				}
				return nil
			}
			_ = tracer.InSpan(ctx, r.Method, serve,
				tracekit.WithSpanKind(tracekit.SpanKindServer),
				tracekit.WithAttributes(
					MethodKey.String(r.Method),
					URLPathKey.String(r.URL.Path),
				),
			)
		})
	}
}

func (c *config) tracerProvider() *tracekit.TracerProvider {
	if c.provider != nil {
		return c.provider
	}
	if tp := installedProvider.Load(); tp != nil {
		return tp
	}
	return tracekit.GetTracerProvider()
}

func (c *config) skipped(path string) bool {
	for _, p := range c.skip {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

type chiInstrumentation struct{}

// Instrumentation returns the registry adapter for chi. Install makes
// tp the default provider for Middleware. The config key "skip_paths"
// takes a comma separated list of path prefixes.
func Instrumentation() instrumentation.Instrumentation {
	return chiInstrumentation{}
}

func (chiInstrumentation) Name() string { return "chi" }

func (chiInstrumentation) Install(tp *tracekit.TracerProvider, cfg instrumentation.Config) error {
	installedProvider.Store(tp)
	if raw := cfg.Get("skip_paths", ""); raw != "" {
		var skip []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				skip = append(skip, p)
			}
		}
		installedSkip.Store(&skip)
	}
	return nil
}
