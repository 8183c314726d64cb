package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/tracekit"
	"github.com/zoobzio/tracekit/exporters/console"
	"github.com/zoobzio/tracekit/exporters/otlp"
	"go.uber.org/zap"
)

// BuildOption configures Build.
type BuildOption func(*buildConfig)

type buildConfig struct {
	registerer prometheus.Registerer
	provider   []tracekit.ProviderOption
}

// WithRegisterer registers batch processor metrics when Config.Metrics
// is set.
func WithRegisterer(r prometheus.Registerer) BuildOption {
	return func(b *buildConfig) { b.registerer = r }
}

// WithProviderOptions appends provider options applied after the ones
// derived from the config.
func WithProviderOptions(opts ...tracekit.ProviderOption) BuildOption {
	return func(b *buildConfig) { b.provider = append(b.provider, opts...) }
}

// Build creates a TracerProvider from cfg. Exporters are registered in
// the order they are listed, each behind its own processor.
func Build(ctx context.Context, cfg *Config, opts ...BuildOption) (*tracekit.TracerProvider, error) {
	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var bc buildConfig
	for _, opt := range opts {
		opt(&bc)
	}

	popts := []tracekit.ProviderOption{
		tracekit.WithSampler(cfg.SamplerFromConfig()),
		tracekit.WithSpanLimits(cfg.SpanLimits()),
		tracekit.WithResource(tracekit.DefaultResource(cfg.ServiceName)),
	}

	var (
		procs   []tracekit.SpanProcessor
		batches = make(map[string]*tracekit.BatchSpanProcessor)
	)
	for i, ec := range cfg.Exporters {
		exp, err := NewExporter(ec)
		if err != nil {
			return nil, shutdownAll(ctx, procs, fmt.Errorf("exporters[%d]: %w", i, err))
		}
		if exp == nil {
			continue
		}

		if ec.Processor == ProcessorSimple {
			procs = append(procs, tracekit.NewSimpleSpanProcessor(exp,
				tracekit.WithSimpleExportTimeout(cfg.Batch.ExportTimeout)))
			continue
		}
		bsp := tracekit.NewBatchSpanProcessor(exp, cfg.BatchOptions()...)
		batches[fmt.Sprintf("%s-%d", ec.Type, i)] = bsp
		procs = append(procs, bsp)
	}

	if cfg.Metrics && bc.registerer != nil && len(batches) > 0 {
		mc := tracekit.NewMetricsCollector()
		for name, b := range batches {
			mc.Add(name, b)
		}
		if err := bc.registerer.Register(mc); err != nil {
			return nil, shutdownAll(ctx, procs, fmt.Errorf("failed to register metrics: %w", err))
		}
	}

	for _, sp := range procs {
		popts = append(popts, tracekit.WithSpanProcessor(sp))
	}
	popts = append(popts, bc.provider...)
	tp := tracekit.NewTracerProvider(popts...)
	tracekit.Logger().Debug("tracekit provider built",
		zap.String("sampler", cfg.Sampler),
		zap.Int("processors", len(procs)),
	)
	return tp, nil
}

func shutdownAll(ctx context.Context, procs []tracekit.SpanProcessor, cause error) error {
	errs := []error{cause}
	for i := len(procs) - 1; i >= 0; i-- {
		errs = append(errs, procs[i].Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// NewExporter creates the exporter described by ec. It returns nil for
// the "none" type.
func NewExporter(ec ExporterConfig) (tracekit.SpanExporter, error) {
	switch ec.Type {
	case ExporterConsole:
		return console.New(), nil
	case ExporterMemory:
		return tracekit.NewInMemoryExporter(), nil
	case ExporterNone:
		return nil, nil
	case ExporterOTLP:
		var opts []otlp.Option
		if ec.Endpoint != "" {
			opts = append(opts, otlp.WithEndpoint(ec.Endpoint))
		}
		if len(ec.Headers) > 0 {
			opts = append(opts, otlp.WithHeaders(ec.Headers))
		}
		exp, err := otlp.New(opts...)
		if err != nil {
			return nil, err
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, ec.Type)
	}
}
