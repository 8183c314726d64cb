// Package config loads tracekit settings from a YAML file and the
// environment and builds a ready TracerProvider from them.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/zoobzio/tracekit"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TRACEKIT"

// Sampler names.
const (
	SamplerAlwaysOn                = "always_on"
	SamplerAlwaysOff               = "always_off"
	SamplerTraceIDRatio            = "traceidratio"
	SamplerParentBasedAlwaysOn     = "parentbased_always_on"
	SamplerParentBasedAlwaysOff    = "parentbased_always_off"
	SamplerParentBasedTraceIDRatio = "parentbased_traceidratio"
)

// Exporter and processor names.
const (
	ExporterConsole = "console"
	ExporterOTLP    = "otlp"
	ExporterMemory  = "memory"
	ExporterNone    = "none"

	ProcessorBatch  = "batch"
	ProcessorSimple = "simple"
)

// Config holds all tracing configuration.
type Config struct {
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME"`

	Sampler    string  `yaml:"sampler" envconfig:"SAMPLER"`
	SamplerArg float64 `yaml:"sampler_arg" envconfig:"SAMPLER_ARG"`

	Batch  BatchConfig  `yaml:"batch" envconfig:"BSP"`
	Limits LimitsConfig `yaml:"limits" envconfig:"SPAN"`

	// Exporters are registered in order.
	Exporters []ExporterConfig `yaml:"exporters" ignored:"true"`

	// ExporterNames replaces Exporters when set from the environment,
	// e.g. TRACEKIT_EXPORTERS=console,otlp. Each uses the batch processor.
	ExporterNames []string `yaml:"-" envconfig:"EXPORTERS"`
	OTLPEndpoint  string   `yaml:"-" envconfig:"OTLP_ENDPOINT"`

	// Metrics exposes batch processor counters through the registerer
	// passed to Build.
	Metrics bool `yaml:"metrics" envconfig:"METRICS"`
}

// BatchConfig holds batch span processor settings.
type BatchConfig struct {
	MaxQueueSize       int           `yaml:"max_queue_size" envconfig:"MAX_QUEUE_SIZE"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size" envconfig:"MAX_EXPORT_BATCH_SIZE"`
	ScheduleDelay      time.Duration `yaml:"schedule_delay" envconfig:"SCHEDULE_DELAY"`
	ExportTimeout      time.Duration `yaml:"export_timeout" envconfig:"EXPORT_TIMEOUT"`
}

// LimitsConfig holds span limits. Negative values mean unlimited.
type LimitsConfig struct {
	AttributeCountLimit         int `yaml:"attribute_count" envconfig:"ATTRIBUTE_COUNT_LIMIT"`
	AttributeValueLengthLimit   int `yaml:"attribute_value_length" envconfig:"ATTRIBUTE_VALUE_LENGTH_LIMIT"`
	EventCountLimit             int `yaml:"event_count" envconfig:"EVENT_COUNT_LIMIT"`
	LinkCountLimit              int `yaml:"link_count" envconfig:"LINK_COUNT_LIMIT"`
	AttributePerEventCountLimit int `yaml:"attribute_per_event_count" envconfig:"ATTRIBUTE_PER_EVENT_COUNT_LIMIT"`
	AttributePerLinkCountLimit  int `yaml:"attribute_per_link_count" envconfig:"ATTRIBUTE_PER_LINK_COUNT_LIMIT"`
}

// ExporterConfig describes one exporter and the processor in front of it.
type ExporterConfig struct {
	Type      string            `yaml:"type"`
	Processor string            `yaml:"processor"`
	Endpoint  string            `yaml:"endpoint"`
	Headers   map[string]string `yaml:"headers"`
}

// Default returns the default configuration: parent-based always-on
// sampling, default batch settings and no exporters.
func Default() *Config {
	l := tracekit.NewSpanLimits()
	return &Config{
		Sampler:    SamplerParentBasedAlwaysOn,
		SamplerArg: 1,
		Batch: BatchConfig{
			MaxQueueSize:       tracekit.DefaultMaxQueueSize,
			MaxExportBatchSize: tracekit.DefaultMaxExportBatchSize,
			ScheduleDelay:      tracekit.DefaultScheduleDelay,
			ExportTimeout:      tracekit.DefaultExportTimeout,
		},
		Limits: LimitsConfig{
			AttributeCountLimit:         l.AttributeCountLimit,
			AttributeValueLengthLimit:   l.AttributeValueLengthLimit,
			EventCountLimit:             l.EventCountLimit,
			LinkCountLimit:              l.LinkCountLimit,
			AttributePerEventCountLimit: l.AttributePerEventCountLimit,
			AttributePerLinkCountLimit:  l.AttributePerLinkCountLimit,
		},
	}
}

// Load reads the defaults, overlays the YAML file at path (skipped when
// path is empty), then overlays TRACEKIT_* environment variables, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	cfg.applyExporterNames()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyExporterNames() {
	if len(c.ExporterNames) == 0 {
		return
	}
	c.Exporters = c.Exporters[:0]
	for _, name := range c.ExporterNames {
		c.Exporters = append(c.Exporters, ExporterConfig{
			Type:      name,
			Processor: ProcessorBatch,
			Endpoint:  c.OTLPEndpoint,
		})
	}
}

// Validation errors.
var (
	ErrUnknownSampler   = errors.New("unknown sampler")
	ErrUnknownExporter  = errors.New("unknown exporter")
	ErrUnknownProcessor = errors.New("unknown processor")
	ErrInvalidRatio     = errors.New("sampler ratio must be within [0, 1]")
	ErrInvalidBatch     = errors.New("invalid batch settings")
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Sampler {
	case SamplerAlwaysOn, SamplerAlwaysOff, SamplerParentBasedAlwaysOn, SamplerParentBasedAlwaysOff:
	case SamplerTraceIDRatio, SamplerParentBasedTraceIDRatio:
		if c.SamplerArg < 0 || c.SamplerArg > 1 {
			return fmt.Errorf("%w: %v", ErrInvalidRatio, c.SamplerArg)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSampler, c.Sampler)
	}

	b := c.Batch
	switch {
	case b.MaxQueueSize <= 0:
		return fmt.Errorf("%w: max_queue_size must be positive", ErrInvalidBatch)
	case b.MaxExportBatchSize <= 0:
		return fmt.Errorf("%w: max_export_batch_size must be positive", ErrInvalidBatch)
	case b.MaxExportBatchSize > b.MaxQueueSize:
		return fmt.Errorf("%w: max_export_batch_size %d exceeds max_queue_size %d",
			ErrInvalidBatch, b.MaxExportBatchSize, b.MaxQueueSize)
	case b.ScheduleDelay <= 0:
		return fmt.Errorf("%w: schedule_delay must be positive", ErrInvalidBatch)
	case b.ExportTimeout <= 0:
		return fmt.Errorf("%w: export_timeout must be positive", ErrInvalidBatch)
	}

	for i, e := range c.Exporters {
		switch e.Type {
		case ExporterConsole, ExporterOTLP, ExporterMemory, ExporterNone:
		default:
			return fmt.Errorf("exporters[%d]: %w: %q", i, ErrUnknownExporter, e.Type)
		}
		switch e.Processor {
		case "", ProcessorBatch, ProcessorSimple:
		default:
			return fmt.Errorf("exporters[%d]: %w: %q", i, ErrUnknownProcessor, e.Processor)
		}
	}
	return nil
}

// SamplerFromConfig builds the configured sampler.
func (c *Config) SamplerFromConfig() tracekit.Sampler {
	switch c.Sampler {
	case SamplerAlwaysOn:
		return tracekit.AlwaysOn()
	case SamplerAlwaysOff:
		return tracekit.AlwaysOff()
	case SamplerTraceIDRatio:
		return tracekit.TraceIDRatioBased(c.SamplerArg)
	case SamplerParentBasedAlwaysOff:
		return tracekit.ParentBased(tracekit.AlwaysOff())
	case SamplerParentBasedTraceIDRatio:
		return tracekit.ParentBased(tracekit.TraceIDRatioBased(c.SamplerArg))
	default:
		return tracekit.ParentBased(tracekit.AlwaysOn())
	}
}

// SpanLimits converts the limits section.
func (c *Config) SpanLimits() tracekit.SpanLimits {
	return tracekit.SpanLimits{
		AttributeCountLimit:         c.Limits.AttributeCountLimit,
		AttributeValueLengthLimit:   c.Limits.AttributeValueLengthLimit,
		EventCountLimit:             c.Limits.EventCountLimit,
		LinkCountLimit:              c.Limits.LinkCountLimit,
		AttributePerEventCountLimit: c.Limits.AttributePerEventCountLimit,
		AttributePerLinkCountLimit:  c.Limits.AttributePerLinkCountLimit,
	}
}

// BatchOptions converts the batch section.
func (c *Config) BatchOptions() []tracekit.BatchOption {
	return []tracekit.BatchOption{
		tracekit.WithMaxQueueSize(c.Batch.MaxQueueSize),
		tracekit.WithMaxExportBatchSize(c.Batch.MaxExportBatchSize),
		tracekit.WithScheduleDelay(c.Batch.ScheduleDelay),
		tracekit.WithExportTimeout(c.Batch.ExportTimeout),
	}
}
