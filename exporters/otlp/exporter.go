// Package otlp exports spans to an OTLP/gRPC collector.
//
// Failed exports are retried with exponential backoff while the error is
// transient and the caller's deadline allows it.
package otlp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zoobzio/tracekit"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // registers the gzip compressor
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DefaultEndpoint is the standard OTLP/gRPC collector address.
const DefaultEndpoint = "localhost:4317"

// RetryConfig controls retries of transient export failures.
type RetryConfig struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig retries for up to a minute, bounded by the export
// deadline.
var DefaultRetryConfig = RetryConfig{
	Enabled:         true,
	InitialInterval: 5 * time.Second,
	MaxInterval:     30 * time.Second,
	MaxElapsedTime:  time.Minute,
}

type config struct {
	endpoint   string
	headers    map[string]string
	creds      credentials.TransportCredentials
	dialOpts   []grpc.DialOption
	conn       *grpc.ClientConn
	compressor string
	retry      RetryConfig
	logger     *zap.Logger
}

// Option configures an Exporter.
type Option func(*config)

// WithEndpoint sets the collector address.
func WithEndpoint(endpoint string) Option {
	return func(c *config) { c.endpoint = endpoint }
}

// WithHeaders adds gRPC metadata to every export.
func WithHeaders(headers map[string]string) Option {
	return func(c *config) {
		if c.headers == nil {
			c.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithTLSCredentials enables TLS. Connections are plaintext otherwise.
func WithTLSCredentials(creds credentials.TransportCredentials) Option {
	return func(c *config) { c.creds = creds }
}

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *config) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithGRPCConn uses an existing connection. The exporter does not close
// it on Shutdown.
func WithGRPCConn(conn *grpc.ClientConn) Option {
	return func(c *config) { c.conn = conn }
}

// WithCompressor sets the gRPC compressor, e.g. "gzip".
func WithCompressor(name string) Option {
	return func(c *config) { c.compressor = name }
}

// WithRetry replaces the retry policy.
func WithRetry(rc RetryConfig) Option {
	return func(c *config) { c.retry = rc }
}

// WithLogger sets the logger. The default is tracekit.Logger().
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Exporter sends spans to a collector's TraceService.
// Safe for concurrent use by multiple goroutines.
type Exporter struct {
	cfg      config
	conn     *grpc.ClientConn
	client   coltracepb.TraceServiceClient
	ownsConn bool

	// stopCtx is cancelled by Shutdown and aborts running exports.
	stopCtx context.Context
	stop    context.CancelFunc

	// mu orders stopped against inflight.Add.
	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

var _ tracekit.SpanExporter = (*Exporter)(nil)

// New creates an exporter. The connection is established lazily by gRPC,
// so New does not fail when the collector is down.
func New(opts ...Option) (*Exporter, error) {
	cfg := config{
		endpoint: DefaultEndpoint,
		retry:    DefaultRetryConfig,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = tracekit.Logger()
	}

	e := &Exporter{cfg: cfg}
	e.stopCtx, e.stop = context.WithCancel(context.Background())
	if cfg.conn != nil {
		e.conn = cfg.conn
	} else {
		creds := cfg.creds
		if creds == nil {
			creds = insecure.NewCredentials()
		}
		dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, cfg.dialOpts...)
		conn, err := grpc.NewClient(cfg.endpoint, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp: dial %s: %w", cfg.endpoint, err)
		}
		e.conn = conn
		e.ownsConn = true
	}
	e.client = coltracepb.NewTraceServiceClient(e.conn)
	return e, nil
}

// ExportSpans sends spans in one request, retrying transient failures
// until ctx expires or the exporter is shut down.
func (e *Exporter) ExportSpans(ctx context.Context, spans []tracekit.SpanData) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return tracekit.ErrExporterShutdown
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	if len(spans) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(e.stopCtx, cancel)()

	req := &coltracepb.ExportTraceServiceRequest{ResourceSpans: ResourceSpans(spans)}
	if len(e.cfg.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(e.cfg.headers))
	}
	var callOpts []grpc.CallOption
	if e.cfg.compressor != "" {
		callOpts = append(callOpts, grpc.UseCompressor(e.cfg.compressor))
	}

	operation := func() error {
		resp, err := e.client.Export(ctx, req, callOpts...)
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			e.cfg.logger.Debug("otlp export attempt failed", zap.Error(err))
			return err
		}
		if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedSpans() > 0 {
			tracekit.Handle(fmt.Errorf("otlp: collector rejected %d spans: %s",
				ps.GetRejectedSpans(), ps.GetErrorMessage()))
		}
		return nil
	}

	var err error
	if !e.cfg.retry.Enabled {
		err = unwrapPermanent(operation())
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = e.cfg.retry.InitialInterval
		b.MaxInterval = e.cfg.retry.MaxInterval
		b.MaxElapsedTime = e.cfg.retry.MaxElapsedTime
		if err = backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
			err = fmt.Errorf("otlp: export %d spans: %w", len(spans), err)
		}
	}
	if err != nil && e.stopCtx.Err() != nil {
		return fmt.Errorf("%w: %w", tracekit.ErrExporterShutdown, err)
	}
	return err
}

// Shutdown stops new exports, aborts running ones and waits for them to
// return, bounded by ctx. It then closes the connection the exporter
// created. Later calls are no-ops.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()
	e.stop()

	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()

	var waitErr error
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = fmt.Errorf("otlp: waiting for running exports: %w", ctx.Err())
	}
	if !e.ownsConn {
		return waitErr
	}
	if err := e.conn.Close(); err != nil {
		return errors.Join(waitErr, fmt.Errorf("otlp: close connection: %w", err))
	}
	return waitErr
}

// retryable reports whether a gRPC error is worth another attempt.
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.OutOfRange,
		codes.DeadlineExceeded,
		codes.Canceled:
		return true
	default:
		return false
	}
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
