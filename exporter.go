package otelapis

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ExporterOption configures the SDK exporters.
type ExporterOption func(*exporterConfig)

type exporterConfig struct {
	retry       *RetryPolicy
	callOptions []CallOption
	temporality metric.TemporalitySelector
	aggregation metric.AggregationSelector
	logger      zerolog.Logger
}

func defaultExporterConfig() *exporterConfig {
	return &exporterConfig{
		temporality: metric.DefaultTemporalitySelector,
		aggregation: metric.DefaultAggregationSelector,
		logger:      zerolog.Nop(),
	}
}

// WithExporterRetry retries Unavailable exports with policy. By default
// exports are attempted once.
func WithExporterRetry(policy RetryPolicy) ExporterOption {
	return func(c *exporterConfig) {
		c.retry = &policy
	}
}

// WithExporterCallOptions applies per-call options to every export.
func WithExporterCallOptions(opts ...CallOption) ExporterOption {
	return func(c *exporterConfig) {
		c.callOptions = append(c.callOptions, opts...)
	}
}

// WithTemporalitySelector sets the metric temporality. The default is
// cumulative for every instrument.
func WithTemporalitySelector(sel metric.TemporalitySelector) ExporterOption {
	return func(c *exporterConfig) {
		c.temporality = sel
	}
}

// WithAggregationSelector sets the metric aggregation per instrument kind.
func WithAggregationSelector(sel metric.AggregationSelector) ExporterOption {
	return func(c *exporterConfig) {
		c.aggregation = sel
	}
}

func WithExporterLogger(logger zerolog.Logger) ExporterOption {
	return func(c *exporterConfig) {
		c.logger = logger
	}
}

// exporter is the part shared by the three SDK exporters. After Shutdown
// exports return immediately without error.
type exporter struct {
	client *Client
	cfg    *exporterConfig

	mu       sync.Mutex
	shutdown bool
}

func newExporter(c *Client, opts []ExporterOption) (*exporter, error) {
	if c == nil {
		return nil, ErrNilClient
	}
	cfg := defaultExporterConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &exporter{client: c, cfg: cfg}, nil
}

func (e *exporter) isShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// send runs call, retrying when configured. Partially rejected exports are
// logged and reported as success since retrying cannot fix them.
func (e *exporter) send(ctx context.Context, signal Signal, call func(context.Context) error) error {
	ctx = e.cfg.logger.WithContext(ctx)

	var err error
	if e.cfg.retry != nil {
		err = Retry(ctx, *e.cfg.retry, call)
	} else {
		err = call(ctx)
	}

	var partial *PartialSuccessError
	if errors.As(err, &partial) {
		e.cfg.logger.Warn().
			Str("signal", string(signal)).
			Int64("rejected", partial.Rejected).
			Str("message", partial.Message).
			Msg("Export partially rejected")
		return nil
	}
	return err
}

// Shutdown stops the exporter. The client is owned by the caller and stays
// open.
func (e *exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()
	return ctx.Err()
}

// ForceFlush is a no-op: exports are sent synchronously.
func (e *exporter) ForceFlush(ctx context.Context) error {
	return ctx.Err()
}

// SpanExporter sends spans through the trace service stub.
// It implements [sdktrace.SpanExporter].
type SpanExporter struct {
	*exporter
}

var _ sdktrace.SpanExporter = (*SpanExporter)(nil)

func NewSpanExporter(c *Client, opts ...ExporterOption) (*SpanExporter, error) {
	e, err := newExporter(c, opts)
	if err != nil {
		return nil, err
	}
	return &SpanExporter{e}, nil
}

func (e *SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 || e.isShutdown() {
		return nil
	}
	req := spansRequest(spans)
	return e.send(ctx, SignalTraces, func(ctx context.Context) error {
		_, err := e.client.Traces().Export(ctx, req, e.cfg.callOptions...)
		return err
	})
}

// LogExporter sends log records through the logs service stub.
// It implements [sdklog.Exporter].
type LogExporter struct {
	*exporter
}

var _ sdklog.Exporter = (*LogExporter)(nil)

func NewLogExporter(c *Client, opts ...ExporterOption) (*LogExporter, error) {
	e, err := newExporter(c, opts)
	if err != nil {
		return nil, err
	}
	return &LogExporter{e}, nil
}

func (e *LogExporter) Export(ctx context.Context, records []sdklog.Record) error {
	if len(records) == 0 || e.isShutdown() {
		return nil
	}
	req := logsRequest(records)
	return e.send(ctx, SignalLogs, func(ctx context.Context) error {
		_, err := e.client.Logs().Export(ctx, req, e.cfg.callOptions...)
		return err
	})
}

// MetricExporter sends collected metrics through the metrics service stub.
// It implements [metric.Exporter].
type MetricExporter struct {
	*exporter
}

var _ metric.Exporter = (*MetricExporter)(nil)

func NewMetricExporter(c *Client, opts ...ExporterOption) (*MetricExporter, error) {
	e, err := newExporter(c, opts)
	if err != nil {
		return nil, err
	}
	return &MetricExporter{e}, nil
}

func (e *MetricExporter) Temporality(kind metric.InstrumentKind) metricdata.Temporality {
	return e.cfg.temporality(kind)
}

func (e *MetricExporter) Aggregation(kind metric.InstrumentKind) metric.Aggregation {
	return e.cfg.aggregation(kind)
}

func (e *MetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if e.isShutdown() {
		return nil
	}
	req := metricsRequest(rm)
	if len(req.ResourceMetrics) == 0 {
		return nil
	}
	return e.send(ctx, SignalMetrics, func(ctx context.Context) error {
		_, err := e.client.Metrics().Export(ctx, req, e.cfg.callOptions...)
		return err
	})
}
