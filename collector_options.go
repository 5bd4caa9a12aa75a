package otelapis

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
)

// CollectorOption configures a [Collector].
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	address        string
	manifest       *Manifest
	features       []string
	accepted       []string
	acceptedSet    bool
	logsHandler    LogsHandler
	metricsHandler MetricsHandler
	traceHandler   TraceHandler
	backlogSize    int
	maxRecvMsgSize int
	rateLimit      rate.Limit
	rateBurst      int
	health         bool
	telemetry      []otelgrpc.Option
	withTelemetry  bool
	serverOptions  []grpc.ServerOption
	meterProvider  metric.MeterProvider
	logger         zerolog.Logger
}

func defaultCollectorConfig() *collectorConfig {
	return &collectorConfig{
		address:        defaultCollectorAddress,
		manifest:       DefaultManifest(),
		backlogSize:    defaultBacklogSize,
		maxRecvMsgSize: defaultMaxRecvMsgSize,
		rateLimit:      rate.Inf,
		health:         true,
		meterProvider:  noop.NewMeterProvider(),
		logger:         zerolog.Nop(),
	}
}

// WithAddress sets the listen address used by ListenAndServe.
// The default is "localhost:4317".
func WithAddress(addr string) CollectorOption {
	return func(c *collectorConfig) {
		c.address = addr
	}
}

// WithFeatures selects which collector services are registered. The
// default is the manifest default (all three signals).
func WithFeatures(names ...string) CollectorOption {
	return func(c *collectorConfig) {
		c.features = names
	}
}

// WithManifest replaces the built-in feature manifest.
func WithManifest(m *Manifest) CollectorOption {
	return func(c *collectorConfig) {
		c.manifest = m
	}
}

// WithAcceptedCompression restricts the request encodings the collector
// accepts. Requests using any other encoding fail with Unavailable before
// the handler runs. Identity is always accepted. By default every
// registered compressor is accepted.
func WithAcceptedCompression(names ...string) CollectorOption {
	return func(c *collectorConfig) {
		c.accepted = names
		c.acceptedSet = true
	}
}

// WithLogsHandler serves logs with h instead of forwarding to Events.
func WithLogsHandler(h LogsHandler) CollectorOption {
	return func(c *collectorConfig) {
		c.logsHandler = h
	}
}

// WithMetricsHandler serves metrics with h instead of forwarding to Events.
func WithMetricsHandler(h MetricsHandler) CollectorOption {
	return func(c *collectorConfig) {
		c.metricsHandler = h
	}
}

// WithTraceHandler serves traces with h instead of forwarding to Events.
func WithTraceHandler(h TraceHandler) CollectorOption {
	return func(c *collectorConfig) {
		c.traceHandler = h
	}
}

// WithBacklogSize sets the number of forwarded events buffered before
// exports block. The default is 100.
func WithBacklogSize(n int) CollectorOption {
	return func(c *collectorConfig) {
		c.backlogSize = n
	}
}

// WithMaxRecvMsgSize sets the largest accepted request in bytes.
// The default is 16 MiB.
func WithMaxRecvMsgSize(n int) CollectorOption {
	return func(c *collectorConfig) {
		c.maxRecvMsgSize = n
	}
}

// WithRateLimit caps accepted requests per second across all services.
// Requests over the limit fail with Unavailable.
func WithRateLimit(limit rate.Limit, burst int) CollectorOption {
	return func(c *collectorConfig) {
		c.rateLimit = limit
		c.rateBurst = burst
	}
}

// WithHealth toggles the grpc health service. It is enabled by default.
func WithHealth(enabled bool) CollectorOption {
	return func(c *collectorConfig) {
		c.health = enabled
	}
}

// WithServerTelemetry instruments the server with an otelgrpc stats
// handler.
func WithServerTelemetry(opts ...otelgrpc.Option) CollectorOption {
	return func(c *collectorConfig) {
		c.withTelemetry = true
		c.telemetry = opts
	}
}

// WithServerOptions appends raw grpc server options.
func WithServerOptions(opts ...grpc.ServerOption) CollectorOption {
	return func(c *collectorConfig) {
		c.serverOptions = append(c.serverOptions, opts...)
	}
}

// WithMeterProvider records ingest metrics with mp. The default records
// nothing.
func WithMeterProvider(mp metric.MeterProvider) CollectorOption {
	return func(c *collectorConfig) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithLogger sets the collector logger. The default discards everything.
func WithLogger(l zerolog.Logger) CollectorOption {
	return func(c *collectorConfig) {
		c.logger = l
	}
}
