package otelapis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/status"

	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	collectorMethodPrefix = "/opentelemetry.proto.collector."
	meterName             = "github.com/mikluko/otelapis"
)

// Collector serves the enabled OTLP collector services on a single gRPC
// server. Services without a handler forward requests to [Collector.Events].
type Collector struct {
	cfg       *collectorConfig
	res       Resolution
	services  []string
	server    *grpc.Server
	health    *health.Server
	forwarder *Forwarder
	logger    zerolog.Logger
	requests  metric.Int64Counter
	backlog   metric.Registration

	mu      sync.Mutex
	lis     net.Listener
	stopped bool
}

// NewCollector builds a collector. At least one collector service must be
// enabled by the selected features.
func NewCollector(opts ...CollectorOption) (*Collector, error) {
	cfg := defaultCollectorConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.manifest == nil {
		cfg.manifest = DefaultManifest()
	}

	res, err := cfg.manifest.Resolve(cfg.features...)
	if err != nil {
		return nil, err
	}
	var services []string
	for _, name := range []string{ServiceNameLogs, ServiceNameMetrics, ServiceNameTraces} {
		if res.HasService(name) {
			services = append(services, name)
		}
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: no collector service in %s", ErrNoFeatures, strings.Join(res.Features, ", "))
	}

	c := &Collector{
		cfg:       cfg,
		res:       res,
		services:  services,
		forwarder: NewForwarder(cfg.backlogSize),
		logger:    cfg.logger.With().Str("component", "collector").Logger(),
	}
	if err := c.initMetrics(cfg.meterProvider.Meter(meterName)); err != nil {
		return nil, err
	}
	c.server = grpc.NewServer(c.serverOptions()...)

	if res.HasService(ServiceNameLogs) {
		svc := c.forwarder.LogsService()
		if cfg.logsHandler != nil {
			svc = NewLogsService(cfg.logsHandler)
		}
		collectorlogspb.RegisterLogsServiceServer(c.server, svc)
	}
	if res.HasService(ServiceNameMetrics) {
		svc := c.forwarder.MetricsService()
		if cfg.metricsHandler != nil {
			svc = NewMetricsService(cfg.metricsHandler)
		}
		collectormetricspb.RegisterMetricsServiceServer(c.server, svc)
	}
	if res.HasService(ServiceNameTraces) {
		svc := c.forwarder.TraceService()
		if cfg.traceHandler != nil {
			svc = NewTraceService(cfg.traceHandler)
		}
		collectortracepb.RegisterTraceServiceServer(c.server, svc)
	}

	if cfg.health {
		c.health = health.NewServer()
		healthpb.RegisterHealthServer(c.server, c.health)
		for _, name := range services {
			c.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
		}
	}
	return c, nil
}

// initMetrics creates the ingest instruments: a request counter by method
// and status code, and a gauge of events waiting in the backlog.
func (c *Collector) initMetrics(meter metric.Meter) error {
	var err error
	c.requests, err = meter.Int64Counter("otelapis.collector.requests",
		metric.WithDescription("Export requests handled by the collector."),
		metric.WithUnit("{request}"))
	if err != nil {
		return fmt.Errorf("otelapis: create request counter: %w", err)
	}

	gauge, err := meter.Int64ObservableGauge("otelapis.collector.backlog",
		metric.WithDescription("Forwarded events not yet consumed."),
		metric.WithUnit("{event}"))
	if err != nil {
		return fmt.Errorf("otelapis: create backlog gauge: %w", err)
	}
	c.backlog, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(c.forwarder.Len()))
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("otelapis: register backlog callback: %w", err)
	}
	return nil
}

func (c *Collector) serverOptions() []grpc.ServerOption {
	interceptors := []grpc.UnaryServerInterceptor{
		loggingInterceptor(c.logger),
		metricsInterceptor(c.requests),
	}
	opts := []grpc.ServerOption{grpc.MaxRecvMsgSize(c.cfg.maxRecvMsgSize)}

	if c.cfg.acceptedSet {
		opts = append(opts, grpc.StatsHandler(encodingStatsHandler{}))
		interceptors = append(interceptors, acceptCompressionInterceptor(c.cfg.accepted))
	}
	if c.cfg.rateLimit != rate.Inf {
		interceptors = append(interceptors, rateLimitInterceptor(rate.NewLimiter(c.cfg.rateLimit, c.cfg.rateBurst)))
	}
	if c.cfg.withTelemetry {
		opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler(c.cfg.telemetry...)))
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(interceptors...))
	return append(opts, c.cfg.serverOptions...)
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
		return resp, err
	}
}

func metricsInterceptor(counter metric.Int64Counter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rpc.method", info.FullMethod),
			attribute.String("rpc.grpc.status_code", status.Code(err).String()),
		))
		return resp, err
	}
}

func rateLimitInterceptor(limiter *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, collectorMethodPrefix) && !limiter.Allow() {
			return nil, status.Error(codes.Unavailable, "ingest rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

// Services returns the fully-qualified names of the registered collector
// services.
func (c *Collector) Services() []string {
	return c.services
}

// Resolution returns the feature resolution the collector was built from.
func (c *Collector) Resolution() Resolution {
	return c.res
}

// Events streams forwarded requests. The stream ends after Shutdown once
// the backlog is drained.
func (c *Collector) Events() *Stream[Event] {
	return c.forwarder.Events()
}

// Addr returns the listener address, or nil before Serve.
func (c *Collector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lis == nil {
		return nil
	}
	return c.lis.Addr()
}

// Serve accepts connections on lis until Shutdown.
func (c *Collector) Serve(lis net.Listener) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrCollectorStopped
	}
	c.lis = lis
	c.mu.Unlock()

	c.logger.Info().
		Str("address", lis.Addr().String()).
		Strs("services", c.services).
		Msg("Collector serving")

	err := c.server.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled, then shuts down gracefully.
func (c *Collector) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", c.cfg.address)
	if err != nil {
		return fmt.Errorf("otelapis: listen on %s: %w", c.cfg.address, err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- c.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

// Shutdown stops accepting requests and waits for in-flight calls. If ctx
// ends first, remaining calls are cancelled and ctx.Err() is returned.
// Exports still waiting for backlog space fail with Internal. Queued events
// stay readable from Events.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info().Msg("Collector shutting down")
	if c.health != nil {
		c.health.Shutdown()
	}
	c.forwarder.Stop()

	done := make(chan struct{})
	go func() {
		c.server.GracefulStop()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		c.server.Stop()
		<-done
		err = ctx.Err()
	}

	c.forwarder.Close()
	if uerr := c.backlog.Unregister(); uerr != nil {
		c.logger.Warn().Err(uerr).Msg("Unregister backlog gauge failed")
	}
	return err
}
