package otelapis

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client holds one gRPC connection and the typed stubs for the three OTLP
// collector services. It is safe for concurrent use. Calls are never
// retried; wrap them with [Retry] if needed.
type Client struct {
	conn     *grpc.ClientConn
	ownsConn bool
	cfg      *clientConfig
	peer     *peerEncodings
	headers  []string

	logs    *LogsClient
	metrics *MetricsClient
	traces  *TracesClient
	health  healthpb.HealthClient
}

// NewClient creates a client for target. No connection is made until the
// first call.
func NewClient(target string, opts ...ClientOption) (*Client, error) {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(cfg.creds)}
	if cfg.withTelemetry {
		dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler(cfg.telemetry...)))
	}
	dialOpts = append(dialOpts, cfg.dialOptions...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("otelapis: create client for %s: %w", target, err)
	}
	c := newClient(conn, cfg)
	c.ownsConn = true
	return c, nil
}

// NewClientConn wraps an existing connection. Close does not close conn.
// Dial related options (TLS, dial options, telemetry) are ignored.
func NewClientConn(conn *grpc.ClientConn, opts ...ClientOption) (*Client, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return newClient(conn, cfg), nil
}

func newClient(conn *grpc.ClientConn, cfg *clientConfig) *Client {
	c := &Client{
		conn: conn,
		cfg:  cfg,
		peer: &peerEncodings{},
	}
	if cfg.peerDeclared {
		c.peer.declare(cfg.peerEncodings)
	}
	for k, v := range cfg.headers {
		c.headers = append(c.headers, k, v)
	}
	c.logs = &LogsClient{c: c, stub: collectorlogspb.NewLogsServiceClient(conn)}
	c.metrics = &MetricsClient{c: c, stub: collectormetricspb.NewMetricsServiceClient(conn)}
	c.traces = &TracesClient{c: c, stub: collectortracepb.NewTraceServiceClient(conn)}
	c.health = healthpb.NewHealthClient(conn)
	return c
}

func (c *Client) Logs() *LogsClient       { return c.logs }
func (c *Client) Metrics() *MetricsClient { return c.metrics }
func (c *Client) Traces() *TracesClient   { return c.traces }

// Conn returns the underlying connection.
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

// Close closes the connection if the client created it.
func (c *Client) Close() error {
	if !c.ownsConn {
		return nil
	}
	return c.conn.Close()
}

// WatchHealth streams serving status updates for service ("" for the
// server as a whole) using the standard health Watch RPC.
func (c *Client) WatchHealth(ctx context.Context, service string) (*Stream[*healthpb.HealthCheckResponse], error) {
	return OpenServerStream(ctx, healthpb.Health_Watch_FullMethodName,
		func(ctx context.Context) (grpc.ServerStreamingClient[healthpb.HealthCheckResponse], error) {
			return c.health.Watch(c.outgoing(ctx), &healthpb.HealthCheckRequest{Service: service})
		})
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if len(c.headers) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, c.headers...)
}

// invoke runs one unary call with the client defaults and per-call
// overrides applied.
func invoke[Resp any](
	ctx context.Context,
	c *Client,
	method string,
	opts []CallOption,
	call func(context.Context, ...grpc.CallOption) (Resp, error),
) (Resp, error) {
	var zero Resp
	cc := callConfig{timeout: c.cfg.timeout, compression: c.cfg.compression}
	for _, opt := range opts {
		opt(&cc)
	}

	if err := checkCompression(method, cc.compression, c.peer); err != nil {
		c.cfg.logger.Warn().
			Str("method", method).
			Str("compression", cc.compression).
			Msg("Call refused before send")
		return zero, err
	}

	if cc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cc.timeout)
		defer cancel()
	}
	ctx = c.outgoing(ctx)

	var header metadata.MD
	callOpts := []grpc.CallOption{grpc.Header(&header)}
	if compressionRequested(cc.compression) {
		callOpts = append(callOpts, grpc.UseCompressor(cc.compression))
	}

	resp, err := call(ctx, callOpts...)
	if err != nil {
		rpcErr := newRPCError(method, err)
		c.cfg.logger.Debug().Err(rpcErr).Str("method", method).Msg("Call failed")
		return zero, rpcErr
	}
	c.peer.learn(header)
	return resp, nil
}

type LogsClient struct {
	c    *Client
	stub collectorlogspb.LogsServiceClient
}

// Export sends a logs request. Rejected records are reported as a
// [*PartialSuccessError] together with the response.
func (l *LogsClient) Export(
	ctx context.Context,
	req *collectorlogspb.ExportLogsServiceRequest,
	opts ...CallOption,
) (*collectorlogspb.ExportLogsServiceResponse, error) {
	resp, err := invoke(ctx, l.c, MethodLogsExport, opts,
		func(ctx context.Context, callOpts ...grpc.CallOption) (*collectorlogspb.ExportLogsServiceResponse, error) {
			return l.stub.Export(ctx, req, callOpts...)
		})
	if err != nil {
		return nil, err
	}
	if ps := resp.GetPartialSuccess(); ps.GetRejectedLogRecords() > 0 {
		return resp, &PartialSuccessError{Signal: SignalLogs, Rejected: ps.GetRejectedLogRecords(), Message: ps.GetErrorMessage()}
	}
	return resp, nil
}

type MetricsClient struct {
	c    *Client
	stub collectormetricspb.MetricsServiceClient
}

// Export sends a metrics request. Rejected data points are reported as a
// [*PartialSuccessError] together with the response.
func (m *MetricsClient) Export(
	ctx context.Context,
	req *collectormetricspb.ExportMetricsServiceRequest,
	opts ...CallOption,
) (*collectormetricspb.ExportMetricsServiceResponse, error) {
	resp, err := invoke(ctx, m.c, MethodMetricsExport, opts,
		func(ctx context.Context, callOpts ...grpc.CallOption) (*collectormetricspb.ExportMetricsServiceResponse, error) {
			return m.stub.Export(ctx, req, callOpts...)
		})
	if err != nil {
		return nil, err
	}
	if ps := resp.GetPartialSuccess(); ps.GetRejectedDataPoints() > 0 {
		return resp, &PartialSuccessError{Signal: SignalMetrics, Rejected: ps.GetRejectedDataPoints(), Message: ps.GetErrorMessage()}
	}
	return resp, nil
}

type TracesClient struct {
	c    *Client
	stub collectortracepb.TraceServiceClient
}

// Export sends a trace request. Rejected spans are reported as a
// [*PartialSuccessError] together with the response.
func (t *TracesClient) Export(
	ctx context.Context,
	req *collectortracepb.ExportTraceServiceRequest,
	opts ...CallOption,
) (*collectortracepb.ExportTraceServiceResponse, error) {
	resp, err := invoke(ctx, t.c, MethodTracesExport, opts,
		func(ctx context.Context, callOpts ...grpc.CallOption) (*collectortracepb.ExportTraceServiceResponse, error) {
			return t.stub.Export(ctx, req, callOpts...)
		})
	if err != nil {
		return nil, err
	}
	if ps := resp.GetPartialSuccess(); ps.GetRejectedSpans() > 0 {
		return resp, &PartialSuccessError{Signal: SignalTraces, Rejected: ps.GetRejectedSpans(), Message: ps.GetErrorMessage()}
	}
	return resp, nil
}

// ExportEvent sends ev through the stub matching its signal. Event
// metadata is forwarded as outgoing request metadata.
func (c *Client) ExportEvent(ctx context.Context, ev Event, opts ...CallOption) error {
	for k, v := range ev.Metadata {
		if skipMetadataKey(k) {
			continue
		}
		for _, vv := range v {
			ctx = metadata.AppendToOutgoingContext(ctx, k, vv)
		}
	}

	var err error
	switch ev.Signal {
	case SignalLogs:
		_, err = c.logs.Export(ctx, ev.Logs, opts...)
	case SignalMetrics:
		_, err = c.metrics.Export(ctx, ev.Metrics, opts...)
	case SignalTraces:
		_, err = c.traces.Export(ctx, ev.Traces, opts...)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownSignal, ev.Signal)
	}
	return err
}
