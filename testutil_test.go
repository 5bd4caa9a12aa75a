package otelapis

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

const bufSize = 1024 * 1024

// startCollector serves a collector over an in-memory listener.
// The collector is shut down when the test completes.
func startCollector(t *testing.T, opts ...CollectorOption) (*Collector, *bufconn.Listener) {
	t.Helper()
	lis := bufconn.Listen(bufSize)

	col, err := NewCollector(opts...)
	require.NoError(t, err)

	go func() {
		if err := col.Serve(lis); err != nil {
			t.Logf("collector exited with error: %v", err)
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = col.Shutdown(ctx)
	})
	return col, lis
}

// dialCollector creates a client connected to lis.
// The client is closed when the test completes.
func dialCollector(t *testing.T, lis *bufconn.Listener, opts ...ClientOption) *Client {
	t.Helper()
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	opts = append([]ClientOption{WithDialOptions(grpc.WithContextDialer(dialer))}, opts...)

	c, err := NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

// startEmbeddedNATS starts an embedded NATS server for testing.
// The server is automatically shut down when the test completes.
func startEmbeddedNATS(t *testing.T) *server.Server {
	t.Helper()
	return startNATS(t, &server.Options{})
}

// startEmbeddedNATSWithJetStream starts an embedded NATS server with JetStream enabled.
func startEmbeddedNATSWithJetStream(t *testing.T) *server.Server {
	t.Helper()
	return startNATS(t, &server.Options{JetStream: true, StoreDir: t.TempDir()})
}

func startNATS(t *testing.T, opts *server.Options) *server.Server {
	t.Helper()
	opts.Host = "127.0.0.1"
	opts.Port = -1 // Random available port
	opts.NoLog = true
	opts.NoSigs = true
	opts.MaxControlLine = 4096

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server failed to start")
	}

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

// connectToNATS creates a NATS connection to the given server.
// The connection is automatically closed when the test completes.
func connectToNATS(t *testing.T, ns *server.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
	})
	return nc
}

// requireMessage waits for a message on the subscription and returns it.
func requireMessage(t *testing.T, sub *nats.Subscription, timeout time.Duration) *nats.Msg {
	t.Helper()
	msg, err := sub.NextMsg(timeout)
	require.NoError(t, err, "expected message but none received within %v", timeout)
	return msg
}

func createJetStream(t *testing.T, nc *nats.Conn) jetstream.JetStream {
	t.Helper()
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

// createTestStream creates a memory stream capturing every signal under
// prefix and returns its name.
func createTestStream(t *testing.T, js jetstream.JetStream, prefix string) string {
	t.Helper()
	streamName := "TEST_" + prefix
	_, err := js.CreateOrUpdateStream(t.Context(), jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.MemoryStorage,
	})
	require.NoError(t, err)
	return streamName
}

// recvEvent reads one event or fails after timeout.
func recvEvent(t *testing.T, s *Stream[Event], timeout time.Duration) Event {
	t.Helper()
	type result struct {
		ev  Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ev, err := s.Recv()
		ch <- result{ev, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.ev
	case <-time.After(timeout):
		t.Fatalf("no event within %v", timeout)
		return Event{}
	}
}

func stringValue(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func testResource() *resourcepb.Resource {
	return &resourcepb.Resource{
		Attributes: []*commonpb.KeyValue{{Key: "service.name", Value: stringValue("checkout")}},
	}
}

func testTraceRequest() *collectortracepb.ExportTraceServiceRequest {
	return &collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: testResource(),
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "otelapis-test", Version: "1.0.0"},
				Spans: []*tracepb.Span{{
					TraceId:           []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
					SpanId:            []byte{1, 2, 3, 4, 5, 6, 7, 8},
					Name:              "GET /cart",
					Kind:              tracepb.Span_SPAN_KIND_SERVER,
					StartTimeUnixNano: 1,
					EndTimeUnixNano:   math.MaxUint64,
					Attributes: []*commonpb.KeyValue{
						{Key: "http.status_code", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: math.MinInt64}}},
					},
					Events: []*tracepb.Span_Event{{TimeUnixNano: 42, Name: "retry"}},
					Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
				}},
			}},
		}},
	}
}

func testLogsRequest() *collectorlogspb.ExportLogsServiceRequest {
	return &collectorlogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: testResource(),
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{{
					TimeUnixNano:   uint64(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixNano()),
					SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
					SeverityText:   "INFO",
					Body:           stringValue("cart updated"),
				}},
			}},
		}},
	}
}

func testMetricsRequest() *collectormetricspb.ExportMetricsServiceRequest {
	return &collectormetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: testResource(),
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Metrics: []*metricspb.Metric{{
					Name: "cart.items",
					Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
						AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
						IsMonotonic:            true,
						DataPoints: []*metricspb.NumberDataPoint{{
							TimeUnixNano: 100,
							Value:        &metricspb.NumberDataPoint_AsInt{AsInt: math.MaxInt64},
						}},
					}},
				}},
			}},
		}},
	}
}
