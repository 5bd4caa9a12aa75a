package otelapis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

func TestNewNATSRelay(t *testing.T) {
	relay, err := NewNATSRelay(nil)
	require.ErrorIs(t, err, ErrNilConnection)
	require.Nil(t, relay)
}

func TestNATSRelayPublish(t *testing.T) {
	ns := startEmbeddedNATS(t)
	nc := connectToNATS(t, ns)

	t.Run("protobuf payload and headers", func(t *testing.T) {
		relay, err := NewNATSRelay(nc, WithRelaySubjectPrefix("test"))
		require.NoError(t, err)

		sub, err := nc.SubscribeSync("test.traces")
		require.NoError(t, err)
		defer sub.Unsubscribe()

		req := testTraceRequest()
		err = relay.Publish(t.Context(), Event{
			Signal:   SignalTraces,
			Traces:   req,
			Metadata: metadata.Pairs("x-tenant", "acme", ":authority", "bufnet"),
		})
		require.NoError(t, err)

		msg := requireMessage(t, sub, 5*time.Second)
		require.Equal(t, ContentTypeProtobuf, msg.Header.Get(HeaderContentType))
		require.Equal(t, string(SignalTraces), msg.Header.Get(HeaderOtelSignal))
		require.Equal(t, "acme", msg.Header.Get("x-tenant"))
		require.Empty(t, msg.Header.Get(":authority"))

		// The relayed payload decodes as TracesData.
		var data tracepb.TracesData
		require.NoError(t, proto.Unmarshal(msg.Data, &data))
		require.Equal(t, "GET /cart", data.ResourceSpans[0].ScopeSpans[0].Spans[0].Name)
	})

	t.Run("json encoding with suffix", func(t *testing.T) {
		relay, err := NewNATSRelay(nc,
			WithRelaySubjectPrefix("json"),
			WithRelaySubjectSuffix("tenant-a"),
			WithRelayEncoding(EncodingJSON),
		)
		require.NoError(t, err)
		require.Equal(t, "json.logs.tenant-a", relay.Subject(SignalLogs))

		sub, err := nc.SubscribeSync("json.logs.tenant-a")
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, relay.Publish(t.Context(), Event{Signal: SignalLogs, Logs: testLogsRequest()}))

		msg := requireMessage(t, sub, 5*time.Second)
		require.Equal(t, ContentTypeJSON, msg.Header.Get(HeaderContentType))
		require.Contains(t, string(msg.Data), "cart updated")

		var data logspb.LogsData
		require.NoError(t, Unmarshal(msg.Data, ContentTypeJSON, &data))
		require.Len(t, data.ResourceLogs, 1)
	})

	t.Run("custom headers cannot override signal", func(t *testing.T) {
		relay, err := NewNATSRelay(nc,
			WithRelaySubjectPrefix("hdr"),
			WithRelayHeaders(func(context.Context) nats.Header {
				return nats.Header{HeaderOtelSignal: []string{"bogus"}, "X-Region": []string{"eu"}}
			}),
		)
		require.NoError(t, err)

		sub, err := nc.SubscribeSync("hdr.metrics")
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, relay.Publish(t.Context(), Event{Signal: SignalMetrics, Metrics: testMetricsRequest()}))
		msg := requireMessage(t, sub, 5*time.Second)
		require.Equal(t, string(SignalMetrics), msg.Header.Get(HeaderOtelSignal))
		require.Equal(t, "eu", msg.Header.Get("X-Region"))
	})

	t.Run("unknown signal", func(t *testing.T) {
		relay, err := NewNATSRelay(nc)
		require.NoError(t, err)
		require.ErrorIs(t, relay.Publish(t.Context(), Event{Signal: "profiles"}), ErrUnknownSignal)
	})

	t.Run("closed relay", func(t *testing.T) {
		relay, err := NewNATSRelay(nc)
		require.NoError(t, err)
		relay.Close()
		err = relay.Publish(t.Context(), Event{Signal: SignalLogs, Logs: testLogsRequest()})
		require.ErrorIs(t, err, ErrRelayClosed)
	})
}

func TestNATSRelayJetStream(t *testing.T) {
	ns := startEmbeddedNATSWithJetStream(t)
	nc := connectToNATS(t, ns)
	js := createJetStream(t, nc)
	streamName := createTestStream(t, js, "jsrelay")

	relay, err := NewNATSRelay(nc, WithRelaySubjectPrefix("jsrelay"), WithRelayJetStream(js))
	require.NoError(t, err)

	require.NoError(t, relay.Publish(t.Context(), Event{Signal: SignalLogs, Logs: testLogsRequest()}))
	require.NoError(t, relay.Flush(t.Context()))

	stream, err := js.Stream(t.Context(), streamName)
	require.NoError(t, err)
	info, err := stream.Info(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.State.Msgs)
}

func TestNATSRelayFromCollector(t *testing.T) {
	ns := startEmbeddedNATS(t)
	nc := connectToNATS(t, ns)

	col, lis := startCollector(t, WithFeatures(BundleTrace))
	client := dialCollector(t, lis)

	var relayErrs []error
	relay, err := NewNATSRelay(nc,
		WithRelaySubjectPrefix("pipe"),
		WithRelayErrorHandler(func(err error) { relayErrs = append(relayErrs, err) }),
	)
	require.NoError(t, err)

	sub, err := nc.SubscribeSync("pipe.traces")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- relay.Relay(ctx, col.Events()) }()

	_, err = client.Traces().Export(t.Context(), testTraceRequest())
	require.NoError(t, err)

	msg := requireMessage(t, sub, 5*time.Second)
	var got collectortracepb.ExportTraceServiceRequest
	require.NoError(t, Decode(msg.Data, &got))
	require.True(t, proto.Equal(testTraceRequest(), &got))

	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
	require.Empty(t, relayErrs)
}
