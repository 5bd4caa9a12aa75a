// Package otelapis packages the OpenTelemetry protocol (OTLP) message and
// service definitions for Go and builds small, composable pieces on top of
// them.
//
// # Codec
//
// [Encode] produces deterministic protobuf output. [Decode] validates the
// wire framing before unmarshalling and reports problems as a
// [*DecodeError] with the field and byte offset:
//   - [DecodeTruncated]: a value runs past the end of the input
//   - [DecodeInvalidWireType]: a known field arrives with the wrong wire type
//   - [DecodeRequiredFieldMissing]
//   - [DecodeMalformed]
//
// Unknown fields are skipped; [WithKeepUnknown] preserves them.
//
// # Features
//
// Schema files are grouped into named features with a stability level.
// [DefaultManifest] describes the upstream opentelemetry-proto layout:
//   - otel-trace, otel-metrics, otel-logs: data plus collector service
//   - otel-all: all three signals (the default)
//   - otel-gen: the message types only, no collector services
//
// The metrics bundle pulls in the experimental metric config service.
//
// [Manifest.Resolve] expands bundles and dependencies into a [Resolution].
// Manifests can be loaded from YAML with [ParseManifest].
//
// # Services
//
// [NewCollector] serves the collector services selected by its features on
// a grpc server. Handlers are optional; without one, requests are queued on
// [Collector.Events] for a consumer to drain. Export results follow the
// OTLP partial success rules.
//
// [NewClient] dials a collector. Failures are returned as [*RPCError] and
// partially rejected exports as [*PartialSuccessError]. Use [Retry] with a
// [RetryPolicy] to retry transient failures.
//
// # NATS
//
// [NATSRelay] publishes collector events to NATS subjects of the form
// "{prefix}.{signal}[.{suffix}]" with two headers:
//   - Content-Type: application/x-protobuf or application/json
//   - Otel-Signal: traces, metrics or logs
//
// [NATSSource] consumes those messages, from core NATS or a durable
// JetStream consumer, and yields them as events that [Client.ExportEvent]
// can forward to another collector.
//
// # SDK exporters
//
// [NewSpanExporter], [NewLogExporter] and [NewMetricExporter] adapt a
// [Client] to the OpenTelemetry SDK exporter interfaces:
//
//	client, _ := otelapis.NewClient("localhost:4317")
//	exp, _ := otelapis.NewSpanExporter(client,
//	    otelapis.WithExporterRetry(otelapis.DefaultRetryPolicy()))
//	tp := trace.NewTracerProvider(trace.WithBatcher(exp))
//
// # Code generation
//
// [Plan] turns a feature selection into a protoc [Invocation] and [Run]
// executes it. The otelapis command wraps both.
package otelapis
