package otelapis

import (
	"context"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Protocol constants for OTLP payloads carried outside of gRPC (the NATS
// relay) and the fully-qualified names of the collector services.

// Encoding specifies the serialization format for OTLP messages.
type Encoding int

const (
	// EncodingProtobuf uses Protocol Buffers serialization (default).
	// Content-Type: application/x-protobuf
	EncodingProtobuf Encoding = iota

	// EncodingJSON uses JSON serialization.
	// Content-Type: application/json
	EncodingJSON
)

// Header keys used in relayed OTLP messages.
const (
	HeaderContentType = "Content-Type"
	HeaderOtelSignal  = "Otel-Signal"
)

// Content-Type header values for different encodings.
const (
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeJSON     = "application/json"
)

// Signal identifies one of the three OTLP telemetry signals.
type Signal string

const (
	SignalTraces  Signal = "traces"
	SignalMetrics Signal = "metrics"
	SignalLogs    Signal = "logs"
)

// Fully-qualified gRPC service names. These must match the proto
// definitions exactly or peers will answer Unimplemented.
const (
	ServiceNameLogs    = "opentelemetry.proto.collector.logs.v1.LogsService"
	ServiceNameMetrics = "opentelemetry.proto.collector.metrics.v1.MetricsService"
	ServiceNameTraces  = "opentelemetry.proto.collector.trace.v1.TraceService"
)

// Full gRPC method names of the Export RPCs.
const (
	MethodLogsExport    = "/" + ServiceNameLogs + "/Export"
	MethodMetricsExport = "/" + ServiceNameMetrics + "/Export"
	MethodTracesExport  = "/" + ServiceNameTraces + "/Export"
)

// ParseSignal maps a header value to a Signal.
func ParseSignal(s string) (Signal, error) {
	switch Signal(s) {
	case SignalTraces, SignalMetrics, SignalLogs:
		return Signal(s), nil
	}
	return "", ErrUnknownSignal
}

// BuildSubject constructs a relay subject.
//
// The subject format is:
//   - Without suffix: "{prefix}.{signal}"
//   - With suffix: "{prefix}.{signal}.{suffix}"
//
// Examples:
//
//	BuildSubject("otel", SignalTraces, "") → "otel.traces"
//	BuildSubject("otel", SignalLogs, "tenant-a") → "otel.logs.tenant-a"
func BuildSubject(prefix string, signal Signal, suffix string) string {
	s := prefix + "." + string(signal)
	if suffix != "" {
		s += "." + suffix
	}
	return s
}

// ContentType returns the MIME type for the given encoding.
func ContentType(enc Encoding) string {
	if enc == EncodingJSON {
		return ContentTypeJSON
	}
	return ContentTypeProtobuf
}

// Marshal serializes a message using the specified encoding.
// Protobuf output goes through [Encode] and is deterministic.
func Marshal(m proto.Message, enc Encoding) ([]byte, error) {
	if enc == EncodingJSON {
		return protojson.Marshal(m)
	}
	return Encode(m)
}

// Unmarshal deserializes data into a message, selecting the decoder from
// contentType. Empty or unrecognised content types are treated as protobuf.
func Unmarshal(data []byte, contentType string, m proto.Message) error {
	if contentType == ContentTypeJSON {
		return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, m)
	}
	return Decode(data, m)
}

// BuildHeaders constructs NATS headers for relayed OTLP messages.
//
// Content-Type and Otel-Signal are always set. The customHeaders function
// is optional; it cannot override the built-in headers.
func BuildHeaders(
	ctx context.Context,
	signal Signal,
	encoding Encoding,
	customHeaders func(context.Context) nats.Header,
) nats.Header {
	h := nats.Header{}
	if customHeaders != nil {
		for k, v := range customHeaders(ctx) {
			for _, vv := range v {
				h.Add(k, vv)
			}
		}
	}
	h.Set(HeaderContentType, ContentType(encoding))
	h.Set(HeaderOtelSignal, string(signal))

	return h
}

// OTLPSubjects returns relay subjects for all three signals with the given
// prefix, optionally suffixed (e.g. ">" for tenant wildcards).
//
// Use this when creating a JetStream stream to capture relayed telemetry:
//
//	js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
//	    Name:     "OTEL",
//	    Subjects: otelapis.OTLPSubjects("otel"),
//	})
func OTLPSubjects(prefix string, suffix ...string) []string {
	sfx := ""
	if len(suffix) > 0 {
		sfx = suffix[0]
	}
	return []string{
		BuildSubject(prefix, SignalLogs, sfx),
		BuildSubject(prefix, SignalTraces, sfx),
		BuildSubject(prefix, SignalMetrics, sfx),
	}
}
