package otelapis

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/reflect/protoreflect"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func findMessage(t *testing.T, fs FileSchema, name protoreflect.FullName) MessageSchema {
	t.Helper()
	for _, m := range fs.Messages {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("message %s not described", name)
	return MessageSchema{}
}

func TestDescribeTraceBundle(t *testing.T) {
	res, err := DefaultManifest().Resolve(BundleTrace)
	require.NoError(t, err)

	files, err := Describe(res.Files)
	require.NoError(t, err)
	require.Len(t, files, 4)

	byPath := make(map[string]FileSchema)
	for _, f := range files {
		require.True(t, f.Linked, f.Path)
		require.Equal(t, StabilityStable, f.Stability)
		byPath[f.Path] = f
	}

	traceFile := byPath["opentelemetry/proto/trace/v1/trace.proto"]
	require.Equal(t, protoreflect.FullName("opentelemetry.proto.trace.v1"), traceFile.Package)
	require.Equal(t, FeatureTrace, traceFile.Group)

	span := findMessage(t, traceFile, "opentelemetry.proto.trace.v1.Span")
	var start *FieldSchema
	for i := range span.Fields {
		if span.Fields[i].Name == "start_time_unix_nano" {
			start = &span.Fields[i]
		}
	}
	require.NotNil(t, start)
	require.Equal(t, protoreflect.FieldNumber(7), start.Number)
	require.Equal(t, protowire.Fixed64Type, start.WireType)

	findMessage(t, traceFile, "opentelemetry.proto.trace.v1.Span.Event")

	svc := byPath["opentelemetry/proto/collector/trace/v1/trace_service.proto"]
	require.Len(t, svc.Services, 1)
	require.Equal(t, protoreflect.FullName(ServiceNameTraces), svc.Services[0].Name)
	require.Len(t, svc.Services[0].Methods, 1)
	m := svc.Services[0].Methods[0]
	require.Equal(t, protoreflect.Name("Export"), m.Name)
	require.Equal(t, Unary, m.Mode)
	require.Equal(t, protoreflect.FullName("opentelemetry.proto.collector.trace.v1.ExportTraceServiceRequest"), m.Input)
}

func TestDescribePackedRepeated(t *testing.T) {
	res, err := DefaultManifest().Resolve(FeatureMetrics)
	require.NoError(t, err)
	files, err := Describe(res.Files)
	require.NoError(t, err)

	for _, f := range files {
		if f.Group != FeatureMetrics {
			continue
		}
		dp := findMessage(t, f, "opentelemetry.proto.metrics.v1.HistogramDataPoint")
		for _, fld := range dp.Fields {
			if fld.Name == "bucket_counts" {
				require.True(t, fld.Repeated)
				require.True(t, fld.Packed)
				return
			}
		}
	}
	t.Fatal("bucket_counts not described")
}

func TestDescribeExperimentalNotLinked(t *testing.T) {
	g, ok := DefaultManifest().Group(FeatureExperimentalMetrics)
	require.True(t, ok)

	files, err := Describe(g.Files)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.False(t, files[0].Linked)
	require.Equal(t, StabilityExperimental, files[0].Stability)
	require.Empty(t, files[0].Messages)
}

func TestManifestDescribeStability(t *testing.T) {
	m, err := ParseManifest([]byte(`
features:
  - name: acme-events
    requires: [common]
    stability: experimental
    files:
      - path: acme/events/v1/events.proto
        go_import: example.com/acme/gen/events/v1
`))
	require.NoError(t, err)
	res, err := m.Resolve("acme-events")
	require.NoError(t, err)

	files, err := m.Describe(res.Files)
	require.NoError(t, err)
	byPath := make(map[string]FileSchema, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	events, ok := byPath["acme/events/v1/events.proto"]
	require.True(t, ok)
	require.Equal(t, StabilityExperimental, events.Stability)
	require.False(t, events.Linked)

	common, ok := byPath["opentelemetry/proto/common/v1/common.proto"]
	require.True(t, ok)
	require.Equal(t, StabilityStable, common.Stability)
	require.True(t, common.Linked)
}

func TestDescribeServerStreaming(t *testing.T) {
	files, err := Describe([]ProtoFile{{Path: healthpb.File_grpc_health_v1_health_proto.Path()}})
	require.NoError(t, err)
	require.True(t, files[0].Linked)

	modes := make(map[protoreflect.Name]StreamingMode)
	for _, m := range files[0].Services[0].Methods {
		modes[m.Name] = m.Mode
	}
	require.Equal(t, Unary, modes["Check"])
	require.Equal(t, ServerStreaming, modes["Watch"])
	require.Equal(t, "server-streaming", ServerStreaming.String())
}
