package otelapis

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

func requireDecodeKind(t *testing.T, err error, kind DecodeErrorKind) *DecodeError {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrDecode)
	var de *DecodeError
	require.True(t, errors.As(err, &de), "expected *DecodeError, got %T", err)
	require.Equal(t, kind, de.Kind, de.Error())
	return de
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Run("trace request", func(t *testing.T) {
		in := testTraceRequest()
		data, err := Encode(in)
		require.NoError(t, err)

		out := &collectortracepb.ExportTraceServiceRequest{}
		require.NoError(t, Decode(data, out))
		require.True(t, proto.Equal(in, out))

		span := out.ResourceSpans[0].ScopeSpans[0].Spans[0]
		require.Equal(t, uint64(math.MaxUint64), span.EndTimeUnixNano)
		require.Equal(t, int64(math.MinInt64), span.Attributes[0].Value.GetIntValue())
	})

	t.Run("histogram with packed bucket counts", func(t *testing.T) {
		in := &metricspb.HistogramDataPoint{
			TimeUnixNano:   math.MaxUint64,
			Count:          6,
			BucketCounts:   []uint64{1, 2, 3},
			ExplicitBounds: []float64{0.5, 1.5},
		}
		data, err := Encode(in)
		require.NoError(t, err)

		out := &metricspb.HistogramDataPoint{}
		require.NoError(t, Decode(data, out))
		require.True(t, proto.Equal(in, out))
	})

	t.Run("empty message", func(t *testing.T) {
		data, err := Encode(&tracepb.Span{})
		require.NoError(t, err)
		require.Empty(t, data)

		out := &tracepb.Span{Name: "stale"}
		require.NoError(t, Decode(data, out))
		require.Empty(t, out.Name)
	})
}

func TestEncodeDeterministic(t *testing.T) {
	span := &tracepb.Span{
		Name:              "op",
		SpanId:            []byte{8, 7, 6, 5, 4, 3, 2, 1},
		TraceId:           []byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		EndTimeUnixNano:   20,
		StartTimeUnixNano: 10,
		Kind:              tracepb.Span_SPAN_KIND_CLIENT,
	}

	first, err := Encode(span)
	require.NoError(t, err)
	second, err := Encode(proto.Clone(span))
	require.NoError(t, err)
	require.Equal(t, first, second)

	var last protowire.Number
	for b := first; len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		require.Positive(t, n)
		require.Greater(t, num, last, "tags must ascend")
		last = num
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		require.Positive(t, m)
		b = b[n+m:]
	}
}

func TestDecodeUnknownFields(t *testing.T) {
	in := testTraceRequest()
	data, err := Encode(in)
	require.NoError(t, err)

	data = protowire.AppendTag(data, 999, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("future field"))
	data = protowire.AppendTag(data, 1000, protowire.VarintType)
	data = protowire.AppendVarint(data, 7)
	data = protowire.AppendTag(data, 1001, protowire.Fixed64Type)
	data = protowire.AppendFixed64(data, 9)

	t.Run("discarded by default", func(t *testing.T) {
		out := &collectortracepb.ExportTraceServiceRequest{}
		require.NoError(t, Decode(data, out))
		require.True(t, proto.Equal(in, out))
		require.Empty(t, out.ProtoReflect().GetUnknown())
	})

	t.Run("kept on request", func(t *testing.T) {
		out := &collectortracepb.ExportTraceServiceRequest{}
		require.NoError(t, Decode(data, out, WithKeepUnknown()))
		require.NotEmpty(t, out.ProtoReflect().GetUnknown())

		reencoded, err := Encode(out)
		require.NoError(t, err)
		require.Equal(t, data, reencoded)

		out.ProtoReflect().SetUnknown(nil)
		require.True(t, proto.Equal(in, out))
	})

	t.Run("nested message", func(t *testing.T) {
		res := &resourcepb.Resource{DroppedAttributesCount: 3}
		resBytes, err := Encode(res)
		require.NoError(t, err)
		resBytes = protowire.AppendTag(resBytes, 77, protowire.BytesType)
		resBytes = protowire.AppendString(resBytes, "x")

		var outer []byte
		outer = protowire.AppendTag(outer, 1, protowire.BytesType)
		outer = protowire.AppendBytes(outer, resBytes)

		out := &tracepb.ResourceSpans{}
		require.NoError(t, Decode(outer, out))
		require.True(t, proto.Equal(res, out.Resource))
	})
}

func TestDecodeTruncated(t *testing.T) {
	data, err := Encode(testTraceRequest())
	require.NoError(t, err)

	for cut := 1; cut < len(data); cut++ {
		out := &collectortracepb.ExportTraceServiceRequest{}
		requireDecodeKind(t, Decode(data[:cut], out), DecodeTruncated)
		require.Empty(t, out.ResourceSpans, "no partial parse at cut %d", cut)
	}
}

func TestDecodeInvalidWireType(t *testing.T) {
	t.Run("top level", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)

		de := requireDecodeKind(t, Decode(b, &collectortracepb.ExportTraceServiceRequest{}), DecodeInvalidWireType)
		require.Equal(t, "opentelemetry.proto.collector.trace.v1.ExportTraceServiceRequest.resource_spans", string(de.Field))
		require.Equal(t, 0, de.Offset)
	})

	t.Run("nested fixed64 sent as varint", func(t *testing.T) {
		var span []byte
		span = protowire.AppendTag(span, 5, protowire.BytesType)
		span = protowire.AppendString(span, "op")
		span = protowire.AppendTag(span, 7, protowire.VarintType)
		span = protowire.AppendVarint(span, 100)

		var scope []byte
		scope = protowire.AppendTag(scope, 2, protowire.BytesType)
		scope = protowire.AppendBytes(scope, span)

		de := requireDecodeKind(t, Decode(scope, &tracepb.ScopeSpans{}), DecodeInvalidWireType)
		require.Equal(t, "opentelemetry.proto.trace.v1.Span.start_time_unix_nano", string(de.Field))
		// outer tag and length, then the 4-byte name field
		require.Equal(t, 2+4, de.Offset)
	})

	t.Run("unpacked repeated scalar accepted", func(t *testing.T) {
		var b []byte
		for _, v := range []uint64{4, 5} {
			b = protowire.AppendTag(b, 6, protowire.Fixed64Type)
			b = protowire.AppendFixed64(b, v)
		}
		out := &metricspb.HistogramDataPoint{}
		require.NoError(t, Decode(b, out))
		require.Equal(t, []uint64{4, 5}, out.BucketCounts)
	})

	t.Run("packed form on singular scalar rejected", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, protowire.AppendFixed64(nil, 3))
		requireDecodeKind(t, Decode(b, &metricspb.HistogramDataPoint{}), DecodeInvalidWireType)
	})
}

func TestDecodeRequiredFieldMissing(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "name")

	de := requireDecodeKind(t, Decode(b, &descriptorpb.UninterpretedOption_NamePart{}), DecodeRequiredFieldMissing)
	require.Equal(t, "google.protobuf.UninterpretedOption.NamePart.is_extension", string(de.Field))

	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	out := &descriptorpb.UninterpretedOption_NamePart{}
	require.NoError(t, Decode(b, out))
	require.Equal(t, "name", out.GetNamePart())
}

func TestDecodeMalformed(t *testing.T) {
	t.Run("invalid utf-8", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte{0xff, 0xfe})
		de := requireDecodeKind(t, Decode(b, &commonpb.KeyValue{}), DecodeMalformed)
		require.NotNil(t, de.Err)
	})

	t.Run("field number zero", func(t *testing.T) {
		requireDecodeKind(t, Decode([]byte{0x00, 0x01}, &tracepb.Span{}), DecodeMalformed)
	})

	t.Run("nesting limit", func(t *testing.T) {
		inner := &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "leaf"}}
		for range 5 {
			inner = &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
				ArrayValue: &commonpb.ArrayValue{Values: []*commonpb.AnyValue{inner}},
			}}
		}
		data, err := Encode(inner)
		require.NoError(t, err)

		require.NoError(t, Decode(data, &commonpb.AnyValue{}))
		requireDecodeKind(t, Decode(data, &commonpb.AnyValue{}, WithMaxDepth(3)), DecodeMalformed)
	})
}

func TestDecodeErrorMessage(t *testing.T) {
	err := &DecodeError{Kind: DecodeTruncated, Field: "a.B.c", Offset: 12}
	require.Equal(t, "otelapis: decode truncated at offset 12 (a.B.c)", err.Error())
	require.ErrorIs(t, err, ErrDecode)
	require.Equal(t, "DecodeErrorKind(9)", DecodeErrorKind(9).String())
}
