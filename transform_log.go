package otelapis

import (
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"

	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
)

func logsRequest(records []sdklog.Record) *collectorlogspb.ExportLogsServiceRequest {
	g := newGrouping(
		func(res *resource.Resource) *logspb.ResourceLogs {
			return &logspb.ResourceLogs{Resource: resourceProto(res), SchemaUrl: res.SchemaURL()}
		},
		func(rl *logspb.ResourceLogs, scope instrumentation.Scope) *logspb.ScopeLogs {
			sl := &logspb.ScopeLogs{Scope: scopeProto(scope), SchemaUrl: scope.SchemaURL}
			rl.ScopeLogs = append(rl.ScopeLogs, sl)
			return sl
		},
	)
	for _, rec := range records {
		sl := g.scope(rec.Resource(), rec.InstrumentationScope())
		sl.LogRecords = append(sl.LogRecords, logRecordProto(rec))
	}
	return &collectorlogspb.ExportLogsServiceRequest{ResourceLogs: g.out}
}

func logRecordProto(rec sdklog.Record) *logspb.LogRecord {
	lr := &logspb.LogRecord{
		TimeUnixNano:           unixNano(rec.Timestamp()),
		ObservedTimeUnixNano:   unixNano(rec.ObservedTimestamp()),
		SeverityNumber:         logspb.SeverityNumber(rec.Severity()),
		SeverityText:           rec.SeverityText(),
		Body:                   logValue(rec.Body()),
		DroppedAttributesCount: clampUint32(rec.DroppedAttributes()),
		Flags:                  uint32(rec.TraceFlags()),
		EventName:              rec.EventName(),
	}
	if tid := rec.TraceID(); tid.IsValid() {
		lr.TraceId = tid[:]
	}
	if sid := rec.SpanID(); sid.IsValid() {
		lr.SpanId = sid[:]
	}

	lr.Attributes = make([]*commonpb.KeyValue, 0, rec.AttributesLen())
	rec.WalkAttributes(func(kv log.KeyValue) bool {
		lr.Attributes = append(lr.Attributes, &commonpb.KeyValue{Key: kv.Key, Value: logValue(kv.Value)})
		return true
	})
	return lr
}

// logValue converts a log value. The empty value maps to nil, leaving the
// OTLP field unset.
func logValue(v log.Value) *commonpb.AnyValue {
	switch v.Kind() {
	case log.KindBool:
		return boolValue(v.AsBool())
	case log.KindInt64:
		return intValue(v.AsInt64())
	case log.KindFloat64:
		return doubleValue(v.AsFloat64())
	case log.KindString:
		return strValue(v.AsString())
	case log.KindBytes:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: v.AsBytes()}}
	case log.KindSlice:
		return arrayValue(v.AsSlice(), logValue)
	case log.KindMap:
		kvs := v.AsMap()
		list := &commonpb.KeyValueList{Values: make([]*commonpb.KeyValue, len(kvs))}
		for i, kv := range kvs {
			list.Values[i] = &commonpb.KeyValue{Key: kv.Key, Value: logValue(kv.Value)}
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{KvlistValue: list}}
	}
	return nil
}
