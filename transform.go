package otelapis

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

// Conversions from SDK data to OTLP messages shared by the exporters.

// scopeKey identifies a scope within a resource.
type scopeKey struct {
	res   attribute.Distinct
	scope instrumentation.Scope
}

// grouping collects items under resource then scope in first-seen order,
// so converted requests are stable for a given input.
type grouping[R, S any] struct {
	out    []*R
	res    map[attribute.Distinct]*R
	scopes map[scopeKey]*S

	newRes   func(*resource.Resource) *R
	newScope func(*R, instrumentation.Scope) *S
}

func newGrouping[R, S any](
	newRes func(*resource.Resource) *R,
	newScope func(*R, instrumentation.Scope) *S,
) *grouping[R, S] {
	return &grouping[R, S]{
		res:      make(map[attribute.Distinct]*R),
		scopes:   make(map[scopeKey]*S),
		newRes:   newRes,
		newScope: newScope,
	}
}

func (g *grouping[R, S]) scope(res *resource.Resource, scope instrumentation.Scope) *S {
	key := res.Equivalent()
	r, ok := g.res[key]
	if !ok {
		r = g.newRes(res)
		g.res[key] = r
		g.out = append(g.out, r)
	}
	sk := scopeKey{res: key, scope: scope}
	s, ok := g.scopes[sk]
	if !ok {
		s = g.newScope(r, scope)
		g.scopes[sk] = s
	}
	return s
}

func resourceProto(res *resource.Resource) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: keyValues(res.Attributes())}
}

func scopeProto(scope instrumentation.Scope) *commonpb.InstrumentationScope {
	return &commonpb.InstrumentationScope{
		Name:       scope.Name,
		Version:    scope.Version,
		Attributes: keyValues(scope.Attributes.ToSlice()),
	}
}

func keyValues(kvs []attribute.KeyValue) []*commonpb.KeyValue {
	if len(kvs) == 0 {
		return nil
	}
	out := make([]*commonpb.KeyValue, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, &commonpb.KeyValue{Key: string(kv.Key), Value: attributeValue(kv.Value)})
	}
	return out
}

func attributeSet(set attribute.Set) []*commonpb.KeyValue {
	return keyValues(set.ToSlice())
}

func attributeValue(v attribute.Value) *commonpb.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return boolValue(v.AsBool())
	case attribute.INT64:
		return intValue(v.AsInt64())
	case attribute.FLOAT64:
		return doubleValue(v.AsFloat64())
	case attribute.STRING:
		return strValue(v.AsString())
	case attribute.BOOLSLICE:
		return arrayValue(v.AsBoolSlice(), boolValue)
	case attribute.INT64SLICE:
		return arrayValue(v.AsInt64Slice(), intValue)
	case attribute.FLOAT64SLICE:
		return arrayValue(v.AsFloat64Slice(), doubleValue)
	case attribute.STRINGSLICE:
		return arrayValue(v.AsStringSlice(), strValue)
	}
	return strValue(v.Emit())
}

func boolValue(b bool) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: b}}
}

func intValue(i int64) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: i}}
}

func doubleValue(f float64) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: f}}
}

func strValue(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func arrayValue[T any](vals []T, conv func(T) *commonpb.AnyValue) *commonpb.AnyValue {
	arr := &commonpb.ArrayValue{Values: make([]*commonpb.AnyValue, len(vals))}
	for i, v := range vals {
		arr.Values[i] = conv(v)
	}
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: arr}}
}

// unixNano maps the zero time to 0, the OTLP "unset" value.
func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func clampUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}
