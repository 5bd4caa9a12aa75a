package otelapis

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

func spansRequest(spans []sdktrace.ReadOnlySpan) *collectortracepb.ExportTraceServiceRequest {
	g := newGrouping(
		func(res *resource.Resource) *tracepb.ResourceSpans {
			return &tracepb.ResourceSpans{Resource: resourceProto(res), SchemaUrl: res.SchemaURL()}
		},
		func(rs *tracepb.ResourceSpans, scope instrumentation.Scope) *tracepb.ScopeSpans {
			ss := &tracepb.ScopeSpans{Scope: scopeProto(scope), SchemaUrl: scope.SchemaURL}
			rs.ScopeSpans = append(rs.ScopeSpans, ss)
			return ss
		},
	)
	for _, span := range spans {
		ss := g.scope(span.Resource(), span.InstrumentationScope())
		ss.Spans = append(ss.Spans, spanProto(span))
	}
	return &collectortracepb.ExportTraceServiceRequest{ResourceSpans: g.out}
}

func spanProto(span sdktrace.ReadOnlySpan) *tracepb.Span {
	sc := span.SpanContext()
	tid, sid := sc.TraceID(), sc.SpanID()

	s := &tracepb.Span{
		TraceId:                tid[:],
		SpanId:                 sid[:],
		TraceState:             sc.TraceState().String(),
		Flags:                  spanFlags(sc.TraceFlags(), span.Parent()),
		Name:                   span.Name(),
		Kind:                   spanKind(span.SpanKind()),
		StartTimeUnixNano:      unixNano(span.StartTime()),
		EndTimeUnixNano:        unixNano(span.EndTime()),
		Attributes:             keyValues(span.Attributes()),
		DroppedAttributesCount: clampUint32(span.DroppedAttributes()),
		DroppedEventsCount:     clampUint32(span.DroppedEvents()),
		DroppedLinksCount:      clampUint32(span.DroppedLinks()),
		Status:                 spanStatus(span.Status()),
	}
	if parent := span.Parent(); parent.IsValid() {
		psid := parent.SpanID()
		s.ParentSpanId = psid[:]
	}
	for _, ev := range span.Events() {
		s.Events = append(s.Events, &tracepb.Span_Event{
			TimeUnixNano:           unixNano(ev.Time),
			Name:                   ev.Name,
			Attributes:             keyValues(ev.Attributes),
			DroppedAttributesCount: clampUint32(ev.DroppedAttributeCount),
		})
	}
	for _, link := range span.Links() {
		ltid, lsid := link.SpanContext.TraceID(), link.SpanContext.SpanID()
		s.Links = append(s.Links, &tracepb.Span_Link{
			TraceId:                ltid[:],
			SpanId:                 lsid[:],
			TraceState:             link.SpanContext.TraceState().String(),
			Attributes:             keyValues(link.Attributes),
			DroppedAttributesCount: clampUint32(link.DroppedAttributeCount),
			Flags:                  spanFlags(link.SpanContext.TraceFlags(), link.SpanContext),
		})
	}
	return s
}

// spanFlags packs the W3C trace flags with the is-remote bits of the
// related context.
func spanFlags(tf trace.TraceFlags, related trace.SpanContext) uint32 {
	flags := uint32(tf) | uint32(tracepb.SpanFlags_SPAN_FLAGS_CONTEXT_HAS_IS_REMOTE_MASK)
	if related.IsRemote() {
		flags |= uint32(tracepb.SpanFlags_SPAN_FLAGS_CONTEXT_IS_REMOTE_MASK)
	}
	return flags
}

func spanKind(kind trace.SpanKind) tracepb.Span_SpanKind {
	switch kind {
	case trace.SpanKindInternal:
		return tracepb.Span_SPAN_KIND_INTERNAL
	case trace.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case trace.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case trace.SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case trace.SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	}
	return tracepb.Span_SPAN_KIND_UNSPECIFIED
}

func spanStatus(st sdktrace.Status) *tracepb.Status {
	s := &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET}
	switch st.Code {
	case codes.Ok:
		s.Code = tracepb.Status_STATUS_CODE_OK
	case codes.Error:
		s.Code = tracepb.Status_STATUS_CODE_ERROR
		s.Message = st.Description
	}
	return s
}
