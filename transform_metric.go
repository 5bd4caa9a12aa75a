package otelapis

import (
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
)

func metricsRequest(rm *metricdata.ResourceMetrics) *collectormetricspb.ExportMetricsServiceRequest {
	req := &collectormetricspb.ExportMetricsServiceRequest{}
	if rm == nil || len(rm.ScopeMetrics) == 0 {
		return req
	}

	out := &metricspb.ResourceMetrics{
		Resource:  resourceProto(rm.Resource),
		SchemaUrl: rm.Resource.SchemaURL(),
	}
	for _, sm := range rm.ScopeMetrics {
		ps := &metricspb.ScopeMetrics{Scope: scopeProto(sm.Scope), SchemaUrl: sm.Scope.SchemaURL}
		for _, m := range sm.Metrics {
			if pm := metricProto(m); pm != nil {
				ps.Metrics = append(ps.Metrics, pm)
			}
		}
		out.ScopeMetrics = append(out.ScopeMetrics, ps)
	}
	req.ResourceMetrics = []*metricspb.ResourceMetrics{out}
	return req
}

// metricProto returns nil for aggregations it does not know.
func metricProto(m metricdata.Metrics) *metricspb.Metric {
	pm := &metricspb.Metric{Name: m.Name, Description: m.Description, Unit: m.Unit}

	switch data := m.Data.(type) {
	case metricdata.Gauge[int64]:
		pm.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: numberPoints(data.DataPoints)}}
	case metricdata.Gauge[float64]:
		pm.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: numberPoints(data.DataPoints)}}
	case metricdata.Sum[int64]:
		pm.Data = &metricspb.Metric_Sum{Sum: sumProto(data)}
	case metricdata.Sum[float64]:
		pm.Data = &metricspb.Metric_Sum{Sum: sumProto(data)}
	case metricdata.Histogram[int64]:
		pm.Data = &metricspb.Metric_Histogram{Histogram: histogramProto(data)}
	case metricdata.Histogram[float64]:
		pm.Data = &metricspb.Metric_Histogram{Histogram: histogramProto(data)}
	case metricdata.ExponentialHistogram[int64]:
		pm.Data = &metricspb.Metric_ExponentialHistogram{ExponentialHistogram: expHistogramProto(data)}
	case metricdata.ExponentialHistogram[float64]:
		pm.Data = &metricspb.Metric_ExponentialHistogram{ExponentialHistogram: expHistogramProto(data)}
	case metricdata.Summary:
		pm.Data = &metricspb.Metric_Summary{Summary: summaryProto(data)}
	default:
		return nil
	}
	return pm
}

func temporality(t metricdata.Temporality) metricspb.AggregationTemporality {
	switch t {
	case metricdata.DeltaTemporality:
		return metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA
	case metricdata.CumulativeTemporality:
		return metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE
	}
	return metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_UNSPECIFIED
}

func sumProto[N int64 | float64](s metricdata.Sum[N]) *metricspb.Sum {
	return &metricspb.Sum{
		DataPoints:             numberPoints(s.DataPoints),
		AggregationTemporality: temporality(s.Temporality),
		IsMonotonic:            s.IsMonotonic,
	}
}

func numberPoints[N int64 | float64](dps []metricdata.DataPoint[N]) []*metricspb.NumberDataPoint {
	out := make([]*metricspb.NumberDataPoint, len(dps))
	for i, dp := range dps {
		out[i] = &metricspb.NumberDataPoint{
			Attributes:        attributeSet(dp.Attributes),
			StartTimeUnixNano: unixNano(dp.StartTime),
			TimeUnixNano:      unixNano(dp.Time),
			Exemplars:         exemplars(dp.Exemplars),
		}
		switch v := any(dp.Value).(type) {
		case int64:
			out[i].Value = &metricspb.NumberDataPoint_AsInt{AsInt: v}
		case float64:
			out[i].Value = &metricspb.NumberDataPoint_AsDouble{AsDouble: v}
		}
	}
	return out
}

func exemplars[N int64 | float64](exs []metricdata.Exemplar[N]) []*metricspb.Exemplar {
	if len(exs) == 0 {
		return nil
	}
	out := make([]*metricspb.Exemplar, len(exs))
	for i, ex := range exs {
		out[i] = &metricspb.Exemplar{
			FilteredAttributes: keyValues(ex.FilteredAttributes),
			TimeUnixNano:       unixNano(ex.Time),
			SpanId:             ex.SpanID,
			TraceId:            ex.TraceID,
		}
		switch v := any(ex.Value).(type) {
		case int64:
			out[i].Value = &metricspb.Exemplar_AsInt{AsInt: v}
		case float64:
			out[i].Value = &metricspb.Exemplar_AsDouble{AsDouble: v}
		}
	}
	return out
}

func histogramProto[N int64 | float64](h metricdata.Histogram[N]) *metricspb.Histogram {
	out := &metricspb.Histogram{
		DataPoints:             make([]*metricspb.HistogramDataPoint, len(h.DataPoints)),
		AggregationTemporality: temporality(h.Temporality),
	}
	for i, dp := range h.DataPoints {
		p := &metricspb.HistogramDataPoint{
			Attributes:        attributeSet(dp.Attributes),
			StartTimeUnixNano: unixNano(dp.StartTime),
			TimeUnixNano:      unixNano(dp.Time),
			Count:             dp.Count,
			Sum:               ptr(float64(dp.Sum)),
			BucketCounts:      dp.BucketCounts,
			ExplicitBounds:    dp.Bounds,
			Exemplars:         exemplars(dp.Exemplars),
		}
		if v, ok := dp.Min.Value(); ok {
			p.Min = ptr(float64(v))
		}
		if v, ok := dp.Max.Value(); ok {
			p.Max = ptr(float64(v))
		}
		out.DataPoints[i] = p
	}
	return out
}

func expHistogramProto[N int64 | float64](h metricdata.ExponentialHistogram[N]) *metricspb.ExponentialHistogram {
	out := &metricspb.ExponentialHistogram{
		DataPoints:             make([]*metricspb.ExponentialHistogramDataPoint, len(h.DataPoints)),
		AggregationTemporality: temporality(h.Temporality),
	}
	for i, dp := range h.DataPoints {
		p := &metricspb.ExponentialHistogramDataPoint{
			Attributes:        attributeSet(dp.Attributes),
			StartTimeUnixNano: unixNano(dp.StartTime),
			TimeUnixNano:      unixNano(dp.Time),
			Count:             dp.Count,
			Sum:               ptr(float64(dp.Sum)),
			Scale:             dp.Scale,
			ZeroCount:         dp.ZeroCount,
			ZeroThreshold:     dp.ZeroThreshold,
			Positive:          expBuckets(dp.PositiveBucket),
			Negative:          expBuckets(dp.NegativeBucket),
			Exemplars:         exemplars(dp.Exemplars),
		}
		if v, ok := dp.Min.Value(); ok {
			p.Min = ptr(float64(v))
		}
		if v, ok := dp.Max.Value(); ok {
			p.Max = ptr(float64(v))
		}
		out.DataPoints[i] = p
	}
	return out
}

func expBuckets(b metricdata.ExponentialBucket) *metricspb.ExponentialHistogramDataPoint_Buckets {
	return &metricspb.ExponentialHistogramDataPoint_Buckets{Offset: b.Offset, BucketCounts: b.Counts}
}

func summaryProto(s metricdata.Summary) *metricspb.Summary {
	out := &metricspb.Summary{DataPoints: make([]*metricspb.SummaryDataPoint, len(s.DataPoints))}
	for i, dp := range s.DataPoints {
		p := &metricspb.SummaryDataPoint{
			Attributes:        attributeSet(dp.Attributes),
			StartTimeUnixNano: unixNano(dp.StartTime),
			TimeUnixNano:      unixNano(dp.Time),
			Count:             dp.Count,
			Sum:               dp.Sum,
		}
		for _, q := range dp.QuantileValues {
			p.QuantileValues = append(p.QuantileValues, &metricspb.SummaryDataPoint_ValueAtQuantile{
				Quantile: q.Quantile,
				Value:    q.Value,
			})
		}
		out.DataPoints[i] = p
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
