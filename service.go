package otelapis

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// Handler functions back the service skeletons. A nil response is sent as
// an empty (fully successful) response.
type (
	LogsHandler func(context.Context, *collectorlogspb.ExportLogsServiceRequest) (
		*collectorlogspb.ExportLogsServiceResponse, error)
	MetricsHandler func(context.Context, *collectormetricspb.ExportMetricsServiceRequest) (
		*collectormetricspb.ExportMetricsServiceResponse, error)
	TraceHandler func(context.Context, *collectortracepb.ExportTraceServiceRequest) (
		*collectortracepb.ExportTraceServiceResponse, error)
)

type logsService struct {
	collectorlogspb.UnimplementedLogsServiceServer
	handle LogsHandler
}

// NewLogsService returns a LogsService implementation that calls h for
// every Export.
func NewLogsService(h LogsHandler) collectorlogspb.LogsServiceServer {
	return &logsService{handle: h}
}

func (s *logsService) Export(ctx context.Context, req *collectorlogspb.ExportLogsServiceRequest) (
	*collectorlogspb.ExportLogsServiceResponse, error) {
	resp, err := s.handle(ctx, req)
	if err != nil {
		return nil, handlerStatus(err)
	}
	if resp == nil {
		resp = &collectorlogspb.ExportLogsServiceResponse{}
	}
	return resp, nil
}

type metricsService struct {
	collectormetricspb.UnimplementedMetricsServiceServer
	handle MetricsHandler
}

// NewMetricsService returns a MetricsService implementation that calls h
// for every Export.
func NewMetricsService(h MetricsHandler) collectormetricspb.MetricsServiceServer {
	return &metricsService{handle: h}
}

func (s *metricsService) Export(ctx context.Context, req *collectormetricspb.ExportMetricsServiceRequest) (
	*collectormetricspb.ExportMetricsServiceResponse, error) {
	resp, err := s.handle(ctx, req)
	if err != nil {
		return nil, handlerStatus(err)
	}
	if resp == nil {
		resp = &collectormetricspb.ExportMetricsServiceResponse{}
	}
	return resp, nil
}

type traceService struct {
	collectortracepb.UnimplementedTraceServiceServer
	handle TraceHandler
}

// NewTraceService returns a TraceService implementation that calls h for
// every Export.
func NewTraceService(h TraceHandler) collectortracepb.TraceServiceServer {
	return &traceService{handle: h}
}

func (s *traceService) Export(ctx context.Context, req *collectortracepb.ExportTraceServiceRequest) (
	*collectortracepb.ExportTraceServiceResponse, error) {
	resp, err := s.handle(ctx, req)
	if err != nil {
		return nil, handlerStatus(err)
	}
	if resp == nil {
		resp = &collectortracepb.ExportTraceServiceResponse{}
	}
	return resp, nil
}

// handlerStatus passes gRPC statuses through and reports anything else as
// Internal.
func handlerStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if st := status.FromContextError(err); st.Code() != codes.Unknown {
		return st.Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// Event is one received export request, tagged with its signal. Exactly one
// of Logs, Metrics or Traces is set.
type Event struct {
	Signal   Signal
	Logs     *collectorlogspb.ExportLogsServiceRequest
	Metrics  *collectormetricspb.ExportMetricsServiceRequest
	Traces   *collectortracepb.ExportTraceServiceRequest
	Metadata metadata.MD

	// Subject is set on events read from NATS.
	Subject string
}

// Request returns the payload regardless of signal.
func (e Event) Request() proto.Message {
	switch e.Signal {
	case SignalLogs:
		return e.Logs
	case SignalMetrics:
		return e.Metrics
	case SignalTraces:
		return e.Traces
	}
	return nil
}

// Forwarder turns every export into an [Event] on a bounded backlog.
// Exports block while the backlog is full until the caller's context ends.
type Forwarder struct {
	events    chan Event
	stopping  chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewForwarder creates a forwarder with room for backlog queued events.
func NewForwarder(backlog int) *Forwarder {
	if backlog < 0 {
		backlog = 0
	}
	return &Forwarder{
		events:   make(chan Event, backlog),
		stopping: make(chan struct{}),
	}
}

func (f *Forwarder) LogsService() collectorlogspb.LogsServiceServer {
	return NewLogsService(func(ctx context.Context, req *collectorlogspb.ExportLogsServiceRequest) (
		*collectorlogspb.ExportLogsServiceResponse, error) {
		return nil, f.dispatch(ctx, Event{Signal: SignalLogs, Logs: req})
	})
}

func (f *Forwarder) MetricsService() collectormetricspb.MetricsServiceServer {
	return NewMetricsService(func(ctx context.Context, req *collectormetricspb.ExportMetricsServiceRequest) (
		*collectormetricspb.ExportMetricsServiceResponse, error) {
		return nil, f.dispatch(ctx, Event{Signal: SignalMetrics, Metrics: req})
	})
}

func (f *Forwarder) TraceService() collectortracepb.TraceServiceServer {
	return NewTraceService(func(ctx context.Context, req *collectortracepb.ExportTraceServiceRequest) (
		*collectortracepb.ExportTraceServiceResponse, error) {
		return nil, f.dispatch(ctx, Event{Signal: SignalTraces, Traces: req})
	})
}

func (f *Forwarder) dispatch(ctx context.Context, ev Event) error {
	ev.Metadata, _ = metadata.FromIncomingContext(ctx)

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return dispatchError(ev.Signal)
	}
	select {
	case f.events <- ev:
		return nil
	case <-f.stopping:
		return dispatchError(ev.Signal)
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

func dispatchError(signal Signal) error {
	return status.Errorf(codes.Internal, "%s forwarder channel sender failed to dispatch", signal)
}

// Events returns a stream over the backlog. Streams returned by separate
// calls compete for events. The stream ends with io.EOF after Close once
// the backlog is drained.
func (f *Forwarder) Events() *Stream[Event] {
	return channelStream(f.events)
}

// Len reports the number of queued events.
func (f *Forwarder) Len() int {
	return len(f.events)
}

// Stop rejects further exports with Internal and releases exports blocked
// on a full backlog. Queued events stay readable and streams stay open
// until Close.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		// Blocked dispatches hold the read lock until stopping is closed.
		close(f.stopping)
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
	})
}

// Close stops the forwarder and ends event streams once queued events are
// consumed.
func (f *Forwarder) Close() {
	f.Stop()
	f.closeOnce.Do(func() {
		f.mu.Lock()
		close(f.events)
		f.mu.Unlock()
	})
}
