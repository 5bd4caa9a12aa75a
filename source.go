package otelapis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/metadata"

	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// ErrorHandler is called when an error occurs in an async context where it
// cannot be returned, such as a subscription callback.
type ErrorHandler func(error)

// message is the part of a core or JetStream message the source needs.
type message interface {
	Subject() string
	Data() []byte
	Headers() nats.Header
	Ack() error
	Nak() error
	Term() error
}

// coreMessage adapts a core NATS message. Core NATS has no
// acknowledgements, so the flow methods are no-ops.
type coreMessage struct {
	msg *nats.Msg
}

func (m coreMessage) Subject() string      { return m.msg.Subject }
func (m coreMessage) Data() []byte         { return m.msg.Data }
func (m coreMessage) Headers() nats.Header { return m.msg.Header }
func (m coreMessage) Ack() error           { return nil }
func (m coreMessage) Nak() error           { return nil }
func (m coreMessage) Term() error          { return nil }

// NATSSource consumes relayed export requests from NATS and yields them as
// events. Messages are routed by the Otel-Signal header; messages with an
// unknown signal or an undecodable payload are terminated and reported to
// the error handler.
type NATSSource struct {
	conn   *nats.Conn
	cfg    *sourceConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	started  bool
	shutdown bool
	events   chan Event

	subs            []*nats.Subscription
	consumeContexts []jetstream.ConsumeContext
}

// NewNATSSource creates a source reading from nc. Call Start to subscribe.
func NewNATSSource(nc *nats.Conn, opts ...SourceOption) (*NATSSource, error) {
	if nc == nil {
		return nil, ErrNilConnection
	}
	cfg := defaultSourceConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &NATSSource{
		conn:   nc,
		cfg:    cfg,
		logger: cfg.logger,
		events: make(chan Event, cfg.backlogSize),
	}, nil
}

// Subjects returns the subjects the source subscribes to.
func (s *NATSSource) Subjects() []string {
	return OTLPSubjects(s.cfg.subjectPrefix, s.cfg.subjectSuffix)
}

// Start subscribes. It is a no-op on a started source.
func (s *NATSSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return ErrSourceShutdown
	}
	if s.started {
		return nil
	}

	var err error
	if s.cfg.jetstream != nil {
		err = s.subscribeJetStream(ctx)
	} else {
		err = s.subscribeCore()
	}
	if err != nil {
		s.unsubscribe()
		return err
	}

	s.started = true
	s.logger.Info().
		Strs("subjects", s.Subjects()).
		Bool("jetstream", s.cfg.jetstream != nil).
		Msg("NATS source started")
	return nil
}

func (s *NATSSource) subscribeCore() error {
	handler := func(msg *nats.Msg) {
		s.route(coreMessage{msg: msg})
	}
	for _, subject := range s.Subjects() {
		var sub *nats.Subscription
		var err error
		if s.cfg.queueGroup != "" {
			sub, err = s.conn.QueueSubscribe(subject, s.cfg.queueGroup, handler)
		} else {
			sub, err = s.conn.Subscribe(subject, handler)
		}
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *NATSSource) subscribeJetStream(ctx context.Context) error {
	consumer := s.cfg.consumer
	if consumer == nil {
		stream, err := s.cfg.jetstream.Stream(ctx, s.cfg.stream)
		if err != nil {
			return err
		}
		name := s.cfg.buildConsumerName()
		consumer, err = stream.Consumer(ctx, name)
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
				Durable:        name,
				AckPolicy:      jetstream.AckExplicitPolicy,
				AckWait:        s.cfg.ackWait,
				FilterSubjects: s.Subjects(),
			})
		}
		if err != nil {
			return err
		}
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.route(msg)
	})
	if err != nil {
		return err
	}
	s.consumeContexts = append(s.consumeContexts, cc)
	return nil
}

// route decodes msg and queues the event. JetStream messages are
// acknowledged once queued and NAK'd when the backlog is full so that the
// server redelivers them. Core messages are dropped when the backlog is
// full.
func (s *NATSSource) route(msg message) {
	ev, err := decodeMessage(msg)
	if err != nil {
		s.fail(msg.Term())
		s.fail(fmt.Errorf("%s: %w", msg.Subject(), err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		s.fail(msg.Nak())
		return
	}
	select {
	case s.events <- ev:
		s.fail(msg.Ack())
	default:
		s.logger.Warn().Str("subject", msg.Subject()).Msg("Backlog full, message not accepted")
		s.fail(msg.Nak())
	}
}

func (s *NATSSource) fail(err error) {
	if err != nil && !isAlreadyAckedError(err) {
		s.cfg.errorHandler(err)
	}
}

func isAlreadyAckedError(err error) bool {
	return errors.Is(err, jetstream.ErrMsgAlreadyAckd)
}

func decodeMessage(msg message) (Event, error) {
	h := msg.Headers()
	signal, err := ParseSignal(h.Get(HeaderOtelSignal))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %q", err, h.Get(HeaderOtelSignal))
	}

	ev := Event{Signal: signal, Subject: msg.Subject(), Metadata: headerMetadata(h)}
	contentType := h.Get(HeaderContentType)
	switch signal {
	case SignalLogs:
		ev.Logs = &collectorlogspb.ExportLogsServiceRequest{}
		err = Unmarshal(msg.Data(), contentType, ev.Logs)
	case SignalMetrics:
		ev.Metrics = &collectormetricspb.ExportMetricsServiceRequest{}
		err = Unmarshal(msg.Data(), contentType, ev.Metrics)
	case SignalTraces:
		ev.Traces = &collectortracepb.ExportTraceServiceRequest{}
		err = Unmarshal(msg.Data(), contentType, ev.Traces)
	}
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrUnmarshal, err)
	}
	return ev, nil
}

func headerMetadata(h nats.Header) metadata.MD {
	md := metadata.MD{}
	for k, v := range h {
		if k == HeaderContentType || k == HeaderOtelSignal || strings.HasPrefix(k, "Nats-") {
			continue
		}
		md.Append(k, v...)
	}
	return md
}

// Events returns a stream over received events. It ends with io.EOF after
// Shutdown once queued events are consumed.
func (s *NATSSource) Events() *Stream[Event] {
	return channelStream(s.events)
}

// Shutdown unsubscribes and waits for JetStream consumers to stop, then
// closes the event backlog.
func (s *NATSSource) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	consumeContexts := s.consumeContexts
	s.unsubscribe()
	close(s.events)
	s.mu.Unlock()

	for _, cc := range consumeContexts {
		cc.Drain()
		select {
		case <-cc.Closed():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info().Msg("NATS source stopped")
	return nil
}

func (s *NATSSource) unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.cfg.errorHandler(err)
		}
	}
	s.subs = nil
	s.consumeContexts = nil
}

type sourceConfig struct {
	subjectPrefix string
	subjectSuffix string
	queueGroup    string

	jetstream    jetstream.JetStream
	stream       string
	consumerName string
	consumer     jetstream.Consumer
	ackWait      time.Duration
	backlogSize  int

	errorHandler ErrorHandler
	logger       zerolog.Logger
}

func defaultSourceConfig() *sourceConfig {
	cfg := &sourceConfig{
		subjectPrefix: defaultSubjectPrefix,
		subjectSuffix: defaultSubjectSuffix,
		queueGroup:    defaultQueueGroup,
		ackWait:       defaultAckWait,
		backlogSize:   defaultBacklogSize,
		logger:        zerolog.Nop(),
	}
	cfg.errorHandler = func(err error) {
		cfg.logger.Error().Err(err).Msg("NATS source error")
	}
	return cfg
}

func (c *sourceConfig) buildConsumerName() string {
	if c.consumerName != "" {
		return c.consumerName
	}
	name := strings.TrimRight(fmt.Sprintf("otelapis-%s-%s", c.subjectPrefix, c.subjectSuffix), "-")
	name = strings.ReplaceAll(name, ".", "-")
	name = strings.ReplaceAll(name, "*", "any")
	return strings.ReplaceAll(name, ">", "all")
}

// SourceOption configures a [NATSSource].
type SourceOption func(*sourceConfig)

// WithSourceSubjectPrefix sets the subject prefix. The default is "otel".
func WithSourceSubjectPrefix(prefix string) SourceOption {
	return func(c *sourceConfig) {
		if prefix != "" {
			c.subjectPrefix = prefix
		}
	}
}

// WithSourceSubjectSuffix sets the subject suffix. Use ">" to consume every
// tenant below the signal subjects, e.g. "otel.logs.>".
func WithSourceSubjectSuffix(suffix string) SourceOption {
	return func(c *sourceConfig) {
		c.subjectSuffix = suffix
	}
}

// WithSourceQueueGroup load-balances core NATS subscriptions across
// sources in the same group. JetStream sources share a durable consumer
// instead, see [WithSourceConsumerName].
func WithSourceQueueGroup(group string) SourceOption {
	return func(c *sourceConfig) {
		c.queueGroup = group
	}
}

// WithSourceJetStream consumes from stream with at-least-once delivery.
func WithSourceJetStream(js jetstream.JetStream, stream string) SourceOption {
	return func(c *sourceConfig) {
		c.jetstream = js
		c.stream = stream
	}
}

// WithSourceConsumerName sets the durable consumer name. Sources sharing a
// name share the consumer's messages.
func WithSourceConsumerName(name string) SourceOption {
	return func(c *sourceConfig) {
		c.consumerName = name
	}
}

// WithSourceConsumer binds to an existing JetStream consumer.
func WithSourceConsumer(consumer jetstream.Consumer) SourceOption {
	return func(c *sourceConfig) {
		c.consumer = consumer
		c.consumerName = consumer.CachedInfo().Name
	}
}

// WithSourceAckWait sets the redelivery timeout of a created consumer.
func WithSourceAckWait(d time.Duration) SourceOption {
	return func(c *sourceConfig) {
		c.ackWait = d
	}
}

// WithSourceBacklogSize sets how many events are buffered before messages
// are refused. The default is 100.
func WithSourceBacklogSize(size int) SourceOption {
	return func(c *sourceConfig) {
		if size >= 0 {
			c.backlogSize = size
		}
	}
}

// WithSourceErrorHandler receives async errors. The default logs them.
func WithSourceErrorHandler(fn ErrorHandler) SourceOption {
	return func(c *sourceConfig) {
		c.errorHandler = fn
	}
}

func WithSourceLogger(logger zerolog.Logger) SourceOption {
	return func(c *sourceConfig) {
		c.logger = logger
	}
}
