package otelapis

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type publisher interface {
	publish(ctx context.Context, msg *nats.Msg) error
	flush(ctx context.Context) error
}

type publisherCore struct {
	nc *nats.Conn
}

func (p *publisherCore) publish(ctx context.Context, msg *nats.Msg) error {
	if err := p.nc.PublishMsg(msg); err != nil {
		return err
	}
	return p.flush(ctx)
}

func (p *publisherCore) flush(ctx context.Context) error {
	return p.nc.FlushWithContext(ctx)
}

type publisherJetStream struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func (p *publisherJetStream) publish(ctx context.Context, msg *nats.Msg) error {
	_, err := p.js.PublishMsg(ctx, msg)
	return err
}

func (p *publisherJetStream) flush(ctx context.Context) error {
	return p.nc.FlushWithContext(ctx)
}

// NATSRelay publishes export requests to NATS subjects of the form
// {prefix}.{signal}[.{suffix}]. Payloads are wire-compatible with the
// LogsData, MetricsData and TracesData messages.
type NATSRelay struct {
	pub    publisher
	cfg    *relayConfig
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewNATSRelay creates a relay publishing over nc. With
// [WithRelayJetStream] messages go through JetStream and are acknowledged
// by the server.
func NewNATSRelay(nc *nats.Conn, opts ...RelayOption) (*NATSRelay, error) {
	if nc == nil {
		return nil, ErrNilConnection
	}
	cfg := defaultRelayConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var pub publisher = &publisherCore{nc: nc}
	if cfg.jetstream != nil {
		pub = &publisherJetStream{nc: nc, js: cfg.jetstream}
	}
	return &NATSRelay{pub: pub, cfg: cfg, logger: cfg.logger}, nil
}

// Subject returns the subject events of signal are published to.
func (r *NATSRelay) Subject(signal Signal) string {
	return BuildSubject(r.cfg.subjectPrefix, signal, r.cfg.subjectSuffix)
}

// Publish sends one event. Request metadata is carried as message headers
// so that tenant keys survive the hop.
func (r *NATSRelay) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRelayClosed
	}

	req := ev.Request()
	if req == nil {
		return ErrUnknownSignal
	}
	data, err := Marshal(req, r.cfg.encoding)
	if err != nil {
		return err
	}

	custom := r.cfg.headers
	msg := &nats.Msg{
		Subject: r.Subject(ev.Signal),
		Data:    data,
		Header: BuildHeaders(ctx, ev.Signal, r.cfg.encoding, func(ctx context.Context) nats.Header {
			h := metadataHeaders(ev)
			if custom != nil {
				for k, v := range custom(ctx) {
					h[k] = v
				}
			}
			return h
		}),
	}

	if _, ok := ctx.Deadline(); !ok && r.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.timeout)
		defer cancel()
	}
	if err := r.pub.publish(ctx, msg); err != nil {
		return err
	}
	r.logger.Debug().
		Str("subject", msg.Subject).
		Int("bytes", len(data)).
		Msg("Published event")
	return nil
}

// Relay publishes every event from s until it ends or ctx is done. s is
// cancelled when ctx ends. Publish errors are passed to the error handler
// and do not stop the relay.
func (r *NATSRelay) Relay(ctx context.Context, s *Stream[Event]) error {
	stop := context.AfterFunc(ctx, s.Cancel)
	defer stop()

	for ev, err := range s.All() {
		if err != nil {
			return err
		}
		if err := r.Publish(ctx, ev); err != nil {
			r.cfg.errorHandler(err)
		}
	}
	return ctx.Err()
}

// Flush waits until published messages have been processed by the server.
func (r *NATSRelay) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && r.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.timeout)
		defer cancel()
	}
	return r.pub.flush(ctx)
}

// Close stops further publishing. The NATS connection belongs to the caller
// and is left open.
func (r *NATSRelay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func metadataHeaders(ev Event) nats.Header {
	h := nats.Header{}
	for k, v := range ev.Metadata {
		if skipMetadataKey(k) {
			continue
		}
		h[k] = append([]string(nil), v...)
	}
	return h
}

func skipMetadataKey(k string) bool {
	switch {
	case strings.HasPrefix(k, ":"), strings.HasPrefix(k, "grpc-"):
		return true
	case k == "content-type", k == "user-agent", k == "te":
		return true
	}
	return false
}

type relayConfig struct {
	subjectPrefix string
	subjectSuffix string
	encoding      Encoding
	timeout       time.Duration
	jetstream     jetstream.JetStream
	headers       func(context.Context) nats.Header
	errorHandler  ErrorHandler
	logger        zerolog.Logger
}

func defaultRelayConfig() *relayConfig {
	cfg := &relayConfig{
		subjectPrefix: defaultSubjectPrefix,
		subjectSuffix: defaultSubjectSuffix,
		encoding:      defaultEncoding,
		timeout:       defaultPublishTimeout,
		logger:        zerolog.Nop(),
	}
	cfg.errorHandler = func(err error) {
		cfg.logger.Error().Err(err).Msg("Relay publish failed")
	}
	return cfg
}

// RelayOption configures a [NATSRelay].
type RelayOption func(*relayConfig)

// WithRelaySubjectPrefix sets the subject prefix. The default is "otel",
// publishing to "otel.logs", "otel.metrics" and "otel.traces".
func WithRelaySubjectPrefix(prefix string) RelayOption {
	return func(c *relayConfig) {
		if prefix != "" {
			c.subjectPrefix = prefix
		}
	}
}

// WithRelaySubjectSuffix appends a suffix to every subject, e.g. a tenant
// id: "otel.logs.tenant-a".
func WithRelaySubjectSuffix(suffix string) RelayOption {
	return func(c *relayConfig) {
		c.subjectSuffix = suffix
	}
}

// WithRelayEncoding selects protobuf (default) or JSON payloads. The
// Content-Type header follows the encoding.
func WithRelayEncoding(enc Encoding) RelayOption {
	return func(c *relayConfig) {
		c.encoding = enc
	}
}

// WithRelayTimeout bounds Publish and Flush when the context has no
// deadline. Zero disables the default.
func WithRelayTimeout(d time.Duration) RelayOption {
	return func(c *relayConfig) {
		c.timeout = d
	}
}

// WithRelayJetStream publishes through JetStream for at-least-once
// delivery. A stream must capture the relay subjects, see [OTLPSubjects].
func WithRelayJetStream(js jetstream.JetStream) RelayOption {
	return func(c *relayConfig) {
		c.jetstream = js
	}
}

// WithRelayHeaders adds headers to every message. Content-Type and
// Otel-Signal cannot be overridden.
func WithRelayHeaders(fn func(context.Context) nats.Header) RelayOption {
	return func(c *relayConfig) {
		c.headers = fn
	}
}

// WithRelayErrorHandler receives publish errors from [NATSRelay.Relay].
// The default logs them.
func WithRelayErrorHandler(fn ErrorHandler) RelayOption {
	return func(c *relayConfig) {
		c.errorHandler = fn
	}
}

func WithRelayLogger(logger zerolog.Logger) RelayOption {
	return func(c *relayConfig) {
		c.logger = logger
	}
}
