package otelapis

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/arloliu/fuda"
	"golang.org/x/time/rate"
)

// Config is the file/environment configuration for every component. It is
// loaded with [LoadConfig] or [ParseConfig]; programmatic users can use the
// functional options directly instead.
type Config struct {
	Collector CollectorConfig `yaml:"collector"`
	Client    ClientConfig    `yaml:"client"`
	Generate  GenerateConfig  `yaml:"generate"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`
}

// CollectorConfig configures [NewCollector].
type CollectorConfig struct {
	Address string `yaml:"address" env:"OTELAPIS_COLLECTOR_ADDRESS" default:"localhost:4317"`

	// Features selects the collector services. Empty means the manifest
	// default.
	Features []string `yaml:"features"`

	// AcceptedCompression restricts request encodings. Empty accepts every
	// registered compressor.
	AcceptedCompression []string `yaml:"acceptedCompression"`

	BacklogSize    int `yaml:"backlogSize" default:"100" validate:"gte=0"`
	MaxRecvMsgSize int `yaml:"maxRecvMsgSize" default:"16777216" validate:"gt=0"`

	// RateLimit is requests per second across all services; 0 disables it.
	RateLimit float64 `yaml:"rateLimit" env:"OTELAPIS_COLLECTOR_RATE_LIMIT" validate:"gte=0"`
	RateBurst int     `yaml:"rateBurst" default:"100" validate:"gte=0"`

	Health    *bool `yaml:"health" default:"true"`
	Telemetry bool  `yaml:"telemetry"`
}

// Options converts the configuration to collector options.
func (c CollectorConfig) Options() []CollectorOption {
	opts := []CollectorOption{
		WithAddress(c.Address),
		WithBacklogSize(c.BacklogSize),
		WithMaxRecvMsgSize(c.MaxRecvMsgSize),
		WithHealth(c.Health == nil || *c.Health),
	}
	if len(c.Features) > 0 {
		opts = append(opts, WithFeatures(c.Features...))
	}
	if len(c.AcceptedCompression) > 0 {
		opts = append(opts, WithAcceptedCompression(c.AcceptedCompression...))
	}
	if c.RateLimit > 0 {
		opts = append(opts, WithRateLimit(rate.Limit(c.RateLimit), c.RateBurst))
	}
	if c.Telemetry {
		opts = append(opts, WithServerTelemetry())
	}
	return opts
}

// ClientConfig configures [NewClient]. Environment variables follow the
// OTLP exporter conventions.
type ClientConfig struct {
	Endpoint string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	Insecure *bool  `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`

	Timeout time.Duration `yaml:"timeout" env:"OTEL_EXPORTER_OTLP_TIMEOUT" default:"10s" validate:"gte=0"`

	// Compression is "gzip", "none" or empty.
	Compression string `yaml:"compression" env:"OTEL_EXPORTER_OTLP_COMPRESSION" validate:"omitempty,oneof=gzip none identity"`

	// PeerEncodings declares what the server accepts; see [WithPeerEncodings].
	PeerEncodings []string `yaml:"peerEncodings"`

	// Headers are sent with every call. Avoid logging them.
	Headers map[string]string `yaml:"headers,omitempty" env:"OTEL_EXPORTER_OTLP_HEADERS"`

	Retry     RetryPolicy `yaml:"retry"`
	Telemetry bool        `yaml:"telemetry"`
}

// IsInsecure returns true if insecure connection is enabled.
func (c ClientConfig) IsInsecure() bool {
	return c.Insecure == nil || *c.Insecure
}

// Options converts the configuration to client options.
func (c ClientConfig) Options() []ClientOption {
	opts := []ClientOption{WithTimeout(c.Timeout)}
	if c.IsInsecure() {
		opts = append(opts, WithInsecure())
	} else {
		opts = append(opts, WithTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	switch strings.ToLower(c.Compression) {
	case "", "none", CompressionNone:
	default:
		opts = append(opts, WithCompression(strings.ToLower(c.Compression)))
	}
	if len(c.PeerEncodings) > 0 {
		opts = append(opts, WithPeerEncodings(c.PeerEncodings...))
	}
	if len(c.Headers) > 0 {
		opts = append(opts, WithHeaders(c.Headers))
	}
	if c.Telemetry {
		opts = append(opts, WithClientTelemetry())
	}
	return opts
}

// NATSConfig configures the NATS relay and source.
type NATSConfig struct {
	URL           string `yaml:"url" env:"NATS_URL" default:"nats://127.0.0.1:4222"`
	SubjectPrefix string `yaml:"subjectPrefix" default:"otel" validate:"required"`
	SubjectSuffix string `yaml:"subjectSuffix"`
	Encoding      string `yaml:"encoding" default:"protobuf" validate:"oneof=protobuf json"`

	// Stream enables JetStream when set.
	Stream     string        `yaml:"stream"`
	Consumer   string        `yaml:"consumer"`
	QueueGroup string        `yaml:"queueGroup"`
	Timeout    time.Duration `yaml:"timeout" default:"5s" validate:"gte=0"`
}

func (c NATSConfig) encoding() Encoding {
	if c.Encoding == "json" {
		return EncodingJSON
	}
	return EncodingProtobuf
}

// RelayOptions converts the configuration to relay options. JetStream is
// wired by the caller since it needs a connection.
func (c NATSConfig) RelayOptions() []RelayOption {
	return []RelayOption{
		WithRelaySubjectPrefix(c.SubjectPrefix),
		WithRelaySubjectSuffix(c.SubjectSuffix),
		WithRelayEncoding(c.encoding()),
		WithRelayTimeout(c.Timeout),
	}
}

// SourceOptions converts the configuration to source options.
func (c NATSConfig) SourceOptions() []SourceOption {
	opts := []SourceOption{
		WithSourceSubjectPrefix(c.SubjectPrefix),
		WithSourceSubjectSuffix(c.SubjectSuffix),
	}
	if c.QueueGroup != "" {
		opts = append(opts, WithSourceQueueGroup(c.QueueGroup))
	}
	if c.Consumer != "" {
		opts = append(opts, WithSourceConsumerName(c.Consumer))
	}
	return opts
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"OTELAPIS_LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" env:"OTELAPIS_LOG_FORMAT" default:"console" validate:"oneof=console json"`
}

// LoadConfig loads Config from a YAML or JSON file. Environment variables
// override file values; defaults and validation come from struct tags.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := fuda.LoadFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseConfig parses Config from YAML or JSON bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := fuda.LoadBytes(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
