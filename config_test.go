package otelapis

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, "localhost:4317", cfg.Collector.Address)
	assert.Equal(t, 100, cfg.Collector.BacklogSize)
	assert.Equal(t, 16<<20, cfg.Collector.MaxRecvMsgSize)
	require.NotNil(t, cfg.Collector.Health)
	assert.True(t, *cfg.Collector.Health)

	assert.True(t, cfg.Client.IsInsecure())
	assert.Equal(t, 10*time.Second, cfg.Client.Timeout)
	assert.Equal(t, DefaultRetryPolicy(), cfg.Client.Retry)

	assert.Equal(t, DefaultGenerateConfig(), cfg.Generate)

	assert.Equal(t, "otel", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "protobuf", cfg.NATS.Encoding)
	assert.Equal(t, 5*time.Second, cfg.NATS.Timeout)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
collector:
  address: "0.0.0.0:4317"
  features: [otel-trace, otel-logs]
  rateLimit: 50
  health: false
client:
  endpoint: "collector:4317"
  insecure: false
  compression: gzip
  retry:
    maxAttempts: 2
nats:
  subjectSuffix: tenant-a
  encoding: json
  stream: OTEL
log:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4317", cfg.Collector.Address)
	assert.Equal(t, []string{"otel-trace", "otel-logs"}, cfg.Collector.Features)
	assert.InDelta(t, 50, cfg.Collector.RateLimit, 0)
	assert.False(t, *cfg.Collector.Health)

	assert.Equal(t, "collector:4317", cfg.Client.Endpoint)
	assert.False(t, cfg.Client.IsInsecure())
	assert.Equal(t, "gzip", cfg.Client.Compression)
	assert.Equal(t, 2, cfg.Client.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.Retry.InitialInterval)

	assert.Equal(t, "tenant-a", cfg.NATS.SubjectSuffix)
	assert.Equal(t, EncodingJSON, cfg.NATS.encoding())
	assert.Equal(t, "OTEL", cfg.NATS.Stream)

	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestParseConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad encoding", "nats:\n  encoding: xml\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"negative backlog", "collector:\n  backlogSize: -1\n"},
		{"bad compression", "client:\n  compression: zstd\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			require.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otelapis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
collector:
  address: "127.0.0.1:14317"
generate:
  features: [otel-gen]
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:14317", cfg.Collector.Address)
	assert.Equal(t, []string{"otel-gen"}, cfg.Generate.Features)

	t.Setenv("OTELAPIS_COLLECTOR_ADDRESS", "127.0.0.1:24317")
	t.Setenv("OTELAPIS_PROTOC", "/opt/bin/protoc")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:24317", cfg.Collector.Address)
	assert.Equal(t, "/opt/bin/protoc", cfg.Generate.Protoc)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestCollectorConfigOptions(t *testing.T) {
	health := false
	cc := CollectorConfig{
		Address:             "127.0.0.1:0",
		Features:            []string{"otel-trace"},
		AcceptedCompression: []string{"gzip"},
		BacklogSize:         7,
		MaxRecvMsgSize:      1024,
		RateLimit:           10,
		RateBurst:           3,
		Health:              &health,
		Telemetry:           true,
	}

	cfg := defaultCollectorConfig()
	for _, opt := range cc.Options() {
		opt(cfg)
	}
	assert.Equal(t, "127.0.0.1:0", cfg.address)
	assert.Equal(t, []string{"otel-trace"}, cfg.features)
	assert.Equal(t, []string{"gzip"}, cfg.accepted)
	assert.Equal(t, 7, cfg.backlogSize)
	assert.Equal(t, 1024, cfg.maxRecvMsgSize)
	assert.Equal(t, rate.Limit(10), cfg.rateLimit)
	assert.Equal(t, 3, cfg.rateBurst)
	assert.False(t, cfg.health)
	assert.True(t, cfg.withTelemetry)
}

func TestClientConfigOptions(t *testing.T) {
	t.Run("insecure with gzip", func(t *testing.T) {
		cc := ClientConfig{
			Timeout:     time.Second,
			Compression: "GZIP",
			Headers:     map[string]string{"x-tenant": "a"},
		}
		cfg := defaultClientConfig()
		for _, opt := range cc.Options() {
			opt(cfg)
		}
		assert.Equal(t, time.Second, cfg.timeout)
		assert.Equal(t, CompressionGzip, cfg.compression)
		assert.Equal(t, "a", cfg.headers["x-tenant"])
		assert.Equal(t, "insecure", cfg.creds.Info().SecurityProtocol)
	})

	t.Run("tls without compression", func(t *testing.T) {
		insecure := false
		cc := ClientConfig{Insecure: &insecure, Compression: "none"}
		cfg := defaultClientConfig()
		for _, opt := range cc.Options() {
			opt(cfg)
		}
		assert.Empty(t, cfg.compression)
		assert.Equal(t, "tls", cfg.creds.Info().SecurityProtocol)
	})
}

func TestNATSConfigOptions(t *testing.T) {
	nc := NATSConfig{
		SubjectPrefix: "acme",
		SubjectSuffix: "tenant-a",
		Encoding:      "json",
		Consumer:      "processor",
		QueueGroup:    "workers",
		Timeout:       time.Second,
	}

	rc := defaultRelayConfig()
	for _, opt := range nc.RelayOptions() {
		opt(rc)
	}
	assert.Equal(t, "acme", rc.subjectPrefix)
	assert.Equal(t, "tenant-a", rc.subjectSuffix)
	assert.Equal(t, EncodingJSON, rc.encoding)
	assert.Equal(t, time.Second, rc.timeout)

	sc := defaultSourceConfig()
	for _, opt := range nc.SourceOptions() {
		opt(sc)
	}
	assert.Equal(t, "acme", sc.subjectPrefix)
	assert.Equal(t, "tenant-a", sc.subjectSuffix)
	assert.Equal(t, "workers", sc.queueGroup)
	assert.Equal(t, "processor", sc.consumerName)
}
