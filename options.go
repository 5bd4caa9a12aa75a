package otelapis

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientOption configures a [Client].
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout       time.Duration
	compression   string
	peerEncodings []string
	peerDeclared  bool
	headers       map[string]string
	creds         credentials.TransportCredentials
	dialOptions   []grpc.DialOption
	telemetry     []otelgrpc.Option
	withTelemetry bool
	logger        zerolog.Logger
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		timeout: defaultClientTimeout,
		creds:   insecure.NewCredentials(),
		logger:  zerolog.Nop(),
	}
}

// WithTimeout sets the default per-call timeout.
// The default timeout is 10 seconds. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// WithCompression sets the default request compressor, e.g.
// [CompressionGzip]. The compressor must be registered with grpc.
func WithCompression(name string) ClientOption {
	return func(c *clientConfig) {
		c.compression = name
	}
}

// WithPeerEncodings declares the encodings the server accepts. Calls that
// request any other compressor fail with [Unavailable] without reaching
// the network. Without this option the set is learned from the server's
// grpc-accept-encoding header after the first successful call.
func WithPeerEncodings(names ...string) ClientOption {
	return func(c *clientConfig) {
		c.peerEncodings = names
		c.peerDeclared = true
	}
}

// WithHeaders adds metadata sent with every call.
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *clientConfig) {
		if c.headers == nil {
			c.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithInsecure disables transport security. This is the default.
func WithInsecure() ClientOption {
	return func(c *clientConfig) {
		c.creds = insecure.NewCredentials()
	}
}

// WithTLS enables TLS with the given configuration.
func WithTLS(cfg *tls.Config) ClientOption {
	return func(c *clientConfig) {
		c.creds = credentials.NewTLS(cfg)
	}
}

// WithDialOptions appends raw grpc dial options. They are applied after the
// options derived from the rest of the configuration.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *clientConfig) {
		c.dialOptions = append(c.dialOptions, opts...)
	}
}

// WithClientTelemetry instruments the connection with an otelgrpc client
// stats handler.
func WithClientTelemetry(opts ...otelgrpc.Option) ClientOption {
	return func(c *clientConfig) {
		c.withTelemetry = true
		c.telemetry = opts
	}
}

// WithClientLogger sets the logger for call failures and negotiation
// decisions. The default discards everything.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = l
	}
}

// CallOption overrides client defaults for a single call.
type CallOption func(*callConfig)

type callConfig struct {
	timeout     time.Duration
	compression string
}

// WithCallTimeout overrides the client timeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(c *callConfig) {
		c.timeout = d
	}
}

// WithCallCompression overrides the client compressor for one call.
// [CompressionNone] disables compression.
func WithCallCompression(name string) CallOption {
	return func(c *callConfig) {
		c.compression = name
	}
}
