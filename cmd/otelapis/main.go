// Package main provides the otelapis CLI: feature inspection, protoc code
// generation and a small OTLP collector with a NATS relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mikluko/otelapis"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	mode := os.Args[1]
	switch mode {
	case "features":
		err = runFeatures(os.Stdout, os.Args[2:])
	case "describe":
		err = runDescribe(os.Stdout, os.Args[2:])
	case "gen":
		err = runGen(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "forward":
		err = runForward(os.Args[2:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return
	default:
		_, _ = fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", mode)
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `otelapis - OpenTelemetry protocol tooling

Usage:
  otelapis <mode> [flags]

Modes:
  features  List feature groups, bundles and their requirements
  describe  Print messages, services and methods of the selected features
  gen       Run protoc for the selected features
  serve     Run an OTLP collector, optionally relaying to NATS
  forward   Export telemetry consumed from NATS to an OTLP endpoint

Common Flags:
  --config     Config file (YAML or JSON)
  --manifest   Extra feature groups (YAML)
  --features   Comma separated features (default: otel-all)

Gen Flags:
  --dry-run    Print the protoc command without running it

Serve Flags:
  --relay      Publish received telemetry to NATS

Environment Variables:
  OTELAPIS_COLLECTOR_ADDRESS    Collector listen address
  OTELAPIS_PROTO_ROOT           opentelemetry-proto checkout
  OTELAPIS_PROTOC               protoc binary
  OTEL_EXPORTER_OTLP_ENDPOINT   Forward target
  NATS_URL                      NATS server
  OTELAPIS_LOG_LEVEL            trace, debug, info, warn, error

Examples:
  otelapis features
  otelapis gen --features otel-trace --dry-run
  otelapis serve --config otelapis.yaml --relay
  otelapis forward --config otelapis.yaml`)
}

// commonFlags are shared by every mode.
type commonFlags struct {
	config   string
	manifest string
	features string
}

func bindCommonFlags(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.config, "config", "", "Config file (YAML or JSON)")
	fs.StringVar(&f.manifest, "manifest", "", "Extra feature groups (YAML)")
	fs.StringVar(&f.features, "features", "", "Comma separated features")
	return f
}

// loadConfig reads path, or applies defaults and environment overrides when
// path is empty.
func loadConfig(path string) (*otelapis.Config, error) {
	if path == "" {
		return otelapis.ParseConfig([]byte("{}"))
	}
	return otelapis.LoadConfig(path)
}

func loadManifest(path string) (*otelapis.Manifest, error) {
	if path == "" {
		return otelapis.DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return otelapis.ParseManifest(data)
}

func newLogger(cfg otelapis.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// app is the state shared by every mode.
type app struct {
	cfg    *otelapis.Config
	flags  *commonFlags
	logger zerolog.Logger
}

func newApp(fs *flag.FlagSet, args []string, logOut io.Writer) (*app, error) {
	cf := bindCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(cf.config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, flags: cf, logger: logger}, nil
}

// features returns the --features selection, or fallback when the flag is
// not set.
func (a *app) features(fallback []string) []string {
	if a.flags.features == "" {
		return fallback
	}
	var out []string
	for _, name := range strings.Split(a.flags.features, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// signalContext carries the logger and is cancelled on SIGINT or SIGTERM.
func (a *app) signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return a.logger.WithContext(ctx), cancel
}
