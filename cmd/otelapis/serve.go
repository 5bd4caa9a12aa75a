package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"github.com/mikluko/otelapis"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	relay := fs.Bool("relay", false, "Publish received telemetry to NATS")
	a, err := newApp(fs, args, os.Stderr)
	if err != nil {
		return err
	}
	ctx, cancel := a.signalContext()
	defer cancel()

	opts := append(a.cfg.Collector.Options(), otelapis.WithLogger(a.logger))
	if features := a.features(nil); len(features) > 0 {
		opts = append(opts, otelapis.WithFeatures(features...))
	}
	if a.flags.manifest != "" {
		m, err := loadManifest(a.flags.manifest)
		if err != nil {
			return err
		}
		opts = append(opts, otelapis.WithManifest(m))
	}
	col, err := otelapis.NewCollector(opts...)
	if err != nil {
		return err
	}

	consume := logEvents
	if *relay {
		nc, err := connectNATS(a.cfg.NATS)
		if err != nil {
			return err
		}
		defer nc.Close()

		r, err := newRelay(nc, a.cfg.NATS, a.logger)
		if err != nil {
			return err
		}
		consume = func(ctx context.Context, s *otelapis.Stream[otelapis.Event]) error {
			defer r.Close()
			if err := r.Relay(ctx, s); err != nil {
				return err
			}
			return r.Flush(ctx)
		}
	}

	// Events are drained after shutdown, so the consumer outlives ctx.
	done := make(chan error, 1)
	go func() {
		done <- consume(context.WithoutCancel(ctx), col.Events())
	}()

	serveErr := col.ListenAndServe(ctx)

	// ListenAndServe returns early without shutting down when listen fails.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := col.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	return errors.Join(serveErr, <-done)
}

func logEvents(ctx context.Context, s *otelapis.Stream[otelapis.Event]) error {
	logger := zerolog.Ctx(ctx)
	for ev, err := range s.All() {
		if err != nil {
			return err
		}
		logger.Info().
			Str("signal", string(ev.Signal)).
			Int("bytes", proto.Size(ev.Request())).
			Msg("Received")
	}
	return nil
}

func connectNATS(cfg otelapis.NATSConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("otelapis"), nats.Timeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

func newRelay(nc *nats.Conn, cfg otelapis.NATSConfig, logger zerolog.Logger) (*otelapis.NATSRelay, error) {
	opts := append(cfg.RelayOptions(), otelapis.WithRelayLogger(logger))
	if cfg.Stream != "" {
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		opts = append(opts, otelapis.WithRelayJetStream(js))
	}
	return otelapis.NewNATSRelay(nc, opts...)
}

func runForward(args []string) error {
	a, err := newApp(flag.NewFlagSet("forward", flag.ExitOnError), args, os.Stderr)
	if err != nil {
		return err
	}
	ctx, cancel := a.signalContext()
	defer cancel()

	nc, err := connectNATS(a.cfg.NATS)
	if err != nil {
		return err
	}
	defer nc.Close()

	srcOpts := append(a.cfg.NATS.SourceOptions(), otelapis.WithSourceLogger(a.logger))
	if a.cfg.NATS.Stream != "" {
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("create JetStream context: %w", err)
		}
		srcOpts = append(srcOpts, otelapis.WithSourceJetStream(js, a.cfg.NATS.Stream))
	}
	src, err := otelapis.NewNATSSource(nc, srcOpts...)
	if err != nil {
		return err
	}

	client, err := otelapis.NewClient(a.cfg.Client.Endpoint,
		append(a.cfg.Client.Options(), otelapis.WithClientLogger(a.logger))...)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := src.Start(ctx); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := src.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("NATS source shutdown incomplete")
		}
	})
	defer stop()

	return forward(ctx, src.Events(), client, a.cfg.Client.Retry)
}

// forward exports every event until the stream ends. Failed exports are
// logged and dropped.
func forward(ctx context.Context, s *otelapis.Stream[otelapis.Event], client *otelapis.Client, policy otelapis.RetryPolicy) error {
	logger := zerolog.Ctx(ctx)
	for ev, err := range s.All() {
		if err != nil {
			return err
		}
		exportErr := otelapis.Retry(ctx, policy, func(ctx context.Context) error {
			return client.ExportEvent(ctx, ev)
		})
		var partial *otelapis.PartialSuccessError
		switch {
		case exportErr == nil:
			logger.Debug().Str("subject", ev.Subject).Msg("Forwarded")
		case errors.As(exportErr, &partial):
			logger.Warn().
				Str("signal", string(ev.Signal)).
				Int64("rejected", partial.Rejected).
				Msg("Forward partially rejected")
		case ctx.Err() != nil:
			return nil
		default:
			logger.Error().Err(exportErr).
				Str("signal", string(ev.Signal)).
				Str("subject", ev.Subject).
				Msg("Forward failed")
		}
	}
	return nil
}
