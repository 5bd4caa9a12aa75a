package otelapis

import "errors"

var (
	ErrNilConnection    = errors.New("otelapis: nil connection")
	ErrNilClient        = errors.New("otelapis: nil client")
	ErrCollectorStopped = errors.New("otelapis: collector already shut down")
	ErrUnmarshal        = errors.New("otelapis: failed to unmarshal data")
	ErrDecode           = errors.New("otelapis: decode failed")
	ErrUnknownSignal    = errors.New("otelapis: unknown signal type in message header")
	ErrUnknownFeature   = errors.New("otelapis: unknown feature")
	ErrFeatureCycle     = errors.New("otelapis: feature dependency cycle")
	ErrNoFeatures       = errors.New("otelapis: no features selected")
	ErrStreamCancelled  = errors.New("otelapis: stream cancelled")
	ErrProtoRootMissing = errors.New("otelapis: proto root not found")
	ErrRelayClosed      = errors.New("otelapis: relay closed")
	ErrSourceShutdown   = errors.New("otelapis: source is shut down")
)
