package otelapis

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryPolicy configures [Retry].
type RetryPolicy struct {
	InitialInterval time.Duration `yaml:"initialInterval" default:"500ms"`
	MaxInterval     time.Duration `yaml:"maxInterval" default:"30s"`
	// MaxElapsedTime bounds the whole retry loop. Zero means no bound.
	MaxElapsedTime time.Duration `yaml:"maxElapsedTime" default:"1m"`
	// MaxAttempts counts the first call. Zero means unlimited.
	MaxAttempts int `yaml:"maxAttempts" default:"5" validate:"gte=0"`
}

// DefaultRetryPolicy mirrors the struct tag defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  time.Minute,
		MaxAttempts:     5,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsedTime

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

// Retry calls fn until it succeeds, returns an error that is not
// [Unavailable], or the policy gives up. The last error is returned.
// Attempts are logged through the logger attached to ctx (zerolog.Ctx).
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	logger := zerolog.Ctx(ctx)
	attempt := 0

	op := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && !IsUnavailable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Retrying call")
	}

	err := backoff.RetryNotify(op, policy.backOff(ctx), notify)
	if err == nil && attempt > 1 {
		logger.Info().Int("attempt", attempt).Msg("Call succeeded after retry")
	}
	return err
}
