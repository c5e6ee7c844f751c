package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/cenkalti/backoff/v4"
)

// Default retry settings.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
	DefaultAttemptTimeout = 60 * time.Second
)

const logFmtRetrying = "Engine %s attempt %d/%d failed (%s), retrying in %s: %v"

// RetryPolicy bounds how a chunk is retried against an engine.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}

	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}

	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}

	return p
}

// Retrier runs engine calls under a per-attempt timeout and retries
// transient failures with exponential backoff.
type Retrier struct {
	policy RetryPolicy
	log    *logger.Logger
}

// NewRetrier creates a Retrier. Zero policy fields take the defaults.
func NewRetrier(policy RetryPolicy, log *logger.Logger) *Retrier {
	return &Retrier{policy: policy.withDefaults(), log: log}
}

// Synthesize calls engine until it succeeds, fails with a non-transient kind,
// or exhausts the attempt ceiling. onAttempt, if set, is called with the
// 1-based attempt number before every call.
func (r *Retrier) Synthesize(
	ctx context.Context,
	engine core.Synthesizer,
	text string,
	voice core.VoiceParams,
	onAttempt func(attempt int),
) ([]byte, error) {
	var (
		audio   []byte
		attempt int
	)

	operation := func() error {
		attempt++

		if onAttempt != nil {
			onAttempt(attempt)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()

		data, err := engine.Synthesize(attemptCtx, text, voice)
		if err == nil && len(data) == 0 {
			err = core.NewError(core.KindEngineRejected, fmt.Errorf("%s: %w", engine.Name(), ErrEmptyAudio))
		}

		if err != nil {
			classified := classify(ctx, attemptCtx, err)
			if !core.KindOf(classified).Transient() {
				return backoff.Permanent(classified)
			}

			return classified
		}

		audio = data

		return nil
	}

	notify := func(err error, wait time.Duration) {
		r.log.Warn(logFmtRetrying, engine.Name(), attempt, r.policy.MaxAttempts, core.KindOf(err), wait, err)
	}

	err := backoff.RetryNotify(operation, r.schedule(ctx), notify)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("synthesis abandoned after %d attempts: %w", attempt, context.Cause(ctx))
		}

		return nil, err
	}

	return audio, nil
}

func (r *Retrier) schedule(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.policy.InitialBackoff
	expo.MaxInterval = r.policy.MaxBackoff
	expo.MaxElapsedTime = 0
	expo.Reset()

	retries := uint64(r.policy.MaxAttempts - 1) //nolint:gosec // MaxAttempts is positive

	return backoff.WithContext(backoff.WithMaxRetries(expo, retries), ctx)
}

// classify gives engine errors without a kind one derived from the attempt's
// context, so a per-attempt deadline always reads as EngineTimeout.
func classify(ctx, attemptCtx context.Context, err error) error {
	var classified *core.Error
	if errors.As(err, &classified) {
		return err
	}

	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return core.NewError(core.KindEngineTimeout, err)
	}

	return core.NewError(core.KindInternal, err)
}
