package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ForClass adjusts the policy for an error class. Rate limits back off
// five times longer than server errors, network errors twice as long.
func (rc RetryConfig) ForClass(errorClass ErrorClass) RetryConfig {
	switch errorClass {
	case ErrorClassRateLimit:
		rc.InitialBackoff *= 5
		rc.MaxBackoff *= 2
	case ErrorClassNetwork:
		rc.InitialBackoff *= 2
	}
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.BackoffMultiplier < 1 {
		rc.BackoffMultiplier = 1
	}
	return rc
}

// backoff returns the un-jittered wait after the given failed attempt (1-based).
func (rc RetryConfig) backoff(attempt int) time.Duration {
	d := rc.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * rc.BackoffMultiplier)
		if d >= rc.MaxBackoff {
			return rc.MaxBackoff
		}
	}
	if d > rc.MaxBackoff {
		return rc.MaxBackoff
	}
	return d
}

// retryWithBackoff runs fn until it succeeds, returns a non-retryable
// class, or runs out of attempts. fn reports the class of its failure so
// the backoff can follow it. A Retry-After hint on an *APIError raises the
// wait up to MaxBackoff.
func retryWithBackoff(ctx context.Context, base RetryConfig, logger zerolog.Logger, fn func() (ErrorClass, error)) error {
	var (
		lastErr   error
		lastClass ErrorClass
		attempt   int
	)

	for attempt = 1; ; attempt++ {
		errorClass, err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(lastClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr, lastClass = err, errorClass

		if !shouldRetry(errorClass) {
			return err
		}

		config := base.ForClass(errorClass)
		if attempt >= config.MaxAttempts {
			break
		}

		wait := config.backoff(attempt)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
			wait = min(apiErr.RetryAfter, config.MaxBackoff)
		}

		requestRetriesTotal.WithLabelValues(string(errorClass)).Inc()

		// ±20% jitter
		jitter := time.Duration(float64(wait) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(jitter.Seconds())

		logger.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	logger.Warn().
		Str("error_class", string(lastClass)).
		Int("attempts", attempt).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, lastErr)
}
