package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/auction-settlement/internal/apperrors"
	"github.com/akylbek/payment-system/auction-settlement/internal/metrics"
	"github.com/akylbek/payment-system/auction-settlement/internal/models"
	"github.com/akylbek/payment-system/auction-settlement/internal/telemetry"
)

// RetryPolicy bounds how provider calls are retried.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		AttemptTimeout:  5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// callProvider runs fn until it succeeds, the provider declines, retries run out or ctx ends.
// Each attempt gets its own timeout.
func callProvider(ctx context.Context, policy RetryPolicy, operation string, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx := ctx
		if policy.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
			defer cancel()
		}

		err := fn(attemptCtx)
		if err == nil {
			metrics.ProviderCallsTotal.WithLabelValues(operation, "ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			metrics.ProviderCallsTotal.WithLabelValues(operation, "cancelled").Inc()
			return backoff.Permanent(ctx.Err())
		}

		var perr *models.ProviderError
		if errors.As(err, &perr) && !perr.Temporary {
			metrics.ProviderCallsTotal.WithLabelValues(operation, "declined").Inc()
			return backoff.Permanent(err)
		}

		metrics.ProviderCallsTotal.WithLabelValues(operation, "error").Inc()
		telemetry.Logger.Warn("Payment provider call failed",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	return backoff.Retry(op, policy.backOff(ctx))
}

// providerFailure converts an exhausted or declined provider call into an upstream AppError.
func providerFailure(operation string, err error) *apperrors.AppError {
	var perr *models.ProviderError
	if errors.As(err, &perr) && !perr.Temporary {
		return apperrors.NewUpstreamError(apperrors.CodeProviderDeclined,
			"payment provider declined "+operation, false).WithCause(err)
	}
	return apperrors.NewUpstreamError(apperrors.CodeProviderUnavailable,
		"payment provider unavailable for "+operation, true).WithCause(err)
}
