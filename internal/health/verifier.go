// Package health polls service liveness probes under a bounded retry policy.
package health

import (
	"context"
	"math/rand"
	"time"

	"stackup/internal/errors"
	"stackup/internal/logger"
)

// AttemptFunc observes each failed attempt
type AttemptFunc func(serviceID string, attempt int, err error)

// Verifier runs probes until they pass, the budget is exhausted or the
// context is cancelled. The zero value is ready to use.
type Verifier struct {
	OnAttempt AttemptFunc
}

// Verify polls probe according to policy. It never re-installs anything.
// Returns nil on the first success, a CANCELLED error when ctx ends, and a
// HEALTH_TIMEOUT error carrying the last probe failure otherwise.
func (v *Verifier) Verify(ctx context.Context, serviceID string, probe Probe, policy Policy) error {
	log := logger.WithContext(ctx).WithFields(logger.Fields{
		"service": serviceID,
		"probe":   probe.String(),
	})

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return errors.Cancelled(serviceID)
		}

		lastErr = probe.Check(ctx)
		if lastErr == nil {
			log.WithField("attempt", attempt).Info("Service is healthy")
			return nil
		}
		if ctx.Err() != nil {
			return errors.Cancelled(serviceID)
		}

		log.WithField("attempt", attempt).WithError(lastErr).Debug("Health check failed")
		if v != nil && v.OnAttempt != nil {
			v.OnAttempt(serviceID, attempt, lastErr)
		}

		if attempt < attempts {
			if err := wait(ctx, policy.Interval, policy.Jitter); err != nil {
				return errors.Cancelled(serviceID)
			}
		}
	}

	log.WithField("attempts", attempts).WithError(lastErr).Warn("Health check budget exhausted")
	return errors.HealthTimeout(serviceID, attempts, lastErr)
}

func wait(ctx context.Context, interval, jitter time.Duration) error {
	d := interval
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
