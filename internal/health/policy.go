package health

import (
	"math"
	"time"

	"stackup/internal/config"
	"stackup/internal/constants"
	"stackup/internal/descriptor"
)

// Policy bounds how long a service is polled before it is declared unhealthy
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Jitter      time.Duration
}

// Budget returns the worst-case wall time spent waiting between attempts
func (p Policy) Budget() time.Duration {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return time.Duration(p.MaxAttempts-1) * (p.Interval + p.Jitter)
}

// PolicyFor derives the polling policy for a check. Explicit descriptor values
// win over the cold-start defaults from cfg; scale multiplies the attempt count.
func PolicyFor(check descriptor.HealthCheck, cfg config.HealthConfig, scale float64) Policy {
	attempts := check.MaxAttempts
	if attempts == 0 {
		if check.ColdStart == descriptor.ColdStartHeavy {
			attempts = cfg.HeavyAttempts
		} else {
			attempts = cfg.LightAttempts
		}
	}
	if attempts == 0 {
		attempts = constants.DefaultLightAttempts
	}

	if scale > 0 && scale != 1 {
		attempts = int(math.Ceil(float64(attempts) * scale))
	}
	if attempts < 1 {
		attempts = 1
	}

	interval := check.Interval.Duration
	if interval == 0 {
		interval = cfg.Interval.Duration
	}

	return Policy{
		MaxAttempts: attempts,
		Interval:    interval,
		Jitter:      cfg.Jitter.Duration,
	}
}
