package dispatch

import (
	"math"
	"time"

	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// BackoffKind selects how the retry delay grows.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// Policy is the retry and retention policy of one job type.
type Policy struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       BackoffKind   `yaml:"backoff"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	Multiplier    float64       `yaml:"multiplier"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	KeepCompleted int           `yaml:"keep_completed"`
	KeepFailed    int           `yaml:"keep_failed"`
}

// Delay returns the wait before the next attempt, given how many attempts
// have been made so far. The first retry waits BaseDelay.
func (p Policy) Delay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := p.BaseDelay
	if p.Backoff == BackoffExponential {
		mult := p.Multiplier
		if mult <= 1 {
			mult = 2
		}
		delay = time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attemptsMade-1)))
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether no attempt is left after attemptsMade.
func (p Policy) Exhausted(attemptsMade int) bool {
	return attemptsMade >= p.MaxAttempts
}

// DefaultPolicies returns the built-in policy for every job type.
func DefaultPolicies() map[notify.JobType]Policy {
	return map[notify.JobType]Policy{
		notify.JobNotification: {
			MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 2 * time.Second, Multiplier: 2,
			MaxDelay: time.Minute, KeepCompleted: 100, KeepFailed: 50,
		},
		notify.JobEmail: {
			MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 5 * time.Second, Multiplier: 2,
			MaxDelay: 5 * time.Minute, KeepCompleted: 50, KeepFailed: 100,
		},
		notify.JobSMS: {
			MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 5 * time.Second, Multiplier: 2,
			MaxDelay: 5 * time.Minute, KeepCompleted: 50, KeepFailed: 100,
		},
		notify.JobReport: {
			MaxAttempts: 2, Backoff: BackoffFixed, BaseDelay: 30 * time.Second,
			KeepCompleted: 10, KeepFailed: 20,
		},
	}
}

// mergePolicies overlays configured policies on the defaults. Zero fields keep the default.
func mergePolicies(overrides map[notify.JobType]Policy) map[notify.JobType]Policy {
	out := DefaultPolicies()
	for t, o := range overrides {
		p := out[t]
		if o.MaxAttempts > 0 {
			p.MaxAttempts = o.MaxAttempts
		}
		if o.Backoff != "" {
			p.Backoff = o.Backoff
		}
		if o.BaseDelay > 0 {
			p.BaseDelay = o.BaseDelay
		}
		if o.Multiplier > 0 {
			p.Multiplier = o.Multiplier
		}
		if o.MaxDelay > 0 {
			p.MaxDelay = o.MaxDelay
		}
		if o.KeepCompleted > 0 {
			p.KeepCompleted = o.KeepCompleted
		}
		if o.KeepFailed > 0 {
			p.KeepFailed = o.KeepFailed
		}
		out[t] = p
	}
	return out
}
