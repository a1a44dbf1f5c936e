package engine

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/hupe1980/agentplan/core"
)

// RetryPolicy bounds how often and how quickly a failed step is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	// Jitter spreads each delay by up to ±Jitter of its value (0..1).
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryPolicy retries up to three attempts with 500ms, 1s backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
	Multiplier:     2,
	Jitter:         0.1,
}

// Backoff returns the delay to wait after the given failed attempt
// (1-based), without jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Decision is the outcome of classifying a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	Kind  core.ErrorKind
}

// Coordinator classifies invoker errors and decides whether a step gets
// another attempt.
type Coordinator struct {
	policy RetryPolicy
	rand   func() float64
}

// NewCoordinator creates a Coordinator for policy.
func NewCoordinator(policy RetryPolicy) *Coordinator {
	return &Coordinator{policy: policy, rand: rand.Float64}
}

// Policy returns the coordinator's retry policy.
func (c *Coordinator) Policy() RetryPolicy { return c.policy }

// MaxAttempts resolves a step override against the policy default.
func (c *Coordinator) MaxAttempts(override int) int {
	if override > 0 {
		return override
	}
	if c.policy.MaxAttempts > 0 {
		return c.policy.MaxAttempts
	}
	return 1
}

// Decide classifies err after attempt (1-based) out of maxAttempts.
// Validation and cancellation errors are never retried.
func (c *Coordinator) Decide(err error, attempt, maxAttempts int) Decision {
	kind := core.KindOf(err)
	if !kind.Retryable() || attempt >= maxAttempts {
		return Decision{Kind: kind}
	}
	return Decision{Retry: true, Kind: kind, Delay: c.jitter(c.policy.Backoff(attempt))}
}

func (c *Coordinator) jitter(d time.Duration) time.Duration {
	j := c.policy.Jitter
	if j <= 0 || d <= 0 {
		return d
	}
	if j > 1 {
		j = 1
	}
	spread := (c.rand()*2 - 1) * j * float64(d)
	return time.Duration(float64(d) + spread)
}
