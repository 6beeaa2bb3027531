package remotelog

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the reconnect loop.
type RetryPolicy struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`

	// MaxRetries is the number of consecutive failed reconnect attempts
	// tolerated before the reader gives up. Negative means unlimited.
	MaxRetries int `mapstructure:"max_retries"`
}

// DefaultRetryPolicy starts at 5s and doubles up to one minute, five tries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     5 * time.Second,
		MaxInterval:         time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.1,
		MaxRetries:          5,
	}
}

// Retry is the explicit reconnect state: how many attempts have been made
// and how long to wait before the next one. It holds no timers, so tests can
// step it without sleeping.
type Retry struct {
	policy  RetryPolicy
	b       backoff.BackOff
	attempt int
	last    time.Duration
}

// NewRetry creates retry state for p. Unset intervals and multiplier take
// DefaultRetryPolicy values; a zero RandomizationFactor disables jitter and
// MaxRetries 0 disables reconnects.
func NewRetry(p RetryPolicy) *Retry {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = def.RandomizationFactor
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.RandomizationFactor
	// The ceiling is an attempt count, never wall time.
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(exp, uint64(p.MaxRetries))
	}
	return &Retry{policy: p, b: b}
}

// Next advances to the next attempt and returns the delay to wait first.
// ok is false once the retry ceiling is reached.
func (r *Retry) Next() (delay time.Duration, ok bool) {
	d := r.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempt++
	r.last = d
	return d, true
}

// Attempt returns the number of attempts handed out since the last Reset.
func (r *Retry) Attempt() int {
	return r.attempt
}

// LastDelay returns the delay returned by the latest Next.
func (r *Retry) LastDelay() time.Duration {
	return r.last
}

// Policy returns the effective policy after defaults.
func (r *Retry) Policy() RetryPolicy {
	return r.policy
}

// Reset clears the state after a successful connection.
func (r *Retry) Reset() {
	r.b.Reset()
	r.attempt = 0
	r.last = 0
}
