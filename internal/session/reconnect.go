package session

import (
	"errors"
	"math/rand/v2"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	defaultMaxJitter   = 200 * time.Millisecond
)

// ErrReconnectExhausted is surfaced when the attempt cap is reached.
var ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")

// ReconnectConfig configures the reconnect policy.
type ReconnectConfig struct {
	// BaseDelay is the delay before the first attempt. It doubles with every
	// further attempt. Defaults to 500ms if zero.
	BaseDelay time.Duration

	// MaxDelay caps the delay, jitter included. Defaults to 5s if zero.
	MaxDelay time.Duration

	// MaxJitter is the upper bound of the random delay added to every
	// attempt. Defaults to 200ms if zero; negative disables jitter.
	MaxJitter time.Duration

	// MaxAttempts is the number of reconnects tried before giving up.
	// Defaults to 5 if zero.
	MaxAttempts int
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxJitter == 0 {
		c.MaxJitter = defaultMaxJitter
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Backoff returns the delay for the given 1-based attempt without jitter:
// min(BaseDelay * 2^(attempt-1), MaxDelay).
func (c ReconnectConfig) Backoff(attempt int) time.Duration {
	return c.Delay(attempt, 0)
}

// Delay returns min(BaseDelay * 2^(attempt-1) + jitter, MaxDelay).
func (c ReconnectConfig) Delay(attempt int, jitter time.Duration) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseDelay
	for i := 1; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	return min(d+jitter, c.MaxDelay)
}

// ReconnectPlan describes the next scheduled reconnect.
type ReconnectPlan struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// randomJitter returns a uniformly distributed duration in [0, limit].
func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit + 1)
}
