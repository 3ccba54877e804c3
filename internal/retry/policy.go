// Package retry holds the collector's backoff policy as a pure decision
// function so it can be tested without networks or clocks.
package retry

import (
	"errors"
	"time"

	"github.com/cloudwx/weather-collector/internal/weather"
)

// Policy controls exponential backoff behaviour.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy mirrors the provider quota headroom we run with in production.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Retryable reports whether the error kind can succeed on a repeat attempt
// with the same input. Only transient service and storage failures qualify;
// not-found, malformed and conflict errors need a different input.
func Retryable(err error) bool {
	var (
		ts *weather.TransientServiceError
		su *weather.StorageUnavailableError
	)
	return errors.As(err, &ts) || errors.As(err, &su)
}

// Decide maps (error, attempt) to a backoff delay and whether to retry at
// all. attempt is zero-based: attempt 0 is the first failure. The delay
// doubles per attempt from InitialInterval up to MaxInterval.
func (p Policy) Decide(err error, attempt int) (time.Duration, bool) {
	if !Retryable(err) {
		return 0, false
	}
	if attempt >= p.MaxRetries {
		return 0, false
	}

	delay := p.InitialInterval << uint(attempt)
	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}
	return delay, true
}
