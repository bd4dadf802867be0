package workflow

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryPolicy bounds the attempts the envelope makes for one message.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialInterval   time.Duration `json:"initial_interval"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxInterval       time.Duration `json:"max_interval"`

	// Timeout bounds the whole send, across attempts and restarts. Zero
	// disables the overall deadline.
	Timeout time.Duration `json:"timeout"`
}

// DefaultRetryPolicy returns three attempts starting at 30 seconds, doubling
// up to five minutes, within a ten minute overall timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialInterval:   30 * time.Second,
		BackoffMultiplier: 2.0,
		MaxInterval:       5 * time.Minute,
		Timeout:           10 * time.Minute,
	}
}

// Validate rejects policies that cannot produce a bounded, non-decreasing
// schedule.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.InitialInterval < 0 {
		errs = append(errs, fmt.Errorf("initial interval must not be negative, got %s", p.InitialInterval))
	}
	if p.BackoffMultiplier < 1 || math.IsNaN(p.BackoffMultiplier) || math.IsInf(p.BackoffMultiplier, 0) {
		errs = append(errs, fmt.Errorf("backoff multiplier must be a finite value >= 1, got %v", p.BackoffMultiplier))
	}
	if p.MaxInterval < p.InitialInterval {
		errs = append(errs, fmt.Errorf("max interval %s is below initial interval %s", p.MaxInterval, p.InitialInterval))
	}
	if p.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", p.Timeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid retry policy: %w", errors.Join(errs...))
	}
	return nil
}

// Delay returns the backoff after the given failed attempt (1-based):
// InitialInterval * BackoffMultiplier^(attempt-1), capped at MaxInterval.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d >= float64(p.MaxInterval) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxInterval
	}
	return time.Duration(d)
}
