package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shineum/mail-dispatch/internal/email"
)

// BreakerConfig holds circuit breaker settings for one adapter.
type BreakerConfig struct {
	// ConsecutiveFailures is the number of consecutive retryable failures
	// that opens the breaker.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before letting a
	// trial request through.
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of trial requests allowed while
	// half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerConfig mirrors the five failures / one minute cooldown used by
// the delivery service this project replaces.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         time.Minute,
		HalfOpenRequests:    1,
	}
}

type breakerAdapter struct {
	next    Adapter
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps adapter in a circuit breaker. Only Retryable failures
// count against the breaker; a Fatal rejection says nothing about transport
// health. While open, Send fails with a Retryable "circuit open" error
// without calling the transport, so callers fall back to another provider.
func WithBreaker(adapter Adapter, cfg BreakerConfig, logger *slog.Logger) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}

	name := adapter.Name()
	settings := gobreaker.Settings{
		Name:        "provider-" + name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) == Fatal
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed",
				"provider", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &breakerAdapter{
		next:    adapter,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *breakerAdapter) Send(ctx context.Context, params email.Params) (*email.SendResponse, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewRetryable(b.next.Name(), "circuit open", err)
		}
		return nil, err
	}
	return result.(*email.SendResponse), nil
}

func (b *breakerAdapter) Name() string {
	return b.next.Name()
}
