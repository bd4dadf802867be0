// Package mock implements a scripted Adapter for local development and
// tests. Each Send consumes the next scripted scenario; once the script is
// exhausted the default scenario applies.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

// Scenario enumerates the supported mock behaviours.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioRetryable Scenario = "retryable"
	ScenarioFatal     Scenario = "fatal"

	// ScenarioTimeout blocks until the context is done, simulating a hung
	// network call, then fails with a Retryable timeout.
	ScenarioTimeout Scenario = "timeout"
)

// Option customizes the mock adapter at construction time.
type Option func(*Adapter)

// WithScript queues scenarios consumed one per Send call.
func WithScript(scenarios ...Scenario) Option {
	return func(a *Adapter) {
		a.script = append(a.script, scenarios...)
	}
}

// WithDefault sets the scenario used after the script is exhausted.
func WithDefault(s Scenario) Option {
	return func(a *Adapter) {
		a.defaultScenario = s
	}
}

// WithMessage overrides the failure message for retryable and fatal
// scenarios.
func WithMessage(msg string) Option {
	return func(a *Adapter) {
		a.message = msg
	}
}

// WithLatency delays every Send by d, honouring context cancellation.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) {
		a.latency = d
	}
}

// WithClock overrides the clock used for AcceptedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// Adapter is a deterministic provider.Adapter that makes no network calls.
type Adapter struct {
	name            string
	defaultScenario Scenario
	message         string
	latency         time.Duration
	now             func() time.Time

	mu     sync.Mutex
	script []Scenario
	sent   []email.Params
	calls  int
}

// New creates a mock adapter registered under name. By default it always
// succeeds.
func New(name string, opts ...Option) *Adapter {
	a := &Adapter{
		name:            name,
		defaultScenario: ScenarioSuccess,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Send plays the next scenario.
func (a *Adapter) Send(ctx context.Context, params email.Params) (*email.SendResponse, error) {
	scenario := a.next(params)

	if a.latency > 0 {
		timer := time.NewTimer(a.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, provider.NewRetryable(a.name, "timeout", ctx.Err())
		case <-timer.C:
		}
	}

	switch scenario {
	case ScenarioRetryable:
		return nil, provider.NewRetryable(a.name, a.failureMessage("mock: temporary failure"), nil)
	case ScenarioFatal:
		return nil, provider.NewFatal(a.name, a.failureMessage("mock: message rejected"), nil)
	case ScenarioTimeout:
		<-ctx.Done()
		return nil, provider.NewRetryable(a.name, "timeout", ctx.Err())
	default:
		return &email.SendResponse{
			ProviderName: a.name,
			MessageID:    "mock-" + uuid.NewString(),
			AcceptedAt:   a.now(),
		}, nil
	}
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return a.name
}

// Calls returns the number of Send invocations so far.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Sent returns a copy of every message passed to Send.
func (a *Adapter) Sent() []email.Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]email.Params, len(a.sent))
	copy(out, a.sent)
	return out
}

func (a *Adapter) next(params email.Params) Scenario {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	a.sent = append(a.sent, params)

	if len(a.script) == 0 {
		return a.defaultScenario
	}
	s := a.script[0]
	a.script = a.script[1:]
	return s
}

func (a *Adapter) failureMessage(fallback string) string {
	if a.message != "" {
		return a.message
	}
	return fallback
}
