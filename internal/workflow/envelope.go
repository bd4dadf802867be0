// Package workflow implements the retry envelope that drives repeated
// delivery attempts for one logical send under a RetryPolicy, persisting its
// progress so an interrupted send resumes where it stopped.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-dispatch/internal/delivery"
	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

// DefaultLeaseTTL is how long a per-id lease survives without refresh.
const DefaultLeaseTTL = 15 * time.Minute

// Deliverer runs one delivery attempt, including its fallback hop.
type Deliverer interface {
	Deliver(ctx context.Context, params email.Params, primary, fallback string) delivery.Outcome
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures an Envelope.
type Option func(*Envelope)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Envelope) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces the clock used for schedules and deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Envelope) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(e *Envelope) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithLeaseTTL sets the per-id lease lifetime. The lease is refreshed
// before every attempt, and the record is reloaded after each refresh.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Envelope) {
		if ttl > 0 {
			e.leaseTTL = ttl
		}
	}
}

// Envelope drives a send through the state machine
// Pending → Attempting → {Succeeded | BackingOff → Attempting | Exhausted}.
type Envelope struct {
	deliverer Deliverer
	store     Store
	logger    *slog.Logger
	now       func() time.Time
	sleep     SleepFunc
	leaseTTL  time.Duration
}

// New creates an Envelope that delivers through d and persists to store.
func New(d Deliverer, store Store, opts ...Option) *Envelope {
	e := &Envelope{
		deliverer: d,
		store:     store,
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleepContext,
		leaseTTL:  DefaultLeaseTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute sends params under policy, identified by the caller's idempotency
// id. A new id starts at attempt zero. An id with a non-terminal record
// continues that record's schedule, using its persisted params, providers
// and policy. A Succeeded id returns the stored response without sending.
// An Exhausted id returns its stored terminal error.
//
// The send fails with a *TerminalError once the attempt budget is spent, the
// overall timeout passes, or an attempt fails fatally on every provider it
// reached. If ctx is cancelled the record is left resumable and ctx's error
// is returned. A second concurrent call for the same id fails with
// ErrInFlight.
func (e *Envelope) Execute(ctx context.Context, id string, params email.Params, primary, fallback string, policy RetryPolicy) (*email.SendResponse, error) {
	if id == "" {
		return nil, errors.New("workflow: idempotency id is required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	owner, release, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := e.store.Load(ctx, id)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		rec = e.newRecord(id, params, primary, fallback, policy)
		if err := e.save(ctx, rec); err != nil {
			return nil, err
		}
		e.logger.Debug("delivery created",
			"idempotency_key", id,
			"provider", primary,
			"fallback", fallback,
		)
	case err != nil:
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}

	return e.run(ctx, rec, owner)
}

// Resume continues a persisted send from its record alone.
func (e *Envelope) Resume(ctx context.Context, id string) (*email.SendResponse, error) {
	owner, release, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	return e.run(ctx, rec, owner)
}

func (e *Envelope) newRecord(id string, params email.Params, primary, fallback string, policy RetryPolicy) *Record {
	now := e.now()
	rec := &Record{
		ID:        id,
		Params:    params,
		Primary:   primary,
		Fallback:  fallback,
		Policy:    policy,
		State:     StatePending,
		CreatedAt: now,
	}
	if policy.Timeout > 0 {
		rec.Deadline = now.Add(policy.Timeout)
	}
	return rec
}

func (e *Envelope) acquire(ctx context.Context, id string) (string, func(), error) {
	owner := uuid.NewString()
	if err := e.store.Acquire(ctx, id, owner, e.leaseTTL); err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			return "", nil, fmt.Errorf("%w: %s", ErrInFlight, id)
		}
		return "", nil, fmt.Errorf("acquire lease %s: %w", id, err)
	}
	release := func() {
		if err := e.store.Release(context.WithoutCancel(ctx), id, owner); err != nil {
			e.logger.Warn("failed to release lease", "idempotency_key", id, "error", err)
		}
	}
	return owner, release, nil
}

func (e *Envelope) run(ctx context.Context, rec *Record, owner string) (*email.SendResponse, error) {
	switch rec.State {
	case StateSucceeded:
		return rec.Response, nil
	case StateExhausted:
		return nil, terminalError(rec)
	}

	// Persistence outlives caller cancellation so the record stays resumable.
	persistCtx := context.WithoutCancel(ctx)

	for {
		if rec.Attempts >= rec.Policy.MaxAttempts {
			failure := rec.LastFailure
			if failure == nil {
				failure = budgetFailure(rec)
			}
			return e.exhaust(persistCtx, rec, failure)
		}

		if wait := rec.NextAttemptAt.Sub(e.now()); wait > 0 {
			if !rec.Deadline.IsZero() {
				if remaining := rec.Deadline.Sub(e.now()); remaining < wait {
					wait = remaining
				}
			}
			e.logger.Debug("backing off",
				"idempotency_key", rec.ID,
				"attempt", rec.Attempts,
				"delay", wait,
			)
			if err := e.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		if e.deadlinePassed(rec) {
			return e.exhaust(persistCtx, rec, timeoutFailure(rec))
		}

		if err := e.store.Acquire(persistCtx, rec.ID, owner, e.leaseTTL); err != nil {
			if errors.Is(err, ErrLeaseHeld) {
				return nil, fmt.Errorf("%w: lease on %s lost", ErrInFlight, rec.ID)
			}
			return nil, fmt.Errorf("refresh lease %s: %w", rec.ID, err)
		}

		// The lease may have lapsed during backoff and been used by another
		// owner, so the in-memory record is only trusted if the store agrees.
		stored, err := e.store.Load(persistCtx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("reload record %s: %w", rec.ID, err)
		}
		if advancedElsewhere(rec, stored) {
			return e.adopt(stored)
		}

		rec.State = StateAttempting
		rec.Attempts++
		rec.NextAttemptAt = time.Time{}
		if err := e.save(persistCtx, rec); err != nil {
			return nil, err
		}
		e.logger.Debug("attempting delivery",
			"idempotency_key", rec.ID,
			"attempt", rec.Attempts,
			"state", rec.State,
		)

		attemptCtx, cancel := e.attemptContext(ctx, rec)
		outcome := e.deliverer.Deliver(attemptCtx, rec.Params, rec.Primary, rec.Fallback)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if outcome.OK() {
			return e.succeed(persistCtx, rec, outcome.Response)
		}

		failure := outcome.Failure
		if failure == nil {
			failure = &delivery.Failure{Kind: provider.Retryable, Message: "empty delivery outcome", Provider: rec.Primary}
		}
		rec.LastFailure = failure

		if timedOut || e.deadlinePassed(rec) {
			return e.exhaust(persistCtx, rec, timeoutFailure(rec))
		}

		if err := ctx.Err(); err != nil {
			rec.State = StateBackingOff
			rec.NextAttemptAt = e.now()
			if saveErr := e.save(persistCtx, rec); saveErr != nil {
				return nil, errors.Join(err, saveErr)
			}
			return nil, err
		}

		if failure.Permanent() {
			return e.exhaust(persistCtx, rec, failure)
		}
		if rec.Attempts >= rec.Policy.MaxAttempts {
			return e.exhaust(persistCtx, rec, failure)
		}

		delay := e.backoff(rec.Policy, rec.Attempts, failure)
		rec.State = StateBackingOff
		rec.NextAttemptAt = e.now().Add(delay)
		if err := e.save(persistCtx, rec); err != nil {
			return nil, err
		}
		e.logger.Info("delivery attempt failed, will retry",
			"idempotency_key", rec.ID,
			"attempt", rec.Attempts,
			"provider", failure.Provider,
			"kind", failure.Kind.String(),
			"delay", delay,
		)
	}
}

// backoff returns the policy delay, raised to any provider-suggested
// Retry-After, capped at MaxInterval.
func (e *Envelope) backoff(policy RetryPolicy, attempt int, failure *delivery.Failure) time.Duration {
	delay := policy.Delay(attempt)
	if ra := failure.RetryAfter(); ra > delay {
		delay = ra
	}
	if delay > policy.MaxInterval {
		delay = policy.MaxInterval
	}
	return delay
}

func (e *Envelope) attemptContext(ctx context.Context, rec *Record) (context.Context, context.CancelFunc) {
	if rec.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, rec.Deadline.Sub(e.now()))
}

func (e *Envelope) deadlinePassed(rec *Record) bool {
	return !rec.Deadline.IsZero() && !e.now().Before(rec.Deadline)
}

func (e *Envelope) succeed(ctx context.Context, rec *Record, resp *email.SendResponse) (*email.SendResponse, error) {
	rec.State = StateSucceeded
	rec.Response = resp
	rec.NextAttemptAt = time.Time{}
	e.logger.Info("delivery succeeded",
		"idempotency_key", rec.ID,
		"attempt", rec.Attempts,
		"provider", resp.ProviderName,
		"message_id", resp.MessageID,
	)
	if err := e.save(ctx, rec); err != nil {
		return resp, err
	}
	return resp, nil
}

func (e *Envelope) exhaust(ctx context.Context, rec *Record, failure *delivery.Failure) (*email.SendResponse, error) {
	rec.State = StateExhausted
	rec.LastFailure = failure
	rec.NextAttemptAt = time.Time{}
	e.logger.Warn("delivery exhausted",
		"idempotency_key", rec.ID,
		"attempt", rec.Attempts,
		"provider", failure.Provider,
		"kind", failure.Kind.String(),
		"error", failure.Message,
	)
	if err := e.save(ctx, rec); err != nil {
		return nil, errors.Join(terminalError(rec), err)
	}
	return nil, terminalError(rec)
}

func advancedElsewhere(rec, stored *Record) bool {
	return stored.State.Terminal() ||
		stored.Attempts != rec.Attempts ||
		!stored.UpdatedAt.Equal(rec.UpdatedAt)
}

// adopt answers from a record another owner advanced. A terminal record is
// replayed; a live one belongs to whoever advanced it.
func (e *Envelope) adopt(stored *Record) (*email.SendResponse, error) {
	e.logger.Warn("record advanced by another owner",
		"idempotency_key", stored.ID,
		"attempt", stored.Attempts,
		"state", stored.State,
	)
	switch stored.State {
	case StateSucceeded:
		return stored.Response, nil
	case StateExhausted:
		return nil, terminalError(stored)
	}
	return nil, fmt.Errorf("%w: %s advanced by another owner", ErrInFlight, stored.ID)
}

func (e *Envelope) save(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = e.now()
	if err := e.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	return nil
}

func terminalError(rec *Record) *TerminalError {
	return &TerminalError{ID: rec.ID, Attempts: rec.Attempts, Failure: rec.LastFailure}
}

func timeoutFailure(rec *Record) *delivery.Failure {
	name := rec.Primary
	if rec.LastFailure != nil && rec.LastFailure.Provider != "" {
		name = rec.LastFailure.Provider
	}
	cause := provider.NewRetryable(name, "timeout", context.DeadlineExceeded)
	return &delivery.Failure{
		Kind:     provider.Retryable,
		Message:  "timeout",
		Provider: name,
		Causes:   []*provider.Error{cause},
	}
}

func budgetFailure(rec *Record) *delivery.Failure {
	cause := provider.NewRetryable(rec.Primary, "attempt budget exhausted", nil)
	return &delivery.Failure{
		Kind:     provider.Retryable,
		Message:  cause.Message,
		Provider: rec.Primary,
		Causes:   []*provider.Error{cause},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
