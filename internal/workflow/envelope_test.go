package workflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-dispatch/internal/delivery"
	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
	"github.com/shineum/mail-dispatch/internal/provider/mock"
	"github.com/shineum/mail-dispatch/internal/workflow"
	"github.com/shineum/mail-dispatch/internal/workflow/store"
)

// fakeClock advances only when the envelope sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// countingDeliverer counts orchestrator invocations.
type countingDeliverer struct {
	next  workflow.Deliverer
	calls atomic.Int32
}

func (d *countingDeliverer) Deliver(ctx context.Context, params email.Params, primary, fallback string) delivery.Outcome {
	d.calls.Add(1)
	return d.next.Deliver(ctx, params, primary, fallback)
}

// throttledAdapter always fails Retryable with a Retry-After hint.
type throttledAdapter struct {
	name  string
	after time.Duration
}

func (a throttledAdapter) Send(context.Context, email.Params) (*email.SendResponse, error) {
	return nil, &provider.Error{Kind: provider.Retryable, Provider: a.name, Message: "429 Too Many Requests", RetryAfter: a.after}
}

func (a throttledAdapter) Name() string { return a.name }

type harness struct {
	clock     *fakeClock
	store     *store.Memory
	deliverer *countingDeliverer
	envelope  *workflow.Envelope
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, adapters ...provider.Adapter) *harness {
	t.Helper()

	registry := provider.NewRegistry()
	for _, a := range adapters {
		registry.Register(a.Name(), a)
	}

	h := &harness{
		clock:     newFakeClock(),
		store:     store.NewMemory(),
		deliverer: &countingDeliverer{next: delivery.New(registry, delivery.WithLogger(quietLogger()))},
	}
	h.envelope = h.newEnvelope(h.clock.Sleep)
	return h
}

func (h *harness) newEnvelope(sleep workflow.SleepFunc) *workflow.Envelope {
	return workflow.New(h.deliverer, h.store,
		workflow.WithLogger(quietLogger()),
		workflow.WithClock(h.clock.Now),
		workflow.WithSleep(sleep),
	)
}

func params() email.Params {
	return email.Params{Recipient: "user@example.com", Subject: "Hello", Body: "Body"}
}

func TestExecute_PrimaryTimeoutFallbackSucceedsInOneAttempt(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioRetryable), mock.WithMessage("timeout"))
	fallback := mock.New("smtp")
	h := newHarness(t, primary, fallback)

	resp, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "smtp", workflow.DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, "smtp", resp.ProviderName)
	assert.EqualValues(t, 1, h.deliverer.calls.Load())
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 1, fallback.Calls())
	assert.Empty(t, h.clock.Sleeps())

	rec, err := h.store.Load(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateSucceeded, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, resp.MessageID, rec.Response.MessageID)
}

func TestExecute_BothRetryableExhaustsBudget(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioRetryable))
	fallback := mock.New("smtp", mock.WithDefault(mock.ScenarioRetryable), mock.WithMessage("451 try later"))
	h := newHarness(t, primary, fallback)

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "smtp", workflow.DefaultRetryPolicy())

	var terr *workflow.TerminalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 3, terr.Attempts)
	assert.Equal(t, provider.Retryable, terr.Failure.Kind)
	assert.Equal(t, "smtp", terr.Failure.Provider)
	assert.Equal(t, "451 try later", terr.Failure.Message)

	assert.EqualValues(t, 3, h.deliverer.calls.Load())
	assert.Equal(t, 3, primary.Calls())
	assert.Equal(t, 3, fallback.Calls())
	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute}, h.clock.Sleeps())

	rec, err := h.store.Load(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateExhausted, rec.State)
	assert.Equal(t, 3, rec.Attempts)
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	primary := mock.New("ses", mock.WithScript(mock.ScenarioRetryable, mock.ScenarioRetryable))
	h := newHarness(t, primary)

	resp, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "", workflow.DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, "ses", resp.ProviderName)
	assert.Equal(t, 3, primary.Calls())
	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute}, h.clock.Sleeps())
}

func TestExecute_FatalPrimaryUnavailableFallbackIsTerminal(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioFatal), mock.WithMessage("invalid API key"))
	h := newHarness(t, primary)

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "sendgrid", workflow.DefaultRetryPolicy())

	var terr *workflow.TerminalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.Attempts)
	assert.Equal(t, provider.Fatal, terr.Failure.Kind)
	assert.Equal(t, "invalid API key", terr.Failure.Message)
	assert.Equal(t, "ses", terr.Failure.Provider)

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "ses", perr.Provider)

	assert.Equal(t, 1, primary.Calls())
	assert.Empty(t, h.clock.Sleeps())
}

func TestExecute_BothFatalIsTerminal(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioFatal))
	fallback := mock.New("smtp", mock.WithDefault(mock.ScenarioFatal))
	h := newHarness(t, primary, fallback)

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "smtp", workflow.DefaultRetryPolicy())

	var terr *workflow.TerminalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.Attempts)
	assert.Equal(t, 1, fallback.Calls())
}

func TestExecute_FatalPrimaryRetryableFallbackRetriesPair(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioFatal))
	fallback := mock.New("smtp", mock.WithDefault(mock.ScenarioRetryable))
	h := newHarness(t, primary, fallback)

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "smtp", workflow.DefaultRetryPolicy())

	var terr *workflow.TerminalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 3, terr.Attempts)
	assert.Equal(t, 3, primary.Calls())
	assert.Equal(t, 3, fallback.Calls())
}

func TestExecute_PrimaryNotRegisteredIsTerminal(t *testing.T) {
	fallback := mock.New("smtp")
	h := newHarness(t, fallback)

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "sendgrid", "smtp", workflow.DefaultRetryPolicy())

	var terr *workflow.TerminalError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.Equal(t, 1, terr.Attempts)
	assert.Equal(t, 0, fallback.Calls())
	assert.EqualValues(t, 1, h.deliverer.calls.Load())
}

func TestExecute_TimeoutWhileBackingOff(t *testing.T) {
	primary := mock.New("ses", mock.WithScript(mock.ScenarioRetryable, mock.ScenarioRetryable))
	h := newHarness(t, primary)

	policy := workflow.DefaultRetryPolicy()
	policy.Timeout = time.Minute

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "", policy)

	var terr *workflow.TerminalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, provider.Retryable, terr.Failure.Kind)
	assert.Equal(t, "timeout", terr.Failure.Message)
	assert.Equal(t, 2, terr.Attempts)

	// The third attempt would have succeeded but the deadline came first.
	assert.Equal(t, 2, primary.Calls())
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, h.clock.Sleeps())
}

func TestExecute_TimeoutWhileAttempting(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioTimeout))
	fallback := mock.New("smtp")
	h := newHarness(t, primary, fallback)

	policy := workflow.DefaultRetryPolicy()
	policy.Timeout = 30 * time.Millisecond

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "smtp", policy)

	var terr *workflow.TerminalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "timeout", terr.Failure.Message)
	assert.Equal(t, 1, terr.Attempts)
	assert.Equal(t, 0, fallback.Calls())

	rec, err := h.store.Load(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateExhausted, rec.State)
}

func TestExecute_BackoffIntervalsNonDecreasingAndCapped(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioRetryable))
	h := newHarness(t, primary)

	policy := workflow.RetryPolicy{
		MaxAttempts:       6,
		InitialInterval:   time.Second,
		BackoffMultiplier: 3,
		MaxInterval:       10 * time.Second,
	}

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "", policy)
	require.Error(t, err)

	sleeps := h.clock.Sleeps()
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 9 * time.Second, 10 * time.Second, 10 * time.Second}, sleeps)
	for i := 1; i < len(sleeps); i++ {
		assert.GreaterOrEqual(t, sleeps[i], sleeps[i-1])
		assert.LessOrEqual(t, sleeps[i], policy.MaxInterval)
	}
}

func TestExecute_RetryAfterRaisesDelay(t *testing.T) {
	h := newHarness(t, throttledAdapter{name: "sendgrid", after: 45 * time.Second})

	policy := workflow.RetryPolicy{
		MaxAttempts:       3,
		InitialInterval:   10 * time.Second,
		BackoffMultiplier: 2,
		MaxInterval:       time.Minute,
	}

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "sendgrid", "", policy)
	require.Error(t, err)
	assert.Equal(t, []time.Duration{45 * time.Second, 45 * time.Second}, h.clock.Sleeps())
}

func TestExecute_RetryAfterCappedAtMaxInterval(t *testing.T) {
	h := newHarness(t, throttledAdapter{name: "sendgrid", after: 10 * time.Minute})

	policy := workflow.RetryPolicy{
		MaxAttempts:       2,
		InitialInterval:   10 * time.Second,
		BackoffMultiplier: 2,
		MaxInterval:       time.Minute,
	}

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "sendgrid", "", policy)
	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Minute}, h.clock.Sleeps())
}

func TestExecute_CancelDuringBackoffThenResume(t *testing.T) {
	primary := mock.New("ses", mock.WithScript(mock.ScenarioRetryable))
	fallback := mock.New("smtp", mock.WithDefault(mock.ScenarioRetryable))
	h := newHarness(t, primary, fallback)

	interrupted := h.newEnvelope(func(context.Context, time.Duration) error {
		return context.Canceled
	})

	_, err := interrupted.Execute(context.Background(), "msg-1", params(), "ses", "smtp", workflow.DefaultRetryPolicy())
	require.ErrorIs(t, err, context.Canceled)

	rec, err := h.store.Load(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateBackingOff, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.True(t, rec.NextAttemptAt.Equal(h.clock.Now().Add(30*time.Second)))

	ids, err := h.store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-1"}, ids)

	// A fresh envelope, as after a restart, picks up the remaining schedule.
	resp, err := h.newEnvelope(h.clock.Sleep).Resume(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "ses", resp.ProviderName)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.clock.Sleeps())

	rec, err = h.store.Load(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateSucceeded, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestResume_ContinuesAttemptCounter(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioRetryable))
	h := newHarness(t, primary)

	rec := &workflow.Record{
		ID:       "msg-1",
		Params:   params(),
		Primary:  "ses",
		Policy:   workflow.DefaultRetryPolicy(),
		State:    workflow.StateBackingOff,
		Attempts: 2,
	}
	require.NoError(t, h.store.Save(context.Background(), rec))

	_, err := h.envelope.Resume(context.Background(), "msg-1")

	var terr *workflow.TerminalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 3, terr.Attempts)
	assert.Equal(t, 1, primary.Calls())
}

func TestResume_BudgetAlreadySpent(t *testing.T) {
	primary := mock.New("ses")
	h := newHarness(t, primary)

	rec := &workflow.Record{
		ID:       "msg-1",
		Params:   params(),
		Primary:  "ses",
		Policy:   workflow.DefaultRetryPolicy(),
		State:    workflow.StateAttempting,
		Attempts: 3,
	}
	require.NoError(t, h.store.Save(context.Background(), rec))

	_, err := h.envelope.Resume(context.Background(), "msg-1")

	var terr *workflow.TerminalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 0, primary.Calls())
}

func TestResume_UnknownID(t *testing.T) {
	h := newHarness(t)

	_, err := h.envelope.Resume(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecute_CancelDuringAttemptLeavesRecordResumable(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioTimeout))
	fallback := mock.New("smtp")
	h := newHarness(t, primary, fallback)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.envelope.Execute(ctx, "msg-1", params(), "ses", "smtp", workflow.DefaultRetryPolicy())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var terr *workflow.TerminalError
	assert.False(t, errors.As(err, &terr))
	assert.Equal(t, 0, fallback.Calls())

	rec, err := h.store.Load(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateBackingOff, rec.State)
	assert.Equal(t, 1, rec.Attempts)
}

func TestExecute_SucceededIsIdempotent(t *testing.T) {
	primary := mock.New("ses")
	h := newHarness(t, primary)

	first, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "", workflow.DefaultRetryPolicy())
	require.NoError(t, err)

	second, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "", workflow.DefaultRetryPolicy())
	require.NoError(t, err)

	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, 1, primary.Calls())
}

func TestExecute_ExhaustedReplaysTerminalError(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioFatal))
	h := newHarness(t, primary)

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "", workflow.DefaultRetryPolicy())
	var terr *workflow.TerminalError
	require.ErrorAs(t, err, &terr)

	_, err = h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "", workflow.DefaultRetryPolicy())
	var replay *workflow.TerminalError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, terr.Attempts, replay.Attempts)
	assert.Equal(t, terr.Failure.Message, replay.Failure.Message)
	assert.Equal(t, 1, primary.Calls())
}

func TestExecute_InFlight(t *testing.T) {
	primary := mock.New("ses")
	h := newHarness(t, primary)

	require.NoError(t, h.store.Acquire(context.Background(), "msg-1", "other-process", time.Minute))

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "", workflow.DefaultRetryPolicy())
	assert.ErrorIs(t, err, workflow.ErrInFlight)
	assert.Equal(t, 0, primary.Calls())
}

func TestExecute_ReleasesLease(t *testing.T) {
	h := newHarness(t, mock.New("ses"))

	_, err := h.envelope.Execute(context.Background(), "msg-1", params(), "ses", "", workflow.DefaultRetryPolicy())
	require.NoError(t, err)

	assert.NoError(t, h.store.Acquire(context.Background(), "msg-1", "other-process", time.Minute))
}

func TestExecute_RejectsInvalidInput(t *testing.T) {
	primary := mock.New("ses")
	h := newHarness(t, primary)
	ctx := context.Background()

	_, err := h.envelope.Execute(ctx, "", params(), "ses", "", workflow.DefaultRetryPolicy())
	assert.Error(t, err)

	_, err = h.envelope.Execute(ctx, "msg-1", email.Params{Recipient: "not-an-address"}, "ses", "", workflow.DefaultRetryPolicy())
	assert.ErrorIs(t, err, email.ErrInvalidRecipient)

	bad := workflow.DefaultRetryPolicy()
	bad.MaxAttempts = 0
	_, err = h.envelope.Execute(ctx, "msg-1", params(), "ses", "", bad)
	assert.ErrorContains(t, err, "invalid retry policy")

	_, err = h.store.Load(ctx, "msg-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, primary.Calls())
}

func TestResumeAll(t *testing.T) {
	ok := mock.New("ok")
	bad := mock.New("bad", mock.WithDefault(mock.ScenarioFatal))
	h := newHarness(t, ok, bad)
	ctx := context.Background()

	for _, rec := range []*workflow.Record{
		{ID: "a", Params: params(), Primary: "ok", Policy: workflow.DefaultRetryPolicy(), State: workflow.StatePending},
		{ID: "b", Params: params(), Primary: "bad", Policy: workflow.DefaultRetryPolicy(), State: workflow.StateBackingOff, Attempts: 1},
		{ID: "c", Params: params(), Primary: "ok", Policy: workflow.DefaultRetryPolicy(), State: workflow.StatePending},
		{ID: "d", Params: params(), Primary: "ok", Policy: workflow.DefaultRetryPolicy(), State: workflow.StateSucceeded},
	} {
		require.NoError(t, h.store.Save(ctx, rec))
	}
	require.NoError(t, h.store.Acquire(ctx, "c", "other-process", time.Minute))

	summary, err := h.envelope.ResumeAll(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, workflow.ResumeSummary{Resumed: 3, Succeeded: 1, Exhausted: 1, Skipped: 1}, summary)
	assert.Equal(t, 1, ok.Calls())
	assert.Equal(t, 1, bad.Calls())

	ids, err := h.store.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)
}

func TestResumeAll_Empty(t *testing.T) {
	h := newHarness(t)

	summary, err := h.envelope.ResumeAll(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, summary)
}

func TestExecute_LapsedLeaseDoesNotResendAfterAnotherOwnerSucceeds(t *testing.T) {
	primary := mock.New("ses", mock.WithScript(mock.ScenarioRetryable))
	clock := newFakeClock()
	registry := provider.NewRegistry()
	registry.Register(primary.Name(), primary)
	deliverer := delivery.New(registry, delivery.WithLogger(quietLogger()))
	st := store.NewMemory(store.WithMemoryClock(clock.Now))

	newEnvelope := func(sleep workflow.SleepFunc) *workflow.Envelope {
		return workflow.New(deliverer, st,
			workflow.WithLogger(quietLogger()),
			workflow.WithClock(clock.Now),
			workflow.WithSleep(sleep),
			workflow.WithLeaseTTL(time.Second),
		)
	}

	other := newEnvelope(clock.Sleep)
	var otherResp *email.SendResponse
	var otherErr error
	resumed := false

	// The backoff outlives the 1s lease; another owner resumes and finishes
	// the send before the first owner wakes up.
	first := newEnvelope(func(ctx context.Context, d time.Duration) error {
		if err := clock.Sleep(ctx, d); err != nil {
			return err
		}
		if !resumed {
			resumed = true
			otherResp, otherErr = other.Resume(ctx, "msg-1")
		}
		return nil
	})

	resp, err := first.Execute(context.Background(), "msg-1", params(), "ses", "", workflow.DefaultRetryPolicy())
	require.NoError(t, err)
	require.NoError(t, otherErr)
	require.NotNil(t, otherResp)

	assert.Equal(t, otherResp.MessageID, resp.MessageID)
	assert.Equal(t, 2, primary.Calls())

	rec, err := st.Load(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateSucceeded, rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, otherResp.MessageID, rec.Response.MessageID)
}

func TestExecute_LapsedLeaseYieldsToLiveRecord(t *testing.T) {
	primary := mock.New("ses", mock.WithDefault(mock.ScenarioRetryable))
	clock := newFakeClock()
	registry := provider.NewRegistry()
	registry.Register(primary.Name(), primary)
	deliverer := delivery.New(registry, delivery.WithLogger(quietLogger()))
	st := store.NewMemory(store.WithMemoryClock(clock.Now))

	first := workflow.New(deliverer, st,
		workflow.WithLogger(quietLogger()),
		workflow.WithClock(clock.Now),
		workflow.WithLeaseTTL(time.Second),
		workflow.WithSleep(func(ctx context.Context, d time.Duration) error {
			if err := clock.Sleep(ctx, d); err != nil {
				return err
			}
			// Another owner records progress while the lease has lapsed.
			rec, err := st.Load(ctx, "msg-1")
			if err != nil {
				return err
			}
			rec.Attempts++
			rec.UpdatedAt = clock.Now()
			return st.Save(ctx, rec)
		}),
	)

	_, err := first.Execute(context.Background(), "msg-1", params(), "ses", "", workflow.DefaultRetryPolicy())
	require.ErrorIs(t, err, workflow.ErrInFlight)
	assert.Equal(t, 1, primary.Calls())

	rec, err := st.Load(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, workflow.StateBackingOff, rec.State)
}
