package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shineum/mail-dispatch/internal/delivery"
	"github.com/shineum/mail-dispatch/internal/email"
)

// State is the position of a send in the envelope state machine:
// Pending → Attempting → {Succeeded | BackingOff → Attempting | Exhausted}.
type State string

const (
	StatePending    State = "pending"
	StateAttempting State = "attempting"
	StateBackingOff State = "backing_off"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
)

// Terminal reports whether no further attempts will be made.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted
}

// Record is the persisted state of one logical send, keyed by the caller's
// idempotency identifier.
type Record struct {
	ID       string       `json:"id"`
	Params   email.Params `json:"params"`
	Primary  string       `json:"primary"`
	Fallback string       `json:"fallback"`
	Policy   RetryPolicy  `json:"policy"`

	State    State `json:"state"`
	Attempts int   `json:"attempts"`

	LastFailure *delivery.Failure   `json:"last_failure,omitempty"`
	Response    *email.SendResponse `json:"response,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	Deadline      time.Time `json:"deadline,omitempty"`
}

// ErrRecordNotFound is returned by a Store when no record exists for an id.
var ErrRecordNotFound = errors.New("workflow record not found")

// ErrLeaseHeld is returned by Store.Acquire when another owner holds the
// lease for an id.
var ErrLeaseHeld = errors.New("lease held by another owner")

// ErrInFlight is returned when Execute or Resume is called for an id that
// another invocation is currently driving.
var ErrInFlight = errors.New("delivery already in flight")

// Store persists envelope records and per-id leases.
type Store interface {
	Load(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, rec *Record) error

	// ListActive returns the ids of all records that are not terminal.
	ListActive(ctx context.Context) ([]string, error)

	// Acquire takes or refreshes the lease on id for owner. It fails with
	// ErrLeaseHeld when a different owner holds an unexpired lease.
	Acquire(ctx context.Context, id, owner string, ttl time.Duration) error
	// Release drops the lease on id if owner holds it.
	Release(ctx context.Context, id, owner string) error
}

// TerminalError is returned once a send is Exhausted. It carries the last
// delivery failure and unwraps to it.
type TerminalError struct {
	ID       string
	Attempts int
	Failure  *delivery.Failure
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("delivery %s failed after %d attempt(s): %v", e.ID, e.Attempts, e.Failure)
}

func (e *TerminalError) Unwrap() error {
	if e.Failure == nil {
		return nil
	}
	return e.Failure
}
