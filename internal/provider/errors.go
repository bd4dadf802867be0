package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a delivery failure.
type ErrorKind int

const (
	// Retryable marks a transient transport or provider condition.
	Retryable ErrorKind = iota
	// Fatal marks a permanent rejection of this message by a provider.
	Fatal
)

func (k ErrorKind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler so kinds persist by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "retryable":
		*k = Retryable
	case "fatal":
		*k = Fatal
	default:
		return fmt.Errorf("unknown error kind %q", text)
	}
	return nil
}

// ErrNotFound is returned by Registry.Resolve when no adapter is registered
// under the requested name.
var ErrNotFound = errors.New("provider not registered")

// Error is a classified adapter failure.
type Error struct {
	Kind     ErrorKind `json:"kind"`
	Provider string    `json:"provider"`
	Message  string    `json:"message"`

	// RetryAfter is a provider-suggested minimum delay before the next
	// attempt, zero when the provider gave none.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Err is the underlying transport error, if any. It is not persisted.
	Err error `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Message, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewRetryable builds a Retryable error for the named provider.
func NewRetryable(provider, message string, err error) *Error {
	return &Error{Kind: Retryable, Provider: provider, Message: message, Err: err}
}

// NewFatal builds a Fatal error for the named provider.
func NewFatal(provider, message string, err error) *Error {
	return &Error{Kind: Fatal, Provider: provider, Message: message, Err: err}
}

// KindOf returns the classification of err. Errors that were not classified
// by an adapter default to Retryable: the attempt budget bounds the cost of
// retrying, while dropping a message is not recoverable.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return Retryable
}

// Classify converts any error returned by an adapter into an *Error. Errors
// already classified are returned as is; anything else becomes Retryable.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Provider == "" {
			clone := *perr
			clone.Provider = provider
			return &clone
		}
		return perr
	}
	message := "unclassified error"
	if IsTimeout(err) {
		message = "timeout"
	}
	return NewRetryable(provider, message, err)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
