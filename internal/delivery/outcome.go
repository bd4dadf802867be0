package delivery

import (
	"fmt"
	"time"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

// Outcome is the result of one Deliver call, including any fallback hop.
// Exactly one of Response and Failure is set.
type Outcome struct {
	Response *email.SendResponse
	Failure  *Failure
}

// OK reports whether the message was accepted by a provider.
func (o Outcome) OK() bool {
	return o.Response != nil && o.Failure == nil
}

// Failure describes an unsuccessful Deliver call. Kind, Message and Provider
// describe the failure returned to the caller; Causes lists every classified
// provider error observed during the call, in order.
type Failure struct {
	Kind     provider.ErrorKind `json:"kind"`
	Message  string             `json:"message"`
	Provider string             `json:"provider"`

	Causes            []*provider.Error `json:"causes,omitempty"`
	FallbackAttempted bool              `json:"fallback_attempted"`
}

func newFailure(cause *provider.Error, causes []*provider.Error, fallbackAttempted bool) *Failure {
	return &Failure{
		Kind:              cause.Kind,
		Message:           cause.Message,
		Provider:          cause.Provider,
		Causes:            causes,
		FallbackAttempted: fallbackAttempted,
	}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s (%s)", f.Provider, f.Message, f.Kind)
}

// Unwrap returns the last provider error of the call, if any.
func (f *Failure) Unwrap() error {
	if len(f.Causes) == 0 {
		return nil
	}
	return f.Causes[len(f.Causes)-1]
}

// Permanent reports whether every provider failure in the call was Fatal.
// A failure with any Retryable cause may clear on a later attempt.
func (f *Failure) Permanent() bool {
	if len(f.Causes) == 0 {
		return f.Kind == provider.Fatal
	}
	for _, c := range f.Causes {
		if c.Kind != provider.Fatal {
			return false
		}
	}
	return true
}

// RetryAfter returns the largest provider-suggested delay among the causes.
func (f *Failure) RetryAfter() (d time.Duration) {
	for _, c := range f.Causes {
		if c.RetryAfter > d {
			d = c.RetryAfter
		}
	}
	return d
}
