// Package provider defines the contract for email delivery backends, the
// classification of their failures, and the registry that resolves them by
// name.
package provider

import (
	"context"

	"github.com/shineum/mail-dispatch/internal/email"
)

// Adapter is the interface that email delivery backends must implement.
// Each adapter wraps one concrete transport (a managed send API, an SMTP
// relay, ...) and performs exactly one outbound send per Send call. Adapters
// never retry internally; every failure is returned as an *Error carrying
// its Kind.
type Adapter interface {
	// Send delivers one message and returns the provider receipt.
	Send(ctx context.Context, params email.Params) (*email.SendResponse, error)

	// Name returns the human-readable name of this provider.
	Name() string
}
