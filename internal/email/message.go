// Package email defines the message and receipt types exchanged between the
// dispatch layers and the delivery providers.
package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ErrInvalidRecipient is returned when a recipient address cannot be parsed
// as a single bare RFC 5322 address.
var ErrInvalidRecipient = errors.New("invalid recipient address")

// Params is a single, fully composed message addressed to one recipient.
// Values are treated as immutable once constructed with NewParams.
type Params struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`

	// HTMLBody is an optional HTML alternative to Body.
	HTMLBody string `json:"html_body,omitempty"`
}

// SendResponse is the provider receipt for an accepted message.
type SendResponse struct {
	ProviderName string    `json:"provider_name"`
	MessageID    string    `json:"message_id"`
	AcceptedAt   time.Time `json:"accepted_at"`
}

// NewParams validates the recipient and returns the message parameters.
// The recipient is normalized to its bare lowercase address.
func NewParams(recipient, subject, body string) (Params, error) {
	addr, err := NormalizeAddress(recipient)
	if err != nil {
		return Params{}, err
	}
	return Params{
		Recipient: addr,
		Subject:   subject,
		Body:      body,
	}, nil
}

// WithHTML returns a copy of p carrying the given HTML alternative.
func (p Params) WithHTML(html string) Params {
	p.HTMLBody = html
	return p
}

// Validate checks the recipient precondition on an already constructed value,
// e.g. one read back from persisted state.
func (p Params) Validate() error {
	_, err := NormalizeAddress(p.Recipient)
	return err
}

// NormalizeAddress parses value as a single address without a display name.
// The domain is lowercased; the local part is kept as given since it may be
// case-sensitive at the receiving host.
func NormalizeAddress(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidRecipient)
	}

	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if addr.Name != "" || addr.Address != trimmed {
		return "", fmt.Errorf("%w: %q must be a bare address", ErrInvalidRecipient, trimmed)
	}

	at := strings.LastIndexByte(addr.Address, '@')
	return addr.Address[:at] + strings.ToLower(addr.Address[at:]), nil
}
