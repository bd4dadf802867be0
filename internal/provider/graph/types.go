// Package graph implements an Adapter that sends emails via the Microsoft Graph API.
package graph

import (
	"github.com/shineum/mail-dispatch/internal/email"
)

// Wire types for POST /users/{sender}/sendMail.
type (
	sendMailRequest struct {
		Message sendMailMessage `json:"message"`
		// Dispatched mail is not copied into the sender's Sent Items.
		SaveToSentItems bool `json:"saveToSentItems"`
	}

	sendMailMessage struct {
		Subject      string      `json:"subject"`
		Body         messageBody `json:"body"`
		ToRecipients []recipient `json:"toRecipients"`
	}

	messageBody struct {
		ContentType string `json:"contentType"` // "text" or "html"
		Content     string `json:"content"`
	}

	recipient struct {
		EmailAddress emailAddress `json:"emailAddress"`
	}

	emailAddress struct {
		Address string `json:"address"`
	}
)

// Identity platform token endpoint bodies.
type (
	tokenResponse struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}

	oauthErrorResponse struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
)

// graphErrorResponse is the OData error envelope Graph returns on non-2xx.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newSendMailRequest builds the request for a single recipient. Graph takes
// one body, so HTML is sent when present and the text part is dropped.
func newSendMailRequest(params email.Params) *sendMailRequest {
	body := messageBody{ContentType: "text", Content: params.Body}
	if params.HTMLBody != "" {
		body = messageBody{ContentType: "html", Content: params.HTMLBody}
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:      params.Subject,
			Body:         body,
			ToRecipients: []recipient{{EmailAddress: emailAddress{Address: params.Recipient}}},
		},
	}
}
