package smtp

import (
	"context"
	"errors"
	"fmt"
)

// Transaction is one accepted MAIL/RCPT/DATA exchange.
type Transaction struct {
	// From is the reverse-path; empty for the null sender.
	From string

	// Recipients are the normalized RCPT TO addresses in command order.
	Recipients []string

	// Data is the message content with the SMTP dot-stuffing removed.
	Data []byte
}

// Handler processes a completed transaction. A nil error is answered with
// 250; a *ReplyError selects the reply; any other error is answered 451.
type Handler interface {
	HandleTransaction(ctx context.Context, tx *Transaction) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx *Transaction) error

// HandleTransaction calls f.
func (f HandlerFunc) HandleTransaction(ctx context.Context, tx *Transaction) error {
	return f(ctx, tx)
}

// ReplyError carries the SMTP reply a Handler wants sent for a transaction.
type ReplyError struct {
	Code    int
	Status  string
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%d %s %s", e.Code, e.Status, e.Message)
}

// Temporary reports whether the reply is a 4xx.
func (e *ReplyError) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

var errDeferred = &ReplyError{Code: 451, Status: "4.3.0", Message: "Temporary failure, please try again later"}

func replyFor(err error) *ReplyError {
	var re *ReplyError
	if errors.As(err, &re) {
		return re
	}
	return errDeferred
}
