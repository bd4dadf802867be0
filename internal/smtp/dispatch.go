package smtp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/parser"
	"github.com/shineum/mail-dispatch/internal/workflow"
)

// Executor runs one idempotent delivery. *workflow.Envelope satisfies it.
type Executor interface {
	Execute(ctx context.Context, id string, params email.Params, primary, fallback string, policy workflow.RetryPolicy) (*email.SendResponse, error)
}

// DispatcherConfig selects the routing and retry policy for submitted mail.
type DispatcherConfig struct {
	Primary  string
	Fallback string
	Policy   workflow.RetryPolicy

	// Concurrency bounds parallel deliveries per transaction. Defaults to 4.
	Concurrency int
}

// Dispatcher is a Handler that delivers each RCPT TO recipient of a
// submission through the retry envelope.
//
// Delivery ids are "<Message-Id>:<recipient>", so a client resubmitting a
// deferred message does not resend to recipients that already succeeded.
// Messages without a Message-Id get a random one and lose that guarantee.
type Dispatcher struct {
	exec   Executor
	cfg    DispatcherConfig
	logger *slog.Logger
	newID  func() string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(exec Executor, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		exec:   exec,
		cfg:    cfg,
		logger: logger,
		newID:  uuid.NewString,
	}
}

var (
	errMalformed = &ReplyError{Code: 554, Status: "5.6.0", Message: "Message could not be parsed"}
	errDeferral  = &ReplyError{Code: 451, Status: "4.4.0", Message: "Delivery deferred, try again later"}
	errRejected  = &ReplyError{Code: 554, Status: "5.0.0", Message: "Delivery failed for all recipients"}
)

// HandleTransaction implements Handler. The reply is 451 if any recipient is
// still retryable, 554 if every recipient failed terminally, and 250
// otherwise.
func (d *Dispatcher) HandleTransaction(ctx context.Context, tx *Transaction) error {
	msg, err := parser.ParseMessage(tx.Data)
	if err != nil {
		d.logger.Warn("rejecting unparseable submission", "error", err)
		return errMalformed
	}

	base := msg.MessageID
	if base == "" {
		base = d.newID()
	}

	params := msg.ParamsFor(tx.Recipients)
	results := make([]error, len(params))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, p := range params {
		g.Go(func() error {
			id := base + ":" + p.Recipient
			_, results[i] = d.exec.Execute(ctx, id, p, d.cfg.Primary, d.cfg.Fallback, d.cfg.Policy)
			return nil
		})
	}
	_ = g.Wait()

	var delivered, terminal, deferred int
	for i, err := range results {
		var terr *workflow.TerminalError
		switch {
		case err == nil:
			delivered++
		case errors.As(err, &terr):
			terminal++
			d.logger.Warn("submission recipient failed",
				"message_id", base,
				"recipient", params[i].Recipient,
				"attempts", terr.Attempts,
				"error", err,
			)
		default:
			deferred++
			d.logger.Info("submission recipient deferred",
				"message_id", base,
				"recipient", params[i].Recipient,
				"error", err,
			)
		}
	}

	d.logger.Info("submission processed",
		"message_id", base,
		"delivered", delivered,
		"failed", terminal,
		"deferred", deferred,
	)

	switch {
	case deferred > 0:
		return errDeferral
	case delivered == 0:
		return errRejected
	default:
		return nil
	}
}
