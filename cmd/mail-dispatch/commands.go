package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-dispatch/internal/delivery"
	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/parser"
	"github.com/shineum/mail-dispatch/internal/workflow"
)

// sendResult is printed to stdout, one JSON line per recipient.
type sendResult struct {
	ID        string              `json:"id"`
	Recipient string              `json:"recipient"`
	Response  *email.SendResponse `json:"response,omitempty"`
	Failure   *delivery.Failure   `json:"failure,omitempty"`
	Attempts  int                 `json:"attempts,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func (a *app) runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	to := fs.String("to", "", "recipient address")
	subject := fs.String("subject", "", "message subject")
	body := fs.String("body", "", "plain text body")
	html := fs.String("html", "", "optional HTML body")
	emlPath := fs.String("eml", "", "path to an RFC 5322 message; one send per To recipient")
	id := fs.String("id", "", "idempotency key (generated when empty)")
	primary := fs.String("primary", a.cfg.Routing.Primary, "primary provider")
	fallback := fs.String("fallback", a.cfg.Routing.Fallback, "fallback provider")
	concurrency := fs.Int("concurrency", 4, "parallel sends for multi-recipient messages")
	if err := fs.Parse(args); err != nil {
		return err
	}

	messages, err := collectMessages(*emlPath, *to, *subject, *body, *html)
	if err != nil {
		return err
	}

	baseID := *id
	if baseID == "" {
		baseID = uuid.NewString()
	}
	policy := a.cfg.RetryPolicy()

	var (
		mu      sync.Mutex
		failed  int
		encoder = json.NewEncoder(os.Stdout)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*concurrency, 1))

	for _, params := range messages {
		key := baseID
		if len(messages) > 1 {
			key = baseID + ":" + params.Recipient
		}

		g.Go(func() error {
			resp, err := a.envelope.Execute(gctx, key, params, *primary, *fallback, policy)
			result := sendResult{ID: key, Recipient: params.Recipient, Response: resp}

			var terr *workflow.TerminalError
			switch {
			case errors.As(err, &terr):
				result.Failure = terr.Failure
				result.Attempts = terr.Attempts
			case err != nil:
				result.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
			}
			if encErr := encoder.Encode(result); encErr != nil {
				slog.Warn("failed to write result", "error", encErr)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted; resume with the resume command: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sends failed", failed, len(messages))
	}
	return nil
}

// collectMessages builds the send list from an .eml file or from flags.
func collectMessages(emlPath, to, subject, body, html string) ([]email.Params, error) {
	if emlPath != "" {
		if to != "" {
			return nil, errors.New("-eml and -to are mutually exclusive")
		}
		raw, err := readInput(emlPath)
		if err != nil {
			return nil, err
		}
		return parser.Parse(raw)
	}

	params, err := email.NewParams(to, subject, body)
	if err != nil {
		return nil, err
	}
	if html != "" {
		params = params.WithHTML(html)
	}
	return []email.Params{params}, nil
}

// readInput reads path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return raw, nil
}

func (a *app) runResume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	concurrency := fs.Int("concurrency", workflow.DefaultResumeConcurrency, "parallel resumed sends")
	if err := fs.Parse(args); err != nil {
		return err
	}

	summary, err := a.envelope.ResumeAll(ctx, *concurrency)
	if encErr := json.NewEncoder(os.Stdout).Encode(summary); encErr != nil {
		slog.Warn("failed to write summary", "error", encErr)
	}
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d resumed sends failed", summary.Failed)
	}
	return nil
}
