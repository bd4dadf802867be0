// Package stdout implements a development Adapter that prints each message
// instead of sending it. It never fails unless the output cannot be written.
package stdout

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

// Name is the registry name of the stdout adapter.
const Name = "stdout"

const rule = "----------------------------------------"

// Option configures an Adapter.
type Option func(*Adapter)

// WithWriter sets the output destination. Defaults to os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(a *Adapter) {
		a.out = w
	}
}

// WithClock sets the time source for AcceptedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// Adapter renders messages to a writer.
type Adapter struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// New creates a stdout Adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{out: os.Stdout, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Send writes params as a block of header lines followed by the body. The
// text body is preferred; an HTML-only message prints its markup.
func (a *Adapter) Send(ctx context.Context, params email.Params) (*email.SendResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, provider.NewRetryable(Name, "context done", err)
	}

	resp := &email.SendResponse{
		ProviderName: Name,
		MessageID:    uuid.NewString(),
		AcceptedAt:   a.now(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	w := bufio.NewWriter(a.out)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Message-ID: %s\n", resp.MessageID)
	fmt.Fprintf(w, "Date:       %s\n", resp.AcceptedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "To:         %s\n", params.Recipient)
	fmt.Fprintf(w, "Subject:    %s\n", params.Subject)
	if params.Body != "" && params.HTMLBody != "" {
		fmt.Fprintf(w, "HTML:       %s\n", humanSize(len(params.HTMLBody)))
	}
	fmt.Fprintln(w)
	if params.Body != "" {
		fmt.Fprintln(w, params.Body)
	} else {
		fmt.Fprintln(w, params.HTMLBody)
	}
	fmt.Fprintln(w, rule)

	if err := w.Flush(); err != nil {
		return nil, provider.NewRetryable(Name, "write failed", err)
	}
	return resp, nil
}

// Name returns the registry name.
func (a *Adapter) Name() string {
	return Name
}

func humanSize(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
