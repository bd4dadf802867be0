package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultResumeConcurrency bounds ResumeAll when the caller passes zero.
const DefaultResumeConcurrency = 4

// ResumeSummary counts the results of a ResumeAll pass.
type ResumeSummary struct {
	Resumed   int `json:"resumed"`
	Succeeded int `json:"succeeded"`
	Exhausted int `json:"exhausted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ResumeAll resumes every non-terminal record in the store, running at most
// concurrency sends at once. Records another process is driving are skipped.
// Per-record failures are counted, not returned; the error is non-nil only
// when listing fails or ctx is done.
func (e *Envelope) ResumeAll(ctx context.Context, concurrency int) (ResumeSummary, error) {
	var summary ResumeSummary

	ids, err := e.store.ListActive(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active records: %w", err)
	}
	summary.Resumed = len(ids)
	if len(ids) == 0 {
		return summary, nil
	}

	if concurrency <= 0 {
		concurrency = DefaultResumeConcurrency
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			_, err := e.Resume(gctx, id)

			mu.Lock()
			defer mu.Unlock()

			var terr *TerminalError
			switch {
			case err == nil:
				summary.Succeeded++
			case errors.As(err, &terr):
				summary.Exhausted++
			case errors.Is(err, ErrInFlight):
				summary.Skipped++
			case gctx.Err() != nil:
				return err
			default:
				summary.Failed++
				e.logger.Error("resume failed", "idempotency_key", id, "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	e.logger.Info("resume pass finished",
		"resumed", summary.Resumed,
		"succeeded", summary.Succeeded,
		"exhausted", summary.Exhausted,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, nil
}
