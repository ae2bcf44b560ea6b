package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/rss-reader/app/metrics"
	"golang.org/x/sync/errgroup"
)

// Pool updates many feeds with at most workers updates in flight.
type Pool struct {
	updater *Updater
	workers int
}

func NewPool(updater *Updater, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		updater: updater,
		workers: workers,
	}
}

// Run updates urls and returns one outcome per started feed, in the order
// of urls. Cancelling ctx stops new feeds from starting; feeds already
// started run to the end. A failing feed never fails the cycle.
func (p *Pool) Run(ctx context.Context, urls []string) []Outcome {
	cycleID := uuid.NewString()
	started := time.Now()

	urls = dedupe(urls)
	results := make([]*Outcome, len(urls))

	var g errgroup.Group
	g.SetLimit(p.workers)

	launched := 0
	for i, url := range urls {
		if ctx.Err() != nil {
			slog.Info("Update cycle cancelled", "cycle", cycleID, "remaining", len(urls)-i)
			break
		}

		g.Go(func() error {
			// Go may have waited for a free slot.
			if ctx.Err() != nil {
				return nil
			}
			task := NewUpdateFeedTask(url, p.updater)
			task.Start()
			_ = task.Execute(ctx)
			outcome := task.Outcome()
			results[i] = &outcome
			return nil
		})
		launched++
	}
	_ = g.Wait()

	outcomes := make([]Outcome, 0, launched)
	failed := 0
	for _, o := range results {
		if o == nil {
			continue
		}
		if o.Failed() {
			failed++
		}
		outcomes = append(outcomes, *o)
	}

	metrics.RecordUpdateCycle(len(outcomes))
	slog.Info("Update cycle completed",
		"cycle", cycleID,
		"feeds", len(outcomes),
		"failed", failed,
		"duration", time.Since(started))

	return outcomes
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
