package eval

import (
	"context"

	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/sched"
)

// Result pairs one batch member's event with the outcome of running
// it through the pipeline.
type Result struct {
	Event *event.Event
	Err   error
}

// EvaluateBatch is the driver for the "(pdus, opts)" batch
// constructor: it prefetches keys across the whole batch (restricted
// to nodeID, see PrefetchKeys), then runs each Eval in sequence,
// stopping early when opts.FailFast is set and one event fails —
// otherwise it records every event's outcome and continues, since a
// later event in the batch may be independent of an earlier one's
// failure (e.g. a different branch of the same room's DAG).
func EvaluateBatch(ctx context.Context, deps Deps, task *sched.Task, roomID string, pdus []*event.Event, nodeID string, opts Options) []Result {
	if err := PrefetchKeys(ctx, deps.Keys, pdus, nodeID); err != nil {
		results := make([]Result, len(pdus))
		for i, e := range pdus {
			results[i] = Result{Event: e, Err: err}
		}
		return results
	}

	evals := NewBatch(deps, task, roomID, pdus, opts)
	results := make([]Result, 0, len(evals))
	for _, ev := range evals {
		err := ev.Run(ctx)
		results = append(results, Result{Event: ev.Event(), Err: err})
		if err != nil && opts.FailFast {
			break
		}
	}
	return results
}
