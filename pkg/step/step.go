// Package step provides at-least-once durable execution of named steps.
// Each side-effecting operation of a workflow is keyed by (runID, step name);
// a run resuming after a crash replays recorded results instead of
// re-executing the side effect.
package step

import (
	"context"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"

	"vibegen/pkg/model"
	"vibegen/pkg/utils/logging"
)

// Ledger stores memoized step results. Implemented by the repository.
type Ledger interface {
	GetStep(ctx context.Context, runID model.RunID, name string) ([]byte, bool, error)
	PutStep(ctx context.Context, runID model.RunID, name string, result []byte) error
}

// Runner executes the steps of one workflow instance.
type Runner struct {
	runID  model.RunID
	ledger Ledger
}

// NewRunner creates a runner for the given workflow instance
func NewRunner(runID model.RunID, ledger Ledger) *Runner {
	return &Runner{runID: runID, ledger: ledger}
}

// RunID returns the workflow instance id this runner belongs to
func (r *Runner) RunID() model.RunID {
	return r.runID
}

// Run executes fn at most once per (run, name). A completed step's result is
// recorded in the ledger and returned on every subsequent call without
// invoking fn again. A failed fn records nothing, so the step retries on the
// next attempt.
func Run[T any](ctx context.Context, r *Runner, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	recorded, ok, err := r.ledger.GetStep(ctx, r.runID, name)
	if err != nil {
		return zero, goerr.Wrap(err, "failed to check step ledger", goerr.V("step", name))
	}
	if ok {
		var result T
		if err := json.Unmarshal(recorded, &result); err != nil {
			return zero, goerr.Wrap(err, "failed to decode recorded step result", goerr.V("step", name))
		}
		logging.From(ctx).Debug("step replayed from ledger", "run_id", r.runID, "step", name)
		return result, nil
	}

	result, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return zero, goerr.Wrap(err, "failed to encode step result", goerr.V("step", name))
	}
	if err := r.ledger.PutStep(ctx, r.runID, name, encoded); err != nil {
		return zero, goerr.Wrap(err, "failed to record step result", goerr.V("step", name))
	}

	return result, nil
}
