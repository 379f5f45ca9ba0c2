package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diagcollect/diagcollect/internal/catalog"
	"github.com/diagcollect/diagcollect/internal/core"
)

// DiskRefresher re-reads free space on the staging filesystem, in MB.
// The orchestrator calls it immediately before every dump-producing
// entry, since earlier entries in the same run consume space.
type DiskRefresher func() (uint64, error)

// Orchestrator executes resolved catalog entries strictly in catalog
// order, single-threaded, isolating each entry's failure from the
// rest. A failing diagnostic never aborts the run.
type Orchestrator struct {
	Env         *catalog.Env
	Staging     *Staging
	AttachRetry RetryPolicy
	RefreshDisk DiskRefresher
	Logger      *slog.Logger
}

// Run executes every resolved entry and returns one Outcome per entry,
// in order. By the time it returns, each entry has contributed exactly
// one outcome and one line in the running log.
func (o *Orchestrator) Run(ctx context.Context, resolved []catalog.Resolution) []Outcome {
	outcomes := make([]Outcome, 0, len(resolved))
	for _, r := range resolved {
		outcome := o.runOne(ctx, r)
		o.record(outcome)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (o *Orchestrator) runOne(ctx context.Context, r catalog.Resolution) Outcome {
	spec := r.Spec
	if !r.Verdict.Runnable {
		return Outcome{ID: spec.ID, Status: StatusSkipped, Reason: r.Verdict.Reason}
	}

	// Dump-producing entries get a fresh disk fact right before they
	// run. The refreshed value goes into a new snapshot for this entry
	// only; the shared one is never mutated.
	env := o.Env
	if spec.ResourceEstimate != nil && o.RefreshDisk != nil {
		free, err := o.RefreshDisk()
		if err == nil {
			caps := env.Caps.WithFreeDisk(free)
			if need := spec.ResourceEstimate(caps); need > caps.FreeDiskMB {
				return Outcome{
					ID:     spec.ID,
					Status: StatusSkipped,
					Reason: fmt.Sprintf("insufficient disk space: need %d MB, have %d MB", need, caps.FreeDiskMB),
				}
			}
			scoped := *env
			scoped.Caps = caps
			env = &scoped
		} else {
			o.Logger.Warn("disk re-check failed, proceeding on stale figure",
				"diagnostic", spec.ID, "error", err)
		}
	}

	start := time.Now()
	policy := RetryPolicy{MaxAttempts: 1}
	if spec.AttachRetry {
		policy = o.AttachRetry
	}

	// Per-row time budgets live in the actions themselves: every tool
	// invocation is bounded by the runner, and sampling actions widen
	// their own deadline by the observation window.
	var artifacts []string
	attempts, err := policy.Do(ctx, func() error {
		var actionErr error
		artifacts, actionErr = spec.Action(ctx, env)
		return actionErr
	})

	outcome := Outcome{
		ID:        spec.ID,
		Attempts:  attempts,
		Duration:  time.Since(start).Round(time.Millisecond),
		Artifacts: artifacts,
	}

	switch {
	case err == nil:
		outcome.Status = StatusCompleted
	case errors.Is(err, &core.DomainError{Category: core.ErrCatPrecondition}):
		// Actions may discover a precondition only at execution time
		// (the deploy tool walk); that is a skip, not a failure.
		outcome.Status = StatusSkipped
		outcome.Reason = domainMessage(err)
	default:
		outcome.Status = StatusFailed
		outcome.Error = err.Error()
	}
	return outcome
}

// record writes the outcome's log line to both the structured logger
// and the running log that ships inside the archive.
func (o *Orchestrator) record(outcome Outcome) {
	switch outcome.Status {
	case StatusCompleted:
		o.Staging.Logf("completed %s (%d artifact(s), %s)",
			outcome.ID, len(outcome.Artifacts), outcome.Duration)
		o.Logger.Info("diagnostic completed",
			"diagnostic", outcome.ID, "artifacts", len(outcome.Artifacts), "duration", outcome.Duration)
	case StatusSkipped:
		o.Staging.Logf("skipped %s: %s", outcome.ID, outcome.Reason)
		o.Logger.Info("diagnostic skipped", "diagnostic", outcome.ID, "reason", outcome.Reason)
	case StatusFailed:
		o.Staging.Logf("failed %s after %d attempt(s): %s", outcome.ID, outcome.Attempts, outcome.Error)
		o.Logger.Warn("diagnostic failed",
			"diagnostic", outcome.ID, "attempts", outcome.Attempts, "error", outcome.Error)
	}
}

func domainMessage(err error) string {
	var de *core.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
