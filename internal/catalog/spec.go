// Package catalog defines the fixed, ordered table of diagnostics and
// the feasibility resolution that classifies each entry against a
// capability snapshot. Adding a diagnostic means adding one catalog
// row; no condition is threaded anywhere else.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/diagcollect/diagcollect/internal/capability"
	"github.com/diagcollect/diagcollect/internal/execx"
	"github.com/diagcollect/diagcollect/internal/target"
)

// Env is everything an action needs to produce its artifacts. Built
// once per run and shared read-only across actions; the staging
// directory is the only thing actions write to.
type Env struct {
	Target     *target.Target
	Caps       capability.Set
	Runner     *execx.Runner
	StagingDir string
	Tools      Tools

	// Sampling diagnostics block for SampleWindow by design, taking a
	// reading every SampleInterval.
	SampleWindow   time.Duration
	SampleInterval time.Duration

	// ToolTimeout bounds a single external-tool invocation.
	ToolTimeout time.Duration

	Logger *slog.Logger
}

// Action produces a diagnostic's artifacts into env.StagingDir and
// returns the artifact file names it wrote (relative to the staging
// directory).
type Action func(ctx context.Context, env *Env) ([]string, error)

// Precondition is one feasibility predicate over a capability
// snapshot. When Check fails, Reason explains the skip to the
// operator.
type Precondition struct {
	Check  func(capability.Set) bool
	Reason func(capability.Set) string
}

func pre(check func(capability.Set) bool, reason string) Precondition {
	return Precondition{
		Check:  check,
		Reason: func(capability.Set) string { return reason },
	}
}

// Spec is one row of the diagnostic catalog. Catalog order is
// execution order, and ids are unique within the catalog.
type Spec struct {
	ID          string
	Description string

	// Required rows have no preconditions beyond staging existing;
	// they run in every environment.
	Required bool

	// Preconditions are ANDed in order; the first failing predicate
	// supplies the skip reason, so the most specific blocker must come
	// first (tool absence before policy, policy before disk).
	Preconditions []Precondition

	Action Action

	// ResourceEstimate, when non-nil, marks a dump-producing row. Its
	// disk budget is re-validated immediately before execution, not
	// just at resolution time.
	ResourceEstimate func(capability.Set) uint64

	// AttachRetry marks attach-style rows (thread backtraces under
	// contention) that get bounded retries on transient failure.
	AttachRetry bool
}

// Validate checks catalog integrity: non-empty unique ids, an action
// on every row.
func Validate(specs []Spec) error {
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if s.ID == "" {
			return fmt.Errorf("catalog entry %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate catalog id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Action == nil {
			return fmt.Errorf("catalog entry %q has no action", s.ID)
		}
	}
	return nil
}

// Verdict classifies one catalog row for one capability snapshot.
type Verdict struct {
	Runnable bool
	Reason   string // populated only when skipped
}

// Resolution pairs a catalog row with its verdict.
type Resolution struct {
	Spec    Spec
	Verdict Verdict
}

// Resolve evaluates every catalog row against the snapshot, in catalog
// order, producing exactly one verdict per row. Preconditions AND
// together; the first failing one supplies the reason.
func Resolve(specs []Spec, set capability.Set) []Resolution {
	out := make([]Resolution, 0, len(specs))
	for _, s := range specs {
		out = append(out, Resolution{Spec: s, Verdict: verdict(s, set)})
	}
	return out
}

func verdict(s Spec, set capability.Set) Verdict {
	for _, p := range s.Preconditions {
		if !p.Check(set) {
			return Verdict{Runnable: false, Reason: p.Reason(set)}
		}
	}
	return Verdict{Runnable: true}
}
