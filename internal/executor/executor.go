// Package executor schedules an outdated action set across workers. The
// local parallel executor is always available; alternative implementations
// (distributed grids, task pools) plug in behind the same interface and are
// chosen by build configuration.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/actiongraph"
)

// An Executor runs a set of linked actions, honoring the contract that all
// of an action's prerequisite-producing actions finish before it begins.
type Executor interface {
	Name() string

	// Available probes whether the executor can run in this environment
	// (e.g. whether its backing service is reachable).
	Available() (bool, error)

	// Execute runs the actions and reports overall success. Individual
	// failures are returned via *BuildFailedError so all of them reach the
	// user, not just the first.
	Execute(ctx context.Context, actions []*actiongraph.LinkedAction) error
}

// An ActionFailure describes one action whose process exited nonzero or
// which failed to produce its declared outputs.
type ActionFailure struct {
	Action *actiongraph.LinkedAction
	Output string
	Err    error
}

// BuildFailedError aggregates every failure of an executor run.
type BuildFailedError struct {
	Failures []*ActionFailure
}

func (e *BuildFailedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d action(s) failed:", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&sb, "\n  %s: %v", f.Action.String(), f.Err)
	}
	return sb.String()
}

// SortForExecution orders actions by descending transitive-dependent count
// so the most-depended-on work runs first; ties keep their linking order.
func SortForExecution(actions []*actiongraph.LinkedAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].NumTotalDependents > actions[j].NumTotalDependents
	})
}

// Select picks the executor for this build. The order is deterministic: the
// explicitly requested name wins (an unavailable explicit choice is an
// error); otherwise the first available executor in preference order;
// otherwise the local executor, which is always available.
func Select(requested string, preference []string, candidates []Executor, fallback Executor) (Executor, error) {
	byName := make(map[string]Executor)
	for _, ex := range candidates {
		byName[ex.Name()] = ex
	}
	byName[fallback.Name()] = fallback
	if requested != "" {
		ex, ok := byName[requested]
		if !ok {
			return nil, xerrors.Errorf("unknown executor %q", requested)
		}
		ok, err := ex.Available()
		if err != nil {
			return nil, xerrors.Errorf("executor %q: %w", requested, err)
		}
		if !ok {
			return nil, xerrors.Errorf("executor %q is not available", requested)
		}
		return ex, nil
	}
	for _, name := range preference {
		ex, ok := byName[name]
		if !ok {
			continue
		}
		if ok, err := ex.Available(); err == nil && ok {
			return ex, nil
		}
	}
	return fallback, nil
}

// ExecuteActions is the engine's outer execution step: sort, run, then
// re-stat every produced item so downstream consumers observe fresh
// timestamps, and verify that every Link action produced its declared
// outputs.
func ExecuteActions(ctx context.Context, ex Executor, actions []*actiongraph.LinkedAction) error {
	SortForExecution(actions)
	execErr := ex.Execute(ctx, actions)

	for _, la := range actions {
		for _, item := range la.ProducedItems {
			item.Reset()
		}
	}
	if execErr != nil {
		return execErr
	}

	var missing []*ActionFailure
	for _, la := range actions {
		if la.Type != actiongraph.ActionLink {
			continue
		}
		for _, item := range la.ProducedItems {
			if !item.Exists() {
				missing = append(missing, &ActionFailure{
					Action: la,
					Err:    xerrors.Errorf("declared output %s was not produced", item.Path()),
				})
				logrus.WithFields(logrus.Fields{
					"action": la.String(),
					"output": item.Path(),
				}).Error("link action did not produce its declared output")
			}
		}
	}
	if len(missing) > 0 {
		return &BuildFailedError{Failures: missing}
	}
	return nil
}
