package engine

import (
	"fmt"

	"github.com/hupe1980/agentplan/core"
)

// onFailure applies the plan's failure policy to a step that exhausted its
// attempts.
func (r *run) onFailure(failed *core.Step) {
	switch r.plan.FailurePolicy.OrDefault() {
	case core.AbortOnFailure:
		r.abort(failed)
	default:
		r.skipDependents(failed)
	}
}

// skipDependents marks every transitive dependent of failed SKIPPED.
// Independent branches keep running.
func (r *run) skipDependents(failed *core.Step) {
	reason := fmt.Sprintf("skipped: dependency %s failed", failed.ID)

	skipped := 0
	for _, id := range r.graph.Dependents(failed.ID) {
		s := r.plan.Step(id)
		if s.Status != core.StepPending && s.Status != core.StepReady {
			continue
		}
		r.transition(s, core.EventSkip, func(st *core.Step) {
			st.Error = reason
		})
		skipped++
	}

	if skipped > 0 {
		r.logger.Info("scheduler.dependents.skipped", "step_id", failed.ID, "count", skipped)
	}
}

// abort stops dispatching and skips every step that was not dispatched yet.
// In-flight steps finish unless the engine cancels them on abort.
func (r *run) abort(failed *core.Step) {
	if r.aborted {
		return
	}
	r.aborted = true

	reason := fmt.Sprintf("skipped: plan aborted after step %s failed", failed.ID)
	for _, s := range r.plan.Steps {
		if s.Status != core.StepPending && s.Status != core.StepReady {
			continue
		}
		r.transition(s, core.EventSkip, func(st *core.Step) {
			st.Error = reason
		})
	}

	r.logger.Warn("scheduler.plan.aborted", "step_id", failed.ID, "in_flight", r.running)

	if r.e.cancelInFlightOnAbort && r.running > 0 {
		r.stopWork()
	}
}
