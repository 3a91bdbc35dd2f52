package workflow

import (
	"time"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// Navigator owns the visited-step history of one workflow instance.
// Invariant: the history's last element is always the current step while the
// workflow is active.
type Navigator struct {
	def *model.WorkflowDefinition
	ec  *model.ExecutionContext
}

// NewNavigator binds a navigator to a definition and a running instance.
func NewNavigator(def *model.WorkflowDefinition, ec *model.ExecutionContext) *Navigator {
	return &Navigator{def: def, ec: ec}
}

// Current returns the current step id.
func (n *Navigator) Current() string {
	return n.ec.CurrentStep
}

// Advance pushes stepID onto the history and makes it current.
func (n *Navigator) Advance(stepID string, now time.Time) {
	n.ec.History = append(n.ec.History, stepID)
	n.ec.CurrentStep = stepID
	n.ec.StepStartedAt = now
}

// CanGoBack reports whether Back would succeed from the current step.
func (n *Navigator) CanGoBack() bool {
	if len(n.ec.History) <= 1 {
		return false
	}
	if step, ok := n.def.Step(n.ec.CurrentStep); ok && step.NoBack {
		return false
	}
	return n.backTarget() >= 0
}

// backTarget returns the history index Back would restore, or -1 when there
// is none. Non-interactive steps cannot be re-prompted, so Back lands on the
// nearest interactive ancestor instead of re-running a service step.
func (n *Navigator) backTarget() int {
	for i := len(n.ec.History) - 2; i >= 0; i-- {
		step, ok := n.def.Step(n.ec.History[i])
		if ok && step.Interactive() {
			return i
		}
	}
	return -1
}

// Back pops the current step and restores the nearest interactive ancestor.
// Every variable saved by a departed step is discarded so re-entering it
// later starts clean, and any pending selection bound to a departed service
// step is dropped with it. On failure the context is left untouched.
func (n *Navigator) Back(now time.Time) (string, error) {
	if len(n.ec.History) <= 1 {
		return "", model.NewNavigationFault()
	}
	if step, ok := n.def.Step(n.ec.CurrentStep); ok && step.NoBack {
		return "", model.NewNavigationFault()
	}
	target := n.backTarget()
	if target < 0 {
		return "", model.NewNavigationFault()
	}

	for _, id := range n.ec.History[target+1:] {
		n.discardSaved(id)
	}
	n.ec.Pending = nil
	n.ec.History = n.ec.History[:target+1]
	n.ec.CurrentStep = n.ec.History[target]
	n.ec.StepStartedAt = now
	return n.ec.CurrentStep, nil
}

// discardSaved removes the variable a step saves, if it declares one.
func (n *Navigator) discardSaved(stepID string) {
	step, ok := n.def.Step(stepID)
	if !ok {
		return
	}
	switch {
	case step.Input != nil && step.Input.SaveKey != "":
		n.ec.Delete(step.Input.SaveKey)
	case step.Choice != nil && step.Choice.SaveKey != "":
		n.ec.Delete(step.Choice.SaveKey)
	case step.Service != nil && step.Service.SaveKey != "":
		n.ec.Delete(step.Service.SaveKey)
	}
}
