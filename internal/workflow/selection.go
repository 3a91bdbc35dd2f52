package workflow

import (
	"strconv"
	"strings"

	"github.com/nteguem/armelle-manager-sub002/model"
)

const defaultSelectionMax = 5

// SelectionProcessor interprets structured service replies and drives the
// two-turn pending-selection protocol: a selection reply presents a numbered
// candidate menu and the next user input is resolved against the stored
// candidates instead of the workflow's step transitions.
type SelectionProcessor struct {
	max int
}

// NewSelectionProcessor creates a processor. max caps the presented menu;
// longer lists fold the remainder behind a "refine search" entry.
func NewSelectionProcessor(max int) *SelectionProcessor {
	if max <= 0 {
		max = defaultSelectionMax
	}
	return &SelectionProcessor{max: max}
}

// ProcessReply converts one service reply into messages to render and the
// engine's next action. A non-nil fault ends the workflow with an error
// message; everything else continues it.
func (p *SelectionProcessor) ProcessReply(
	sc *model.Scope,
	def *model.WorkflowDefinition,
	step *model.WorkflowStep,
	call *model.ServiceCall,
	reply *model.ServiceReply,
) ([]model.Message, model.StepResult, *model.Fault) {
	switch reply.MessageType {
	case model.ReplySelection:
		return p.openSelection(sc, def, step, call, reply)
	case model.ReplyRetry:
		return p.retry(sc, step, reply)
	case model.ReplyCompletion:
		var msgs []model.Message
		if msg, ok := reply.OutcomeMessage(); ok {
			msgs = append(msgs, msg)
		}
		return msgs, model.CompletedResult(reply.Data), nil
	case model.ReplyError:
		return nil, model.StepResult{}, serviceFaultFrom(reply)
	default:
		if !reply.Success {
			return nil, model.StepResult{}, serviceFaultFrom(reply)
		}
		return p.saveAndAdvance(sc, def, step, call, reply)
	}
}

// saveAndAdvance handles a plain success: the payload is saved under the
// call's save key and the workflow advances normally.
func (p *SelectionProcessor) saveAndAdvance(
	sc *model.Scope,
	def *model.WorkflowDefinition,
	step *model.WorkflowStep,
	call *model.ServiceCall,
	reply *model.ServiceReply,
) ([]model.Message, model.StepResult, *model.Fault) {
	if call.SaveKey != "" && reply.Data != nil {
		sc.Context.Set(call.SaveKey, reply.Data)
	}
	var msgs []model.Message
	if msg, ok := reply.OutcomeMessage(); ok {
		msgs = append(msgs, msg)
	}
	return msgs, advanceResult(sc, def, step), nil
}

// openSelection builds the numbered candidate menu and stores the pending
// selection. An empty candidate list advances like a plain success without
// saving anything, so skip predicates downstream can route around the gap.
func (p *SelectionProcessor) openSelection(
	sc *model.Scope,
	def *model.WorkflowDefinition,
	step *model.WorkflowStep,
	call *model.ServiceCall,
	reply *model.ServiceReply,
) ([]model.Message, model.StepResult, *model.Fault) {
	items := reply.Items()
	if len(items) == 0 {
		var msgs []model.Message
		if msg, ok := reply.OutcomeMessage(); ok {
			msgs = append(msgs, msg)
		}
		return msgs, advanceResult(sc, def, step), nil
	}

	shown := items
	hasMore := false
	if len(items) > p.max {
		shown = items[:p.max]
		hasMore = true
	}

	selService, selMethod := reply.SelectTarget()
	if selMethod != "" && selService == "" {
		selService = call.Service
	}
	pending := &model.PendingSelection{
		Items:     shown,
		Service:   selService,
		Method:    selMethod,
		Params:    call.Params,
		Query:     queryOf(call.Params),
		SaveKey:   call.SaveKey,
		RetryStep: retryTargetOf(step, reply),
		HasMore:   hasMore,
	}
	sc.Context.Pending = pending

	msgs := make([]model.Message, 0, len(shown)+3)
	if msg, ok := reply.OutcomeMessage(); ok {
		msgs = append(msgs, msg)
	} else {
		msgs = append(msgs, model.NewMessage("selection.header", map[string]any{
			"count": len(items),
			"query": pending.Query,
		}))
	}
	for i, item := range shown {
		msgs = append(msgs, menuLine(i+1, item.Label))
	}
	if hasMore {
		msgs = append(msgs, model.NewMessage("selection.refine", map[string]any{
			"index": pending.RefineIndex(),
		}))
	}
	msgs = append(msgs, model.NewMessage("selection.none", nil))

	return msgs, model.MessageResult(), nil
}

// retry jumps back to the configured retry step, optionally pruning context
// variables to the reply's keep-list so data collection restarts clean.
func (p *SelectionProcessor) retry(
	sc *model.Scope,
	step *model.WorkflowStep,
	reply *model.ServiceReply,
) ([]model.Message, model.StepResult, *model.Fault) {
	if keep := reply.KeepList(); len(keep) > 0 {
		sc.Context.Prune(keep)
	}
	sc.Context.Retries++

	target := retryTargetOf(step, reply)
	if target == "" {
		return nil, model.StepResult{}, serviceFaultFrom(reply)
	}
	var msgs []model.Message
	if msg, ok := reply.OutcomeMessage(); ok {
		msgs = append(msgs, msg)
	}
	return msgs, model.TransitionResult(target, true), nil
}

// Resolve interprets one turn of input against the stored pending selection.
// The pending state is always cleared, whatever the outcome: a valid pick
// saves the item and proceeds (with a follow-up call when one is configured),
// zero and the refine entry return to the retry step, and anything else
// returns to the retry step with a rejection message.
func (p *SelectionProcessor) Resolve(
	sc *model.Scope,
	def *model.WorkflowDefinition,
	input string,
) ([]model.Message, model.StepResult, *model.Fault) {
	pending := sc.Context.Pending
	sc.Context.Pending = nil

	step, ok := def.Step(sc.Context.CurrentStep)
	if !ok {
		return nil, missingStepResult(def.ID, sc.Context.CurrentStep), nil
	}

	choice, err := strconv.Atoi(strings.TrimSpace(input))
	switch {
	case err == nil && choice >= 1 && choice <= len(pending.Items):
		return p.pick(sc, def, step, pending, pending.Items[choice-1])
	case err == nil && choice == 0:
		return nil, p.leaveSelection(sc, def, step, pending), nil
	case err == nil && pending.HasMore && choice == pending.RefineIndex():
		return nil, p.leaveSelection(sc, def, step, pending), nil
	default:
		msgs := []model.Message{model.NewMessage("selection.invalid", map[string]any{
			"max": len(pending.Items),
		})}
		return msgs, p.leaveSelection(sc, def, step, pending), nil
	}
}

// pick saves the chosen item and either fires the configured follow-up call
// or advances past the service step.
func (p *SelectionProcessor) pick(
	sc *model.Scope,
	def *model.WorkflowDefinition,
	step *model.WorkflowStep,
	pending *model.PendingSelection,
	item model.SelectionItem,
) ([]model.Message, model.StepResult, *model.Fault) {
	if pending.SaveKey != "" {
		var value any = item.Value
		if value == nil {
			value = item.ID
		}
		sc.Context.Set(pending.SaveKey, value)
	}

	if pending.Method != "" {
		params := make(map[string]any, len(pending.Params)+len(item.Value)+1)
		for k, v := range pending.Params {
			params[k] = v
		}
		for k, v := range item.Value {
			params[k] = v
		}
		params["selection_id"] = item.ID
		return nil, model.ServiceCallResult(&model.ServiceCall{
			Service: pending.Service,
			Method:  pending.Method,
			Params:  params,
			SaveKey: pending.SaveKey,
		}), nil
	}
	return nil, advanceResult(sc, def, step), nil
}

// leaveSelection routes a non-pick back to the retry step, or completes the
// workflow when no retry step is configured.
func (p *SelectionProcessor) leaveSelection(
	sc *model.Scope,
	def *model.WorkflowDefinition,
	step *model.WorkflowStep,
	pending *model.PendingSelection,
) model.StepResult {
	if pending.RetryStep != "" {
		return model.TransitionResult(pending.RetryStep, true)
	}
	return advanceResult(sc, def, step)
}

// retryTargetOf resolves the retry step: a per-reply override wins over the
// step's configured target.
func retryTargetOf(step *model.WorkflowStep, reply *model.ServiceReply) string {
	if target := reply.RetryTarget(); target != "" {
		return target
	}
	if step != nil && step.Service != nil {
		return step.Service.RetryStep
	}
	return ""
}

// queryOf extracts the free-text query that produced a candidate list, by
// convention carried in the call's "query" parameter.
func queryOf(params map[string]any) string {
	if params == nil {
		return ""
	}
	return model.ValueString(params["query"])
}

// serviceFaultFrom folds a failed reply's message into a service fault so
// the user sees the service's own wording when it provided one.
func serviceFaultFrom(reply *model.ServiceReply) *model.Fault {
	f := model.NewServiceFault("service reported failure", nil)
	if reply.MessageKey != "" {
		f.Key = reply.MessageKey
		f.Params = reply.MessageParams
	}
	return f
}
