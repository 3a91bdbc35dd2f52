package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// Executor executes exactly one step against one turn of input, producing a
// StepResult for the engine to act on. Steps are pure data; the executor is
// the single dispatcher over their closed type set. It never calls business
// services itself and never walks more than one step at a time.
type Executor struct {
	render     model.Renderer
	backTokens map[string]bool
}

// NewExecutor creates an executor. backTokens are the reserved commands that
// trigger backward navigation; matching is case-insensitive.
func NewExecutor(render model.Renderer, backTokens []string) *Executor {
	set := make(map[string]bool, len(backTokens))
	for _, t := range backTokens {
		set[normalizeToken(t)] = true
	}
	return &Executor{render: render, backTokens: set}
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsBackToken reports whether text is one of the reserved back commands.
func (e *Executor) IsBackToken(text string) bool {
	return e.backTokens[normalizeToken(text)]
}

// EnterStep executes the current step without user input: the entry half of
// a step's lifecycle, run when a transition lands on it. Interactive steps
// produce their prompt and wait; non-interactive steps produce the action the
// engine takes next.
func (e *Executor) EnterStep(sc *model.Scope, def *model.WorkflowDefinition) model.StepResult {
	step, ok := def.Step(sc.Context.CurrentStep)
	if !ok {
		return missingStepResult(def.ID, sc.Context.CurrentStep)
	}
	if step.SkipIf != nil && step.SkipIf.Evaluate(sc) {
		return model.TransitionResult(followStep(sc, def, step), true)
	}

	switch step.Type {
	case model.StepInput, model.StepChoice:
		return model.MessageResult(e.PromptBlock(sc, def, step)...)
	case model.StepService:
		return e.serviceCall(sc, step)
	case model.StepMessage:
		return model.CompletedResult(sc.Context.Vars)
	case model.StepCondition:
		return e.branch(sc, def, step)
	default:
		return model.ValidationErrorResult(model.NewDefinitionFault(
			fmt.Sprintf("step %q in workflow %q has unknown type %q", step.ID, def.ID, step.Type),
		))
	}
}

// ProcessInput applies one turn of user input to the current step. Order:
// reserved back token first, then the step's skip predicate (a skipped step
// never consumes input), then dispatch by step type.
func (e *Executor) ProcessInput(sc *model.Scope, def *model.WorkflowDefinition, input string) model.StepResult {
	if e.IsBackToken(input) {
		return e.goBack(sc, def)
	}

	step, ok := def.Step(sc.Context.CurrentStep)
	if !ok {
		return missingStepResult(def.ID, sc.Context.CurrentStep)
	}
	if step.SkipIf != nil && step.SkipIf.Evaluate(sc) {
		return model.TransitionResult(followStep(sc, def, step), true)
	}

	switch step.Type {
	case model.StepInput:
		return e.collectInput(sc, def, step, input)
	case model.StepChoice:
		return e.resolveChoice(sc, def, step, input)
	case model.StepService:
		return e.serviceCall(sc, step)
	case model.StepMessage:
		return model.CompletedResult(sc.Context.Vars)
	case model.StepCondition:
		return e.branch(sc, def, step)
	default:
		return model.ValidationErrorResult(model.NewDefinitionFault(
			fmt.Sprintf("step %q in workflow %q has unknown type %q", step.ID, def.ID, step.Type),
		))
	}
}

// goBack pops to the previous interactive step and rebuilds its prompt.
// A blocked back is recoverable: the fault renders as an informative message
// and the current step stays put.
func (e *Executor) goBack(sc *model.Scope, def *model.WorkflowDefinition) model.StepResult {
	nav := NewNavigator(def, sc.Context)
	if _, err := nav.Back(time.Now().UTC()); err != nil {
		return model.ValidationErrorResult(model.NewNavigationFault())
	}
	step, ok := def.Step(sc.Context.CurrentStep)
	if !ok {
		return missingStepResult(def.ID, sc.Context.CurrentStep)
	}
	return model.MessageResult(e.PromptBlock(sc, def, step)...)
}

// collectInput validates and saves an input step's value.
func (e *Executor) collectInput(sc *model.Scope, def *model.WorkflowDefinition, step *model.WorkflowStep, input string) model.StepResult {
	value := strings.TrimSpace(input)
	if f := validateInput(sc, &step.Input.Validation, value); f != nil {
		return model.ValidationErrorResult(f)
	}
	if step.Input.SaveKey != "" {
		sc.Context.Set(step.Input.SaveKey, value)
	}
	return advanceResult(sc, def, step)
}

// resolveChoice matches input against the step's choice list, as a 1-based
// index or an exact choice id. A choice-level next target overrides the
// step-level one, which is how individual choices branch.
func (e *Executor) resolveChoice(sc *model.Scope, def *model.WorkflowDefinition, step *model.WorkflowStep, input string) model.StepResult {
	choices := step.Choice.Source.Choices(sc)
	if len(choices) == 0 {
		// A dynamic source came back empty; there is nothing to pick.
		return advanceResult(sc, def, step)
	}

	idx := matchChoice(choices, input)
	if idx < 0 {
		return model.ValidationErrorResult(model.NewValidationFault(
			"validate.choice", map[string]any{"count": len(choices)},
		))
	}

	chosen := choices[idx]
	if step.Choice.SaveKey != "" {
		value := chosen.Value
		if value == nil {
			value = chosen.ID
		}
		sc.Context.Set(step.Choice.SaveKey, value)
	}
	if chosen.Next != "" {
		return model.TransitionResult(chosen.Next, true)
	}
	return advanceResult(sc, def, step)
}

// serviceCall builds the business call for a service step. Parameters pass
// through {{var}} and {{session.field}} interpolation; the engine performs
// the call.
func (e *Executor) serviceCall(sc *model.Scope, step *model.WorkflowStep) model.StepResult {
	cfg := step.Service
	var params map[string]any
	if cfg.Params != nil {
		params = cfg.Params.Params(sc)
	}
	return model.ServiceCallResult(&model.ServiceCall{
		Service: cfg.Service,
		Method:  cfg.Method,
		Params:  InterpolateParams(params, sc),
		SaveKey: cfg.SaveKey,
	})
}

// branch evaluates a condition step's predicate and transitions to the
// matching target. An empty else target falls through to definition order.
func (e *Executor) branch(sc *model.Scope, def *model.WorkflowDefinition, step *model.WorkflowStep) model.StepResult {
	cfg := step.Condition
	target := cfg.Else
	if cfg.If != nil && cfg.If.Evaluate(sc) {
		target = cfg.Then
	}
	if target == "" {
		target = def.FollowingStep(step.ID)
	}
	if target == "" {
		return model.CompletedResult(sc.Context.Vars)
	}
	return model.TransitionResult(target, true)
}

// PromptBlock builds the renderable prompt for a step: the prompt message
// with interpolated parameters and step ordinals merged in, followed by a
// numbered menu for choice steps.
func (e *Executor) PromptBlock(sc *model.Scope, def *model.WorkflowDefinition, step *model.WorkflowStep) []model.Message {
	var msgs []model.Message
	if step.Prompt != nil {
		msg := e.expandMessage(sc, def, step, step.Prompt.Prompt(sc))
		if !msg.IsZero() {
			msgs = append(msgs, msg)
		}
	}
	if step.Type == model.StepChoice && step.Choice != nil && step.Choice.Source != nil {
		language := ""
		if sc.Session != nil {
			language = sc.Session.Language
		}
		for i, c := range step.Choice.Source.Choices(sc) {
			msgs = append(msgs, e.menuItem(i+1, c.Label, language))
		}
	}
	return msgs
}

// expandMessage interpolates prompt parameters and merges the step's ordinal
// for "step N of M" templates. Ordinals are presentation only.
func (e *Executor) expandMessage(sc *model.Scope, def *model.WorkflowDefinition, step *model.WorkflowStep, msg model.Message) model.Message {
	if msg.Literal != "" {
		return model.LiteralMessage(Interpolate(msg.Literal, sc))
	}
	params := InterpolateParams(msg.Params, sc)
	if n, total := def.Ordinal(step.ID); n > 0 && total > 0 {
		if params == nil {
			params = make(map[string]any, 2)
		}
		params["step"] = n
		params["steps"] = total
	}
	return model.NewMessage(msg.Key, params)
}

// menuItem renders one numbered menu line. Template labels are resolved
// first, so the line template only ever sees final text.
func (e *Executor) menuItem(index int, label model.Message, language string) model.Message {
	text := label.Literal
	if text == "" && e.render != nil {
		text = e.render.Render(label, language)
	}
	return menuLine(index, text)
}

// menuLine is the shared shape of one numbered menu entry.
func menuLine(index int, label string) model.Message {
	return model.NewMessage("workflow.menu_item", map[string]any{"index": index, "label": label})
}

// matchChoice resolves input as a 1-based index or an exact choice id,
// returning the zero-based position or -1.
func matchChoice(choices []model.Choice, input string) int {
	trimmed := strings.TrimSpace(input)
	if n, err := strconv.Atoi(trimmed); err == nil && n >= 1 && n <= len(choices) {
		return n - 1
	}
	for i, c := range choices {
		if strings.EqualFold(c.ID, trimmed) {
			return i
		}
	}
	return -1
}

// validateInput applies a validation spec in declaration order and returns
// the first failure. Length bounds count runes, not bytes, so accented input
// is measured the way users see it.
func validateInput(sc *model.Scope, spec *model.ValidationSpec, value string) *model.Fault {
	if value == "" {
		if spec.Required {
			return model.NewValidationFault("validate.required", nil)
		}
		return nil
	}
	if spec.MinLength > 0 && utf8.RuneCountInString(value) < spec.MinLength {
		return model.NewValidationFault("validate.min_length", map[string]any{"min": spec.MinLength})
	}
	if spec.MaxLength > 0 && utf8.RuneCountInString(value) > spec.MaxLength {
		return model.NewValidationFault("validate.max_length", map[string]any{"max": spec.MaxLength})
	}
	if spec.Min != nil || spec.Max != nil {
		num, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return model.NewValidationFault("validate.numeric", nil)
		}
		if spec.Min != nil && num < *spec.Min {
			return model.NewValidationFault("validate.min", map[string]any{"min": *spec.Min})
		}
		if spec.Max != nil && num > *spec.Max {
			return model.NewValidationFault("validate.max", map[string]any{"max": *spec.Max})
		}
	}
	if !spec.MatchesPattern(value) {
		return model.NewValidationFault("validate.pattern", nil)
	}
	if spec.Custom != nil {
		if f := spec.Custom.Validate(sc, value); f != nil {
			return f
		}
	}
	return nil
}

// advanceResult turns a step's next target into a transition, or completes
// the workflow when the step is last in sequence with no explicit target.
func advanceResult(sc *model.Scope, def *model.WorkflowDefinition, step *model.WorkflowStep) model.StepResult {
	next := followStep(sc, def, step)
	if next == "" {
		return model.CompletedResult(sc.Context.Vars)
	}
	return model.TransitionResult(next, true)
}

// followStep resolves a step's next target: the explicit resolver first,
// then definition order.
func followStep(sc *model.Scope, def *model.WorkflowDefinition, step *model.WorkflowStep) string {
	if step.Next != nil {
		if next := step.Next.NextStep(sc); next != "" {
			return next
		}
	}
	return def.FollowingStep(step.ID)
}

// missingStepResult reports a current step that no longer exists in its
// definition. The validator makes this unreachable for static targets; it
// guards dynamic resolvers.
func missingStepResult(workflowID, stepID string) model.StepResult {
	return model.ValidationErrorResult(model.NewDefinitionFault(
		fmt.Sprintf("step %q missing from workflow %q", stepID, workflowID),
	))
}
