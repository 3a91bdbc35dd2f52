package model

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Workflow kinds. System workflows outrank user workflows when selecting
// eligible workflows for a session.
const (
	WorkflowSystem = "system"
	WorkflowUser   = "user"
)

// Step types.
const (
	StepInput     = "input"
	StepChoice    = "choice"
	StepService   = "service"
	StepMessage   = "message"
	StepCondition = "condition"
)

// Interruption policies. Allow (the default) honors the cancel command at any
// step; Block defers it until the workflow finishes.
const (
	InterruptAllow = "allow"
	InterruptBlock = "block"
)

// Scope bundles what dynamic definition fields may read at evaluation time.
// Context is nil when a field is evaluated outside a running workflow, such
// as activation predicates.
type Scope struct {
	Session *Session
	Context *ExecutionContext
}

// Var reads a context variable through the scope. Returns nil, false when no
// workflow is running.
func (sc *Scope) Var(key string) (any, bool) {
	if sc == nil || sc.Context == nil {
		return nil, false
	}
	return sc.Context.Get(key)
}

// Evaluator interfaces for dynamic definition fields. Implementations should
// be plain data values so definitions stay inspectable; the *Func adapters
// below are the escape hatch for genuinely computed fields.

// Predicate answers a yes/no question against the evaluation scope.
type Predicate interface {
	Evaluate(sc *Scope) bool
}

// NextResolver names the step that follows the current one.
type NextResolver interface {
	NextStep(sc *Scope) string
}

// ChoiceSource produces the selectable options of a choice step.
type ChoiceSource interface {
	Choices(sc *Scope) []Choice
}

// PromptSource produces the prompt message of a step.
type PromptSource interface {
	Prompt(sc *Scope) Message
}

// ParamSource produces the raw parameters of a service call, before
// interpolation.
type ParamSource interface {
	Params(sc *Scope) map[string]any
}

// InputValidator applies a custom validation rule to user input. A nil
// return accepts the input.
type InputValidator interface {
	Validate(sc *Scope, input string) *Fault
}

// Function adapters.

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(sc *Scope) bool

func (f PredicateFunc) Evaluate(sc *Scope) bool { return f(sc) }

// NextFunc adapts a function to NextResolver.
type NextFunc func(sc *Scope) string

func (f NextFunc) NextStep(sc *Scope) string { return f(sc) }

// ChoiceFunc adapts a function to ChoiceSource.
type ChoiceFunc func(sc *Scope) []Choice

func (f ChoiceFunc) Choices(sc *Scope) []Choice { return f(sc) }

// PromptFunc adapts a function to PromptSource.
type PromptFunc func(sc *Scope) Message

func (f PromptFunc) Prompt(sc *Scope) Message { return f(sc) }

// ParamFunc adapts a function to ParamSource.
type ParamFunc func(sc *Scope) map[string]any

func (f ParamFunc) Params(sc *Scope) map[string]any { return f(sc) }

// ValidateFunc adapts a function to InputValidator.
type ValidateFunc func(sc *Scope, input string) *Fault

func (f ValidateFunc) Validate(sc *Scope, input string) *Fault { return f(sc, input) }

// Data-shaped evaluators.

// StaticNext names a fixed following step.
type StaticNext string

func (n StaticNext) NextStep(*Scope) string { return string(n) }

// SwitchNext picks the next step from a context variable's value.
type SwitchNext struct {
	Var     string
	Cases   map[string]string
	Default string
}

func (n SwitchNext) NextStep(sc *Scope) string {
	if v, ok := sc.Var(n.Var); ok {
		if next, ok := n.Cases[toString(v)]; ok {
			return next
		}
	}
	return n.Default
}

// StaticPrompt is a fixed template reference. Params pass through the
// executor's interpolation, so they may reference {{var}} placeholders.
type StaticPrompt struct {
	Key    string
	Params map[string]any
}

func (p StaticPrompt) Prompt(*Scope) Message { return NewMessage(p.Key, p.Params) }

// StaticParams is a fixed parameter map, interpolated by the executor.
type StaticParams map[string]any

func (p StaticParams) Params(*Scope) map[string]any { return p }

// StaticChoices is a fixed choice list.
type StaticChoices []Choice

func (c StaticChoices) Choices(*Scope) []Choice { return c }

// VarChoices builds the choice list from selection items saved under a
// context variable, enabling menus over service results.
type VarChoices struct {
	Var string
}

func (v VarChoices) Choices(sc *Scope) []Choice {
	raw, ok := sc.Var(v.Var)
	if !ok {
		return nil
	}
	items := ItemsFromAny(raw)
	choices := make([]Choice, 0, len(items))
	for _, item := range items {
		choices = append(choices, Choice{
			ID:    item.ID,
			Label: LiteralMessage(item.Label),
			Value: item.Value,
		})
	}
	return choices
}

// VarEquals is true when the variable's value equals Value under loose
// string comparison.
type VarEquals struct {
	Var   string
	Value string
}

func (p VarEquals) Evaluate(sc *Scope) bool {
	v, ok := sc.Var(p.Var)
	return ok && toString(v) == p.Value
}

// VarPresent is true when the variable is set and non-empty.
type VarPresent struct {
	Var string
}

func (p VarPresent) Evaluate(sc *Scope) bool {
	v, ok := sc.Var(p.Var)
	return ok && !emptyValue(v)
}

// VarMissing is true when the variable is unset or empty.
type VarMissing struct {
	Var string
}

func (p VarMissing) Evaluate(sc *Scope) bool {
	v, ok := sc.Var(p.Var)
	return !ok || emptyValue(v)
}

// SessionVerified is true for sessions that completed onboarding.
type SessionVerified struct{}

func (SessionVerified) Evaluate(sc *Scope) bool {
	return sc != nil && sc.Session != nil && sc.Session.Verified
}

// SessionUnverified is true for sessions that have not completed onboarding.
type SessionUnverified struct{}

func (SessionUnverified) Evaluate(sc *Scope) bool {
	return sc != nil && sc.Session != nil && !sc.Session.Verified
}

// Choice is one selectable option of a choice step. Next, when set, overrides
// the step-level next target for this choice.
type Choice struct {
	ID    string
	Label Message
	Value any
	Next  string
}

// ValidationSpec constrains input-step values. Length bounds apply to the
// trimmed input; Min/Max apply when the input parses as a number.
type ValidationSpec struct {
	Required  bool
	MinLength int
	MaxLength int
	Min       *float64
	Max       *float64
	Pattern   string
	Custom    InputValidator

	compiled *regexp.Regexp
}

// CompilePattern compiles the regex pattern, if set. Called by the definition
// validator at load time so malformed patterns abort startup.
func (v *ValidationSpec) CompilePattern() error {
	if v.Pattern == "" {
		return nil
	}
	re, err := regexp.Compile(v.Pattern)
	if err != nil {
		return err
	}
	v.compiled = re
	return nil
}

// MatchesPattern reports whether input satisfies the pattern. An empty
// pattern matches everything.
func (v *ValidationSpec) MatchesPattern(input string) bool {
	if v.Pattern == "" {
		return true
	}
	if v.compiled == nil {
		if err := v.CompilePattern(); err != nil {
			return false
		}
	}
	return v.compiled.MatchString(input)
}

// InputConfig configures an input step.
type InputConfig struct {
	Validation ValidationSpec
	SaveKey    string
}

// ChoiceConfig configures a choice step.
type ChoiceConfig struct {
	Source  ChoiceSource
	SaveKey string
}

// ServiceConfig configures a service step. RetryStep names the step to
// return to when the service replies with the retry type or a selection
// resolves without a pick.
type ServiceConfig struct {
	Service   string
	Method    string
	Params    ParamSource
	SaveKey   string
	RetryStep string
}

// ConditionConfig configures a condition step: a predicate with two branch
// targets.
type ConditionConfig struct {
	If   Predicate
	Then string
	Else string
}

// WorkflowStep is one unit of a workflow. Type selects which config is
// consulted; steps are pure data dispatched by the executor.
type WorkflowStep struct {
	ID        string
	Type      string
	Prompt    PromptSource
	Input     *InputConfig
	Choice    *ChoiceConfig
	Service   *ServiceConfig
	Condition *ConditionConfig
	Next      NextResolver
	SkipIf    Predicate
	NoBack    bool
}

// Interactive reports whether the step waits for user input.
func (s *WorkflowStep) Interactive() bool {
	return s.Type == StepInput || s.Type == StepChoice
}

// Hook runs at a workflow boundary (completion, cancellation, error).
type Hook func(ctx context.Context, sc *Scope) error

// WorkflowDefinition is an immutable, code-built workflow loaded into the
// registry at startup.
type WorkflowDefinition struct {
	ID           string
	Kind         string
	Label        Message
	Keywords     []string
	Commands     []string
	Activation   Predicate
	Steps        []*WorkflowStep
	Ordinals     map[string]int
	MaxDwell     time.Duration
	Interruption string
	OnComplete   Hook
	OnCancel     Hook
	OnError      Hook
}

// System reports whether this is a system workflow.
func (d *WorkflowDefinition) System() bool { return d.Kind == WorkflowSystem }

// Step returns the step with the given id.
func (d *WorkflowDefinition) Step(id string) (*WorkflowStep, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// FirstStep returns the workflow's entry step.
func (d *WorkflowDefinition) FirstStep() *WorkflowStep {
	if len(d.Steps) == 0 {
		return nil
	}
	return d.Steps[0]
}

// FollowingStep returns the id of the step after id in definition order, or
// "" when id is last or unknown.
func (d *WorkflowDefinition) FollowingStep(id string) string {
	for i, s := range d.Steps {
		if s.ID == id {
			if i+1 < len(d.Steps) {
				return d.Steps[i+1].ID
			}
			return ""
		}
	}
	return ""
}

// Ordinal returns the presentation ordinal of a step and the workflow total.
// Zero ordinal means the step is not counted. Presentation metadata only,
// never control flow.
func (d *WorkflowDefinition) Ordinal(stepID string) (n, total int) {
	if d.Ordinals == nil {
		return 0, 0
	}
	for _, v := range d.Ordinals {
		if v > total {
			total = v
		}
	}
	return d.Ordinals[stepID], total
}

// Interruptible reports whether the cancel command is honored mid-workflow.
func (d *WorkflowDefinition) Interruptible() bool {
	return d.Interruption != InterruptBlock
}

// ExecutionContext is the mutable state of one running workflow instance.
// It is owned by the engine while the workflow is active and persisted into
// the session record after every step.
type ExecutionContext struct {
	ID            string            `json:"id"`
	WorkflowID    string            `json:"workflow_id"`
	CurrentStep   string            `json:"current_step"`
	History       []string          `json:"history"`
	Vars          map[string]any    `json:"vars,omitempty"`
	Pending       *PendingSelection `json:"pending,omitempty"`
	Retries       int               `json:"retries"`
	StartedAt     time.Time         `json:"started_at"`
	StepStartedAt time.Time         `json:"step_started_at"`
}

// NewExecutionContext starts a context at the workflow's first step.
// Invariant: History always ends with CurrentStep while the workflow is
// active.
func NewExecutionContext(workflowID, firstStep string, now time.Time) *ExecutionContext {
	return &ExecutionContext{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		CurrentStep:   firstStep,
		History:       []string{firstStep},
		Vars:          make(map[string]any),
		StartedAt:     now,
		StepStartedAt: now,
	}
}

// Get reads a variable.
func (c *ExecutionContext) Get(key string) (any, bool) {
	v, ok := c.Vars[key]
	return v, ok
}

// GetString reads a variable as a string, coercing scalars.
func (c *ExecutionContext) GetString(key string) string {
	v, ok := c.Vars[key]
	if !ok {
		return ""
	}
	return toString(v)
}

// Set writes a variable, allocating the map if needed.
func (c *ExecutionContext) Set(key string, value any) {
	if c.Vars == nil {
		c.Vars = make(map[string]any)
	}
	c.Vars[key] = value
}

// Delete removes a variable.
func (c *ExecutionContext) Delete(key string) {
	delete(c.Vars, key)
}

// Prune drops every variable not named in keep.
func (c *ExecutionContext) Prune(keep []string) {
	if len(keep) == 0 {
		return
	}
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	for k := range c.Vars {
		if !keepSet[k] {
			delete(c.Vars, k)
		}
	}
}

// PendingSelection is the transient two-turn protocol state: a service
// produced a candidate list and the next input is resolved against it
// instead of the workflow's step transitions. Always cleared on resolution,
// whether the pick was valid or not.
type PendingSelection struct {
	Items     []SelectionItem `json:"items"`
	Service   string          `json:"service"`
	Method    string          `json:"method"`
	Params    map[string]any  `json:"params,omitempty"`
	Query     string          `json:"query,omitempty"`
	SaveKey   string          `json:"save_key,omitempty"`
	RetryStep string          `json:"retry_step,omitempty"`
	HasMore   bool            `json:"has_more,omitempty"`
}

// RefineIndex returns the menu index of the "refine search" entry, or 0 when
// the list was not capped.
func (p *PendingSelection) RefineIndex() int {
	if !p.HasMore {
		return 0
	}
	return len(p.Items) + 1
}
