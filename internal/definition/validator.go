package definition

import (
	"fmt"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// VError describes a single validation error in a workflow definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks workflow definitions structurally and referentially.
// Definitions that fail validation must not be registered; the process
// refuses to start on a non-empty result.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions.
func (v *Validator) Validate(defs []*model.WorkflowDefinition) []VError {
	var errs []VError

	seen := make(map[string]bool)
	for i, def := range defs {
		prefix := fmt.Sprintf("workflows[%d]", i)
		if def == nil {
			errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "definition is nil"})
			continue
		}
		if def.ID != "" && seen[def.ID] {
			errs = append(errs, VError{Path: prefix + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("workflow id %q already registered", def.ID)})
		}
		seen[def.ID] = true
		errs = append(errs, v.validateWorkflow(prefix, def)...)
	}
	return errs
}

var validKinds = map[string]bool{
	model.WorkflowSystem: true,
	model.WorkflowUser:   true,
}

var validStepTypes = map[string]bool{
	model.StepInput:     true,
	model.StepChoice:    true,
	model.StepService:   true,
	model.StepMessage:   true,
	model.StepCondition: true,
}

func (v *Validator) validateWorkflow(prefix string, def *model.WorkflowDefinition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if !validKinds[def.Kind] {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid kind %q", def.Kind)})
	}
	if def.Label.IsZero() {
		errs = append(errs, VError{Path: prefix + ".label", Code: "REQUIRED", Message: "label is required"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		} else if stepIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("step id %q already used", s.ID)})
		}
		stepIDs[s.ID] = true
	}

	for i, s := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		errs = append(errs, v.validateStep(sp, s, stepIDs)...)
	}

	return errs
}

func (v *Validator) validateStep(prefix string, s *model.WorkflowStep, stepIDs map[string]bool) []VError {
	var errs []VError

	if !validStepTypes[s.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid step type %q", s.Type)})
		return errs
	}

	switch s.Type {
	case model.StepInput:
		if s.Prompt == nil {
			errs = append(errs, VError{Path: prefix + ".prompt", Code: "REQUIRED", Message: "input step needs a prompt"})
		}
		if s.Input != nil {
			errs = append(errs, v.validateValidation(prefix+".input.validation", &s.Input.Validation)...)
		}
	case model.StepChoice:
		if s.Prompt == nil {
			errs = append(errs, VError{Path: prefix + ".prompt", Code: "REQUIRED", Message: "choice step needs a prompt"})
		}
		if s.Choice == nil || s.Choice.Source == nil {
			errs = append(errs, VError{Path: prefix + ".choice.source", Code: "REQUIRED", Message: "choice step needs a choice source"})
		} else if static, ok := s.Choice.Source.(model.StaticChoices); ok {
			if len(static) == 0 {
				errs = append(errs, VError{Path: prefix + ".choice.source", Code: "REQUIRED", Message: "static choice list is empty"})
			}
			for j, c := range static {
				if c.Next != "" && !stepIDs[c.Next] {
					errs = append(errs, VError{
						Path:    fmt.Sprintf("%s.choice.source[%d].next", prefix, j),
						Code:    "REF_NOT_FOUND",
						Message: fmt.Sprintf("step %q not found", c.Next),
					})
				}
			}
		}
	case model.StepService:
		if s.Service == nil || s.Service.Service == "" || s.Service.Method == "" {
			errs = append(errs, VError{Path: prefix + ".service", Code: "REQUIRED", Message: "service step needs service and method"})
		}
		if s.Service != nil && s.Service.RetryStep != "" && !stepIDs[s.Service.RetryStep] {
			errs = append(errs, VError{
				Path:    prefix + ".service.retry_step",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("step %q not found", s.Service.RetryStep),
			})
		}
	case model.StepMessage:
		if s.Prompt == nil {
			errs = append(errs, VError{Path: prefix + ".prompt", Code: "REQUIRED", Message: "message step needs a prompt"})
		}
	case model.StepCondition:
		if s.Condition == nil || s.Condition.If == nil {
			errs = append(errs, VError{Path: prefix + ".condition.if", Code: "REQUIRED", Message: "condition step needs a predicate"})
		}
		if s.Condition != nil {
			if s.Condition.Then == "" {
				errs = append(errs, VError{Path: prefix + ".condition.then", Code: "REQUIRED", Message: "condition step needs a then target"})
			} else if !stepIDs[s.Condition.Then] {
				errs = append(errs, VError{Path: prefix + ".condition.then", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("step %q not found", s.Condition.Then)})
			}
			if s.Condition.Else != "" && !stepIDs[s.Condition.Else] {
				errs = append(errs, VError{Path: prefix + ".condition.else", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("step %q not found", s.Condition.Else)})
			}
		}
	}

	// Static next targets must resolve. Dynamic resolvers are checked at
	// runtime by the engine.
	for _, target := range staticNextTargets(s.Next) {
		if target != "" && !stepIDs[target] {
			errs = append(errs, VError{
				Path:    prefix + ".next",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("step %q not found", target),
			})
		}
	}

	return errs
}

func (v *Validator) validateValidation(prefix string, spec *model.ValidationSpec) []VError {
	if spec == nil {
		return nil
	}
	var errs []VError

	if err := spec.CompilePattern(); err != nil {
		errs = append(errs, VError{Path: prefix + ".pattern", Code: "INVALID_PATTERN", Message: err.Error()})
	}
	if spec.MinLength > 0 && spec.MaxLength > 0 && spec.MinLength > spec.MaxLength {
		errs = append(errs, VError{Path: prefix + ".min_length", Code: "RANGE", Message: "min_length exceeds max_length"})
	}
	if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
		errs = append(errs, VError{Path: prefix + ".min", Code: "RANGE", Message: "min exceeds max"})
	}

	return errs
}

// staticNextTargets extracts the step IDs a resolver can name statically.
func staticNextTargets(n model.NextResolver) []string {
	switch t := n.(type) {
	case model.StaticNext:
		return []string{string(t)}
	case model.SwitchNext:
		targets := make([]string, 0, len(t.Cases)+1)
		for _, target := range t.Cases {
			targets = append(targets, target)
		}
		if t.Default != "" {
			targets = append(targets, t.Default)
		}
		return targets
	}
	return nil
}
