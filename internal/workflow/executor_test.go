package workflow

import (
	"testing"
	"time"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// --- Test helpers ---

// stubRenderer resolves templates to their key and literals to their text,
// enough to observe which template a menu label names.
type stubRenderer struct{}

func (stubRenderer) Render(msg model.Message, _ string) string {
	if msg.Literal != "" {
		return msg.Literal
	}
	return msg.Key
}

func newExecutor() *Executor {
	return NewExecutor(stubRenderer{}, []string{"back", "retour"})
}

func newScope(def *model.WorkflowDefinition) *model.Scope {
	now := time.Now().UTC()
	sess := model.NewSession("telegram", "555100", "fr", now)
	sess.Verified = true
	return &model.Scope{
		Session: sess,
		Context: model.NewExecutionContext(def.ID, def.Steps[0].ID, now),
	}
}

// formDefinition is a two-field form with ordinals and a closing summary.
func formDefinition() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID: "simple_form",
		Steps: []*model.WorkflowStep{
			{
				ID:     "ask-name",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "form.ask_name"},
				Input: &model.InputConfig{
					Validation: model.ValidationSpec{Required: true, MinLength: 2},
					SaveKey:    "name",
				},
			},
			{
				ID:     "ask-city",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "form.ask_city"},
				Input:  &model.InputConfig{SaveKey: "city"},
			},
			{
				ID:     "done",
				Type:   model.StepMessage,
				Prompt: model.StaticPrompt{Key: "form.done", Params: map[string]any{"name": "{{name}}"}},
			},
		},
		Ordinals: map[string]int{"ask-name": 1, "ask-city": 2},
	}
}

// choiceDefinition is a language picker whose second option branches.
func choiceDefinition() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID: "pick_language",
		Steps: []*model.WorkflowStep{
			{
				ID:     "choose",
				Type:   model.StepChoice,
				Prompt: model.StaticPrompt{Key: "language.choose"},
				Choice: &model.ChoiceConfig{
					Source: model.StaticChoices{
						{ID: "fr", Label: model.LiteralMessage("Français"), Value: "fr"},
						{ID: "en", Label: model.LiteralMessage("English"), Value: "en", Next: "english-note"},
					},
					SaveKey: "language",
				},
			},
			{ID: "after", Type: model.StepMessage, Prompt: model.StaticPrompt{Key: "language.saved"}},
			{ID: "english-note", Type: model.StepMessage, Prompt: model.StaticPrompt{Key: "language.saved_en"}},
		},
	}
}

// skipDefinition asks for the NIU only when the context does not already
// hold one.
func skipDefinition() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID: "niu_check",
		Steps: []*model.WorkflowStep{
			{
				ID:     "ask-niu",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "niu.ask"},
				Input:  &model.InputConfig{SaveKey: "niu"},
				SkipIf: model.VarPresent{Var: "niu"},
			},
			{ID: "after", Type: model.StepMessage, Prompt: model.StaticPrompt{Key: "niu.after"}},
		},
	}
}

// --- EnterStep ---

func TestExecutor_EnterStep_promptsInput(t *testing.T) {
	def := formDefinition()
	sc := newScope(def)

	res := newExecutor().EnterStep(sc, def)
	if res.Kind != model.ResultMessage {
		t.Fatalf("Kind = %q, want message", res.Kind)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(res.Messages))
	}
	msg := res.Messages[0]
	if msg.Key != "form.ask_name" {
		t.Errorf("Key = %q", msg.Key)
	}
	if msg.Params["step"] != 1 || msg.Params["steps"] != 2 {
		t.Errorf("ordinal params = %v", msg.Params)
	}
}

func TestExecutor_EnterStep_promptsChoiceMenu(t *testing.T) {
	def := choiceDefinition()
	sc := newScope(def)

	res := newExecutor().EnterStep(sc, def)
	if res.Kind != model.ResultMessage {
		t.Fatalf("Kind = %q, want message", res.Kind)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("messages = %d, want prompt plus two menu lines", len(res.Messages))
	}
	if res.Messages[0].Key != "language.choose" {
		t.Errorf("prompt key = %q", res.Messages[0].Key)
	}
	for i, want := range []string{"Français", "English"} {
		line := res.Messages[i+1]
		if line.Key != "workflow.menu_item" {
			t.Errorf("menu line %d key = %q", i+1, line.Key)
		}
		if line.Params["index"] != i+1 || line.Params["label"] != want {
			t.Errorf("menu line %d params = %v", i+1, line.Params)
		}
	}
}

func TestExecutor_EnterStep_missingStep(t *testing.T) {
	def := formDefinition()
	sc := newScope(def)
	sc.Context.CurrentStep = "ghost"

	res := newExecutor().EnterStep(sc, def)
	if res.Kind != model.ResultValidationError {
		t.Fatalf("Kind = %q, want validation_error", res.Kind)
	}
	if res.Fault.Code != model.ErrDefinitionError {
		t.Errorf("code = %s", res.Fault.Code)
	}
}

func TestExecutor_EnterStep_unknownType(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID:    "weird",
		Steps: []*model.WorkflowStep{{ID: "odd", Type: "teleport"}},
	}
	res := newExecutor().EnterStep(newScope(def), def)
	if res.Kind != model.ResultValidationError || res.Fault.Code != model.ErrDefinitionError {
		t.Fatalf("result = %+v, want definition fault", res)
	}
}

// --- Skip predicate ---

func TestExecutor_SkipPredicate(t *testing.T) {
	def := skipDefinition()
	e := newExecutor()

	// Without the variable, the step prompts normally.
	sc := newScope(def)
	res := e.EnterStep(sc, def)
	if res.Kind != model.ResultMessage {
		t.Fatalf("Kind = %q, want message", res.Kind)
	}

	// With it, entry skips ahead.
	sc = newScope(def)
	sc.Context.Set("niu", "P123456789")
	res = e.EnterStep(sc, def)
	if res.Kind != model.ResultTransition || res.Next != "after" {
		t.Fatalf("EnterStep = %q/%q, want transition to after", res.Kind, res.Next)
	}

	// A skipped step never consumes input: the turn's text is not saved.
	sc = newScope(def)
	sc.Context.Set("niu", "P123456789")
	res = e.ProcessInput(sc, def, "P999999999")
	if res.Kind != model.ResultTransition || res.Next != "after" {
		t.Fatalf("ProcessInput = %q/%q, want transition to after", res.Kind, res.Next)
	}
	if got := sc.Context.GetString("niu"); got != "P123456789" {
		t.Errorf("niu = %q, skipped step must not consume input", got)
	}
}

// --- Input collection ---

func TestExecutor_Input_savesTrimmedAndAdvances(t *testing.T) {
	def := formDefinition()
	sc := newScope(def)

	res := newExecutor().ProcessInput(sc, def, "  Jean Dupont  ")
	if res.Kind != model.ResultTransition || res.Next != "ask-city" {
		t.Fatalf("result = %q/%q, want transition to ask-city", res.Kind, res.Next)
	}
	if !res.ShouldContinue {
		t.Error("ShouldContinue = false")
	}
	if got := sc.Context.GetString("name"); got != "Jean Dupont" {
		t.Errorf("name = %q, want trimmed value", got)
	}
}

func TestExecutor_Input_rejectionKeepsStep(t *testing.T) {
	def := formDefinition()
	sc := newScope(def)

	res := newExecutor().ProcessInput(sc, def, "J")
	if res.Kind != model.ResultValidationError {
		t.Fatalf("Kind = %q, want validation_error", res.Kind)
	}
	if res.Fault.Key != "validate.min_length" {
		t.Errorf("fault key = %q", res.Fault.Key)
	}
	if sc.Context.CurrentStep != "ask-name" {
		t.Errorf("CurrentStep = %q, rejection must not advance", sc.Context.CurrentStep)
	}
	if _, ok := sc.Context.Get("name"); ok {
		t.Error("rejected input must not be saved")
	}
}

func TestValidateInput(t *testing.T) {
	min, max := 100.0, 5000.0
	sc := newScope(formDefinition())

	tests := []struct {
		name    string
		spec    model.ValidationSpec
		input   string
		wantKey string
	}{
		{"unconstrained accepts anything", model.ValidationSpec{}, "whatever", ""},
		{"required rejects empty", model.ValidationSpec{Required: true}, "", "validate.required"},
		{"optional accepts empty", model.ValidationSpec{MinLength: 3}, "", ""},
		{"min length counts runes", model.ValidationSpec{MinLength: 3}, "ét", "validate.min_length"},
		{"max length", model.ValidationSpec{MaxLength: 4}, "abcde", "validate.max_length"},
		{"bounds need a number", model.ValidationSpec{Min: &min}, "abc", "validate.numeric"},
		{"below min", model.ValidationSpec{Min: &min}, "50", "validate.min"},
		{"above max", model.ValidationSpec{Max: &max}, "9000", "validate.max"},
		{"within bounds", model.ValidationSpec{Min: &min, Max: &max}, "1500", ""},
		{"pattern mismatch", model.ValidationSpec{Pattern: `^P[0-9]{9}$`}, "X123", "validate.pattern"},
		{"pattern match", model.ValidationSpec{Pattern: `^P[0-9]{9}$`}, "P123456789", ""},
	}

	for _, tt := range tests {
		spec := tt.spec
		f := validateInput(sc, &spec, tt.input)
		switch {
		case tt.wantKey == "" && f != nil:
			t.Errorf("%s: unexpected fault %v", tt.name, f)
		case tt.wantKey != "" && f == nil:
			t.Errorf("%s: expected fault %q", tt.name, tt.wantKey)
		case tt.wantKey != "" && f.Key != tt.wantKey:
			t.Errorf("%s: fault key = %q, want %q", tt.name, f.Key, tt.wantKey)
		}
	}
}

func TestValidateInput_custom(t *testing.T) {
	spec := model.ValidationSpec{
		Custom: model.ValidateFunc(func(_ *model.Scope, input string) *model.Fault {
			if input == "taken" {
				return model.NewValidationFault("validate.name_taken", nil)
			}
			return nil
		}),
	}
	sc := newScope(formDefinition())

	if f := validateInput(sc, &spec, "libre"); f != nil {
		t.Errorf("unexpected fault: %v", f)
	}
	f := validateInput(sc, &spec, "taken")
	if f == nil || f.Key != "validate.name_taken" {
		t.Errorf("fault = %v, want validate.name_taken", f)
	}
}

// --- Choice resolution ---

func TestExecutor_Choice_byIndexAndID(t *testing.T) {
	def := choiceDefinition()
	e := newExecutor()

	// A 1-based index picks and saves the choice value.
	sc := newScope(def)
	res := e.ProcessInput(sc, def, "1")
	if res.Kind != model.ResultTransition || res.Next != "after" {
		t.Fatalf("result = %q/%q, want transition to after", res.Kind, res.Next)
	}
	if got := sc.Context.GetString("language"); got != "fr" {
		t.Errorf("language = %q", got)
	}

	// An id match is case-insensitive, and a choice-level target overrides
	// the step-level one.
	sc = newScope(def)
	res = e.ProcessInput(sc, def, "EN")
	if res.Next != "english-note" {
		t.Errorf("Next = %q, want the choice override", res.Next)
	}
	if got := sc.Context.GetString("language"); got != "en" {
		t.Errorf("language = %q", got)
	}
}

func TestExecutor_Choice_rejectsUnknown(t *testing.T) {
	def := choiceDefinition()
	e := newExecutor()

	for _, input := range []string{"99", "0", "deutsch"} {
		sc := newScope(def)
		res := e.ProcessInput(sc, def, input)
		if res.Kind != model.ResultValidationError {
			t.Fatalf("input %q: Kind = %q, want validation_error", input, res.Kind)
		}
		if res.Fault.Key != "validate.choice" {
			t.Errorf("input %q: fault key = %q", input, res.Fault.Key)
		}
		if res.Fault.Params["count"] != 2 {
			t.Errorf("input %q: count = %v", input, res.Fault.Params["count"])
		}
	}
}

func TestExecutor_Choice_savesIDWhenNoValue(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "pick_self",
		Steps: []*model.WorkflowStep{
			{ID: "who", Type: model.StepChoice, Choice: &model.ChoiceConfig{
				Source:  model.StaticChoices{{ID: "self", Label: model.LiteralMessage("Moi-même")}},
				SaveKey: "subject",
			}},
			{ID: "after", Type: model.StepMessage},
		},
	}
	sc := newScope(def)

	if res := newExecutor().ProcessInput(sc, def, "1"); res.Next != "after" {
		t.Fatalf("Next = %q", res.Next)
	}
	if got := sc.Context.GetString("subject"); got != "self" {
		t.Errorf("subject = %q, want the choice id", got)
	}
}

func TestExecutor_Choice_emptyDynamicSource(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "pick_candidate",
		Steps: []*model.WorkflowStep{
			{ID: "pick", Type: model.StepChoice, Choice: &model.ChoiceConfig{
				Source: model.VarChoices{Var: "candidates"}, SaveKey: "picked",
			}},
			{ID: "after", Type: model.StepMessage},
		},
	}
	sc := newScope(def)

	res := newExecutor().ProcessInput(sc, def, "1")
	if res.Kind != model.ResultTransition || res.Next != "after" {
		t.Fatalf("result = %q/%q, empty source should advance", res.Kind, res.Next)
	}
	if _, ok := sc.Context.Get("picked"); ok {
		t.Error("nothing should be saved for an empty choice list")
	}
}

func TestMatchChoice(t *testing.T) {
	choices := []model.Choice{{ID: "fr"}, {ID: "en"}}

	tests := []struct {
		input string
		want  int
	}{
		{"1", 0},
		{"2", 1},
		{" 2 ", 1},
		{"0", -1},
		{"3", -1},
		{"en", 1},
		{"EN", 1},
		{"de", -1},
		{"", -1},
	}

	for _, tt := range tests {
		if got := matchChoice(choices, tt.input); got != tt.want {
			t.Errorf("matchChoice(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

// --- Back navigation ---

func TestExecutor_Back_restoresPreviousPrompt(t *testing.T) {
	def := formDefinition()
	sc := newScope(def)
	sc.Context.Set("name", "Jean")
	NewNavigator(def, sc.Context).Advance("ask-city", time.Now().UTC())

	res := newExecutor().ProcessInput(sc, def, " RETOUR ")
	if res.Kind != model.ResultMessage {
		t.Fatalf("Kind = %q, want message", res.Kind)
	}
	if len(res.Messages) == 0 || res.Messages[0].Key != "form.ask_name" {
		t.Fatalf("messages = %v, want the ask-name prompt", res.Messages)
	}
	if sc.Context.CurrentStep != "ask-name" {
		t.Errorf("CurrentStep = %q", sc.Context.CurrentStep)
	}
}

func TestExecutor_Back_blockedOnFirstStep(t *testing.T) {
	def := formDefinition()
	sc := newScope(def)

	res := newExecutor().ProcessInput(sc, def, "back")
	if res.Kind != model.ResultValidationError {
		t.Fatalf("Kind = %q, want validation_error", res.Kind)
	}
	if res.Fault.Code != model.ErrNavigationFailure {
		t.Errorf("code = %s", res.Fault.Code)
	}
	if res.Fault.Key != "workflow.cannot_go_back" {
		t.Errorf("fault key = %q", res.Fault.Key)
	}
	if sc.Context.CurrentStep != "ask-name" {
		t.Errorf("CurrentStep = %q, blocked back must not move", sc.Context.CurrentStep)
	}
}

func TestExecutor_IsBackToken(t *testing.T) {
	e := newExecutor()

	for _, token := range []string{"back", "Back", " RETOUR ", "retour"} {
		if !e.IsBackToken(token) {
			t.Errorf("IsBackToken(%q) = false", token)
		}
	}
	for _, text := range []string{"", "backwards", "2", "annuler"} {
		if e.IsBackToken(text) {
			t.Errorf("IsBackToken(%q) = true", text)
		}
	}
}

// --- Service and condition steps ---

func TestExecutor_ServiceStep_buildsCall(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "lookup",
		Steps: []*model.WorkflowStep{
			{ID: "fetch", Type: model.StepService, Service: &model.ServiceConfig{
				Service: "taxpayer",
				Method:  "getDetails",
				Params:  model.StaticParams{"niu": "{{niu}}", "language": "{{session.language}}"},
				SaveKey: "details",
			}},
			{ID: "show", Type: model.StepMessage},
		},
	}
	sc := newScope(def)
	sc.Context.Set("niu", "P123456789")

	res := newExecutor().EnterStep(sc, def)
	if res.Kind != model.ResultServiceCall {
		t.Fatalf("Kind = %q, want service_call", res.Kind)
	}
	call := res.Call
	if call.Service != "taxpayer" || call.Method != "getDetails" {
		t.Errorf("call = %s.%s", call.Service, call.Method)
	}
	if call.Params["niu"] != "P123456789" {
		t.Errorf("Params[niu] = %v", call.Params["niu"])
	}
	if call.Params["language"] != "fr" {
		t.Errorf("Params[language] = %v", call.Params["language"])
	}
	if call.SaveKey != "details" {
		t.Errorf("SaveKey = %q", call.SaveKey)
	}
}

func TestExecutor_ConditionStep(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "branchy",
		Steps: []*model.WorkflowStep{
			{ID: "check", Type: model.StepCondition, Condition: &model.ConditionConfig{
				If:   model.VarEquals{Var: "kind", Value: "company"},
				Then: "company-form",
				Else: "person-form",
			}},
			{ID: "person-form", Type: model.StepMessage},
			{ID: "company-form", Type: model.StepMessage},
		},
	}
	e := newExecutor()

	sc := newScope(def)
	sc.Context.Set("kind", "company")
	if res := e.EnterStep(sc, def); res.Next != "company-form" {
		t.Errorf("Next = %q, want company-form", res.Next)
	}

	sc = newScope(def)
	sc.Context.Set("kind", "person")
	if res := e.EnterStep(sc, def); res.Next != "person-form" {
		t.Errorf("Next = %q, want person-form", res.Next)
	}

	// An empty else target falls through to definition order.
	def.Steps[0].Condition.Else = ""
	sc = newScope(def)
	if res := e.EnterStep(sc, def); res.Next != "person-form" {
		t.Errorf("Next = %q, want the following step", res.Next)
	}
}

func TestExecutor_ConditionStep_terminal(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "endcheck",
		Steps: []*model.WorkflowStep{
			{ID: "check", Type: model.StepCondition, Condition: &model.ConditionConfig{}},
		},
	}
	sc := newScope(def)
	sc.Context.Set("k", "v")

	res := newExecutor().EnterStep(sc, def)
	if res.Kind != model.ResultCompleted {
		t.Fatalf("Kind = %q, want completed", res.Kind)
	}
	if res.Data["k"] != "v" {
		t.Errorf("Data = %v", res.Data)
	}
}

func TestExecutor_MessageStep_completes(t *testing.T) {
	def := formDefinition()
	sc := newScope(def)
	sc.Context.Set("name", "Jean")
	NewNavigator(def, sc.Context).Advance("ask-city", time.Now().UTC())
	NewNavigator(def, sc.Context).Advance("done", time.Now().UTC())

	res := newExecutor().EnterStep(sc, def)
	if res.Kind != model.ResultCompleted {
		t.Fatalf("Kind = %q, want completed", res.Kind)
	}
	if res.Data["name"] != "Jean" {
		t.Errorf("Data = %v", res.Data)
	}
}

// --- Prompt rendering ---

func TestExecutor_PromptBlock_literalInterpolation(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "greeting",
		Steps: []*model.WorkflowStep{
			{
				ID:   "hello",
				Type: model.StepInput,
				Prompt: model.PromptFunc(func(*model.Scope) model.Message {
					return model.LiteralMessage("Bonjour {{name}}, bienvenue")
				}),
				Input: &model.InputConfig{},
			},
		},
	}
	sc := newScope(def)
	sc.Context.Set("name", "Jean")

	msgs := newExecutor().PromptBlock(sc, def, def.Steps[0])
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Literal != "Bonjour Jean, bienvenue" {
		t.Errorf("Literal = %q", msgs[0].Literal)
	}
}

func TestExecutor_PromptBlock_paramInterpolation(t *testing.T) {
	def := formDefinition()
	sc := newScope(def)
	sc.Context.Set("name", "Jean Dupont")
	step, _ := def.Step("done")

	msgs := newExecutor().PromptBlock(sc, def, step)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Params["name"] != "Jean Dupont" {
		t.Errorf("Params[name] = %v", msgs[0].Params["name"])
	}
}
