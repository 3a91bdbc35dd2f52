package workflow

import (
	"testing"
	"time"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// navDefinition is a registration shape: two inputs around a service lookup,
// with a final no-back confirmation.
func navDefinition() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID: "registration",
		Steps: []*model.WorkflowStep{
			{ID: "ask-name", Type: model.StepInput, Input: &model.InputConfig{SaveKey: "name"}},
			{ID: "lookup", Type: model.StepService, Service: &model.ServiceConfig{
				Service: "taxpayer", Method: "search", SaveKey: "candidates",
			}},
			{ID: "pick", Type: model.StepChoice, Choice: &model.ChoiceConfig{
				Source: model.VarChoices{Var: "candidates"}, SaveKey: "picked",
			}},
			{ID: "confirm", Type: model.StepInput, Input: &model.InputConfig{SaveKey: "confirmed"}, NoBack: true},
			{ID: "done", Type: model.StepMessage},
		},
	}
}

func navContext(def *model.WorkflowDefinition, visited ...string) *model.ExecutionContext {
	now := time.Now().UTC()
	ec := model.NewExecutionContext(def.ID, def.Steps[0].ID, now)
	nav := NewNavigator(def, ec)
	for _, id := range visited {
		nav.Advance(id, now)
	}
	return ec
}

func TestNavigator_Advance(t *testing.T) {
	def := navDefinition()
	ec := navContext(def)
	nav := NewNavigator(def, ec)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	nav.Advance("lookup", at)

	if ec.CurrentStep != "lookup" {
		t.Errorf("CurrentStep = %q, want lookup", ec.CurrentStep)
	}
	if len(ec.History) != 2 || ec.History[1] != "lookup" {
		t.Errorf("History = %v", ec.History)
	}
	if !ec.StepStartedAt.Equal(at) {
		t.Errorf("StepStartedAt = %v, want %v", ec.StepStartedAt, at)
	}
	if nav.Current() != "lookup" {
		t.Errorf("Current() = %q", nav.Current())
	}
}

func TestNavigator_Back_skipsNonInteractive(t *testing.T) {
	def := navDefinition()
	ec := navContext(def, "lookup", "pick")
	ec.Set("name", "Jean Dupont")
	ec.Set("candidates", []any{})
	ec.Set("picked", map[string]any{"niu": "P000000001"})
	nav := NewNavigator(def, ec)

	restored, err := nav.Back(time.Now().UTC())
	if err != nil {
		t.Fatalf("Back error: %v", err)
	}
	if restored != "ask-name" {
		t.Errorf("restored = %q, want ask-name (lookup is not interactive)", restored)
	}
	if ec.CurrentStep != "ask-name" {
		t.Errorf("CurrentStep = %q", ec.CurrentStep)
	}
	if len(ec.History) != 1 || ec.History[0] != "ask-name" {
		t.Errorf("History = %v", ec.History)
	}
	// Departed steps drop what they saved; the restored step keeps its value
	// until the user answers again.
	if _, ok := ec.Get("candidates"); ok {
		t.Error("candidates should be discarded on back")
	}
	if _, ok := ec.Get("picked"); ok {
		t.Error("picked should be discarded on back")
	}
	if _, ok := ec.Get("name"); !ok {
		t.Error("name belongs to the restored step and should survive")
	}
}

func TestNavigator_Back_onFirstStep(t *testing.T) {
	def := navDefinition()
	ec := navContext(def)
	ec.Set("name", "Jean")
	nav := NewNavigator(def, ec)

	_, err := nav.Back(time.Now().UTC())
	if err == nil {
		t.Fatal("expected navigation fault")
	}
	if !model.IsFault(err, model.ErrNavigationFailure) {
		t.Errorf("code = %s", model.FaultCode(err))
	}
	// A failed back leaves the context untouched.
	if ec.CurrentStep != "ask-name" || len(ec.History) != 1 {
		t.Errorf("context changed: step=%q history=%v", ec.CurrentStep, ec.History)
	}
	if _, ok := ec.Get("name"); !ok {
		t.Error("vars changed on a failed back")
	}
}

func TestNavigator_Back_blockedByNoBack(t *testing.T) {
	def := navDefinition()
	ec := navContext(def, "lookup", "pick", "confirm")
	nav := NewNavigator(def, ec)

	_, err := nav.Back(time.Now().UTC())
	if err == nil {
		t.Fatal("expected navigation fault on a no-back step")
	}
	if ec.CurrentStep != "confirm" || len(ec.History) != 4 {
		t.Errorf("context changed: step=%q history=%v", ec.CurrentStep, ec.History)
	}
}

func TestNavigator_Back_clearsPending(t *testing.T) {
	def := navDefinition()
	ec := navContext(def, "lookup", "pick")
	ec.Pending = &model.PendingSelection{Items: []model.SelectionItem{{ID: "tp-1"}}}

	if _, err := NewNavigator(def, ec).Back(time.Now().UTC()); err != nil {
		t.Fatalf("Back error: %v", err)
	}
	if ec.Pending != nil {
		t.Error("Pending should be dropped when its service step is departed")
	}
}

func TestNavigator_CanGoBack(t *testing.T) {
	def := navDefinition()

	if NewNavigator(def, navContext(def)).CanGoBack() {
		t.Error("CanGoBack on the first step = true, want false")
	}
	if !NewNavigator(def, navContext(def, "lookup", "pick")).CanGoBack() {
		t.Error("CanGoBack at pick = false, want true")
	}
	if NewNavigator(def, navContext(def, "lookup", "pick", "confirm")).CanGoBack() {
		t.Error("CanGoBack on a no-back step = true, want false")
	}
}
