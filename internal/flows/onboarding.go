package flows

import (
	"context"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// Onboarding is the system flow every unverified session runs before
// anything else: pick a language, give a name, and link the account to a
// taxpayer record. Completion marks the session verified and copies the
// linked record into the profile, so later flows can skip questions the
// record already answers.
//
// The flow blocks cancellation; an unverified session has nowhere else to
// go.
func Onboarding() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID:           "onboarding",
		Kind:         model.WorkflowSystem,
		Label:        model.NewMessage("label.onboarding", nil),
		Activation:   model.SessionUnverified{},
		Interruption: model.InterruptBlock,
		Ordinals: map[string]int{
			"choose-language": 1,
			"ask-name":        2,
			"ask-niu":         3,
		},
		Steps: []*model.WorkflowStep{
			{
				ID:     "choose-language",
				Type:   model.StepChoice,
				Prompt: model.StaticPrompt{Key: "onboarding.choose_language"},
				Choice: &model.ChoiceConfig{
					// Language names stay untranslated on purpose.
					Source: model.StaticChoices{
						{ID: "fr", Label: model.LiteralMessage("Français"), Value: "fr"},
						{ID: "en", Label: model.LiteralMessage("English"), Value: "en"},
					},
					SaveKey: "language",
				},
			},
			{
				ID:   "set-language",
				Type: model.StepCondition,
				Condition: &model.ConditionConfig{
					// Applies the choice immediately so the rest of the flow
					// already prompts in it.
					If: model.PredicateFunc(func(sc *model.Scope) bool {
						if v, ok := sc.Var("language"); ok {
							if lang := model.ValueString(v); lang != "" {
								sc.Session.Language = lang
							}
						}
						return true
					}),
					Then: "ask-name",
				},
			},
			{
				ID:     "ask-name",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "onboarding.ask_name"},
				Input: &model.InputConfig{
					Validation: model.ValidationSpec{Required: true, MinLength: 2, MaxLength: 80},
					SaveKey:    "name",
				},
			},
			{
				ID:     "ask-niu",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "onboarding.ask_niu"},
				Input: &model.InputConfig{
					Validation: model.ValidationSpec{Required: true, MinLength: 2},
					SaveKey:    "niu_query",
				},
			},
			{
				ID:   "link",
				Type: model.StepService,
				Service: &model.ServiceConfig{
					Service:   "taxpayer",
					Method:    "search",
					Params:    model.StaticParams{"query": "{{niu_query}}"},
					SaveKey:   "taxpayer",
					RetryStep: "ask-niu",
				},
			},
			{
				ID:   "check-linked",
				Type: model.StepCondition,
				Condition: &model.ConditionConfig{
					If:   model.VarPresent{Var: "taxpayer"},
					Then: "done",
					Else: "ask-niu",
				},
			},
			{
				ID:   "done",
				Type: model.StepMessage,
				Prompt: model.StaticPrompt{
					Key: "onboarding.done",
					Params: map[string]any{
						"name": "{{taxpayer.name}}",
						"niu":  "{{taxpayer.niu}}",
					},
				},
			},
		},
		OnComplete: verifyAndFillProfile,
	}
}

// verifyAndFillProfile marks the session verified and carries the linked
// taxpayer record into the profile.
func verifyAndFillProfile(_ context.Context, sc *model.Scope) error {
	sc.Session.Verified = true
	if v, ok := sc.Var("name"); ok {
		sc.Session.SetProfile("name", model.ValueString(v))
	}
	tp, ok := sc.Var("taxpayer")
	if !ok {
		return nil
	}
	record, ok := tp.(map[string]any)
	if !ok {
		return nil
	}
	for _, field := range []string{"niu", "regime", "center"} {
		if v, ok := record[field]; ok {
			sc.Session.SetProfile(field, model.ValueString(v))
		}
	}
	return nil
}
