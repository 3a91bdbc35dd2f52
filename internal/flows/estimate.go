package flows

import "github.com/nteguem/armelle-manager-sub002/model"

// TaxEstimate computes an annual tax estimate from declared turnover. The
// regime question is skipped for sessions whose linked taxpayer record
// already fixes it; the calculator then receives the profile's regime
// instead of an answered one.
func TaxEstimate() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID:       "tax_estimate",
		Kind:     model.WorkflowUser,
		Label:    model.NewMessage("label.tax_estimate", nil),
		Keywords: []string{"calculer impot", "estimation", "simulation", "estimer"},
		Commands: []string{"/estimate"},
		Steps: []*model.WorkflowStep{
			{
				ID:     "choose-regime",
				Type:   model.StepChoice,
				Prompt: model.StaticPrompt{Key: "estimate.choose_regime"},
				SkipIf: model.PredicateFunc(func(sc *model.Scope) bool {
					regime, ok := sc.Session.Fact("regime")
					return ok && regime != ""
				}),
				Choice: &model.ChoiceConfig{
					Source: model.StaticChoices{
						{ID: "igs", Label: model.NewMessage("estimate.regime_igs", nil), Value: "igs"},
						{ID: "simplified", Label: model.NewMessage("estimate.regime_simplified", nil), Value: "simplified"},
						{ID: "real", Label: model.NewMessage("estimate.regime_real", nil), Value: "real"},
					},
					SaveKey: "regime",
				},
			},
			{
				ID:     "ask-amount",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "estimate.ask_amount"},
				Input: &model.InputConfig{
					Validation: model.ValidationSpec{Required: true, Min: floatPtr(0)},
					SaveKey:    "amount",
				},
			},
			{
				ID:   "estimate",
				Type: model.StepService,
				Service: &model.ServiceConfig{
					Service: "tax",
					Method:  "estimate",
					Params: model.ParamFunc(func(sc *model.Scope) map[string]any {
						params := map[string]any{"amount": "{{amount}}"}
						if v, ok := sc.Var("regime"); ok {
							params["regime"] = v
						} else if regime, ok := sc.Session.Fact("regime"); ok {
							params["regime"] = regime
						}
						return params
					}),
					SaveKey:   "estimate",
					RetryStep: "ask-amount",
				},
			},
			{
				ID:   "result",
				Type: model.StepMessage,
				Prompt: model.StaticPrompt{
					Key: "estimate.result",
					Params: map[string]any{
						"amount": "{{estimate.amount}}",
						"regime": "{{estimate.regime}}",
						"rate":   "{{estimate.rate}}",
						"tax":    "{{estimate.tax}}",
					},
				},
			},
		},
	}
}

func floatPtr(f float64) *float64 { return &f }
