package flows

import "github.com/nteguem/armelle-manager-sub002/model"

// TaxpayerSearch looks a taxpayer up by name or NIU. The directory answers
// with a candidate selection; picking one fetches the full record, and the
// zero or refine entries loop back to the query prompt.
func TaxpayerSearch() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID:       "taxpayer_search",
		Kind:     model.WorkflowUser,
		Label:    model.NewMessage("label.taxpayer_search", nil),
		Keywords: []string{"rechercher contribuable", "recherche", "cherche", "niu", "trouver"},
		Commands: []string{"/search", "/rechercher"},
		Steps: []*model.WorkflowStep{
			{
				ID:     "ask-query",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "search.ask_query"},
				Input: &model.InputConfig{
					Validation: model.ValidationSpec{Required: true, MinLength: 2},
					SaveKey:    "query",
				},
			},
			{
				ID:   "search",
				Type: model.StepService,
				Service: &model.ServiceConfig{
					Service:   "taxpayer",
					Method:    "search",
					Params:    model.StaticParams{"query": "{{query}}"},
					SaveKey:   "taxpayer",
					RetryStep: "ask-query",
				},
			},
			{
				ID:   "check-found",
				Type: model.StepCondition,
				Condition: &model.ConditionConfig{
					If:   model.VarPresent{Var: "taxpayer"},
					Then: "found",
					Else: "not-found",
				},
			},
			{
				ID:   "found",
				Type: model.StepMessage,
				Prompt: model.StaticPrompt{
					Key: "search.result",
					Params: map[string]any{
						"name":   "{{taxpayer.name}}",
						"niu":    "{{taxpayer.niu}}",
						"center": "{{taxpayer.center}}",
						"regime": "{{taxpayer.regime}}",
					},
				},
			},
			{
				ID:     "not-found",
				Type:   model.StepMessage,
				Prompt: model.StaticPrompt{Key: "search.retry_hint"},
			},
		},
	}
}
