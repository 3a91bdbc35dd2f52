package flows

import "github.com/nteguem/armelle-manager-sub002/model"

// TaxpayerRegistration mints a NIU for a new person or company. The name
// prompt depends on the chosen type, so the type choice routes per option.
// A name already on file keeps the other answers and asks for the name
// again; registration itself completes the flow.
func TaxpayerRegistration() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		ID:       "taxpayer_registration",
		Kind:     model.WorkflowUser,
		Label:    model.NewMessage("label.taxpayer_registration", nil),
		Keywords: []string{"immatriculation", "immatriculer", "creer niu", "nouveau niu", "enregistrer"},
		Commands: []string{"/register"},
		Ordinals: map[string]int{
			"choose-type":      1,
			"ask-person-name":  2,
			"ask-company-name": 2,
			"ask-phone":        3,
		},
		Steps: []*model.WorkflowStep{
			{
				ID:     "choose-type",
				Type:   model.StepChoice,
				Prompt: model.StaticPrompt{Key: "register.choose_type"},
				Choice: &model.ChoiceConfig{
					Source: model.StaticChoices{
						{ID: "person", Label: model.NewMessage("register.type_person", nil), Value: "person", Next: "ask-person-name"},
						{ID: "company", Label: model.NewMessage("register.type_company", nil), Value: "company", Next: "ask-company-name"},
					},
					SaveKey: "taxpayer_type",
				},
			},
			{
				ID:     "ask-person-name",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "register.ask_name_person"},
				Input: &model.InputConfig{
					Validation: model.ValidationSpec{Required: true, MinLength: 2, MaxLength: 120},
					SaveKey:    "name",
				},
				Next: model.StaticNext("ask-phone"),
			},
			{
				ID:     "ask-company-name",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "register.ask_name_company"},
				Input: &model.InputConfig{
					Validation: model.ValidationSpec{Required: true, MinLength: 2, MaxLength: 120},
					SaveKey:    "name",
				},
			},
			{
				ID:     "ask-phone",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "register.ask_phone"},
				Input: &model.InputConfig{
					Validation: model.ValidationSpec{Required: true, Pattern: `^6[0-9]{8}$`},
					SaveKey:    "phone",
				},
			},
			{
				ID:   "register",
				Type: model.StepService,
				Service: &model.ServiceConfig{
					Service: "taxpayer",
					Method:  "register",
					Params: model.StaticParams{
						"name":          "{{name}}",
						"taxpayer_type": "{{taxpayer_type}}",
						"phone":         "{{phone}}",
					},
					SaveKey:   "registration",
					RetryStep: "ask-name-again",
				},
			},
			// Reached only when the directory rejects a duplicate name.
			{
				ID:     "ask-name-again",
				Type:   model.StepInput,
				Prompt: model.StaticPrompt{Key: "register.ask_name_again"},
				Input: &model.InputConfig{
					Validation: model.ValidationSpec{Required: true, MinLength: 2, MaxLength: 120},
					SaveKey:    "name",
				},
				Next: model.StaticNext("register"),
			},
		},
	}
}
