// Package flows declares Armelle's built-in conversation workflows: the
// account verification flow every new session runs through, and the
// user-facing taxpayer flows reachable from the menu, commands, and intent
// detection.
//
// Definitions here are data plus small closures; all sequencing, input
// handling and service plumbing belongs to the workflow engine. Prompt keys
// resolve against the message catalogs in both languages.
package flows

import "github.com/nteguem/armelle-manager-sub002/model"

// Catalog returns every built-in workflow, system flows first.
func Catalog() []*model.WorkflowDefinition {
	return []*model.WorkflowDefinition{
		Onboarding(),
		TaxpayerSearch(),
		TaxpayerRegistration(),
		TaxEstimate(),
	}
}
