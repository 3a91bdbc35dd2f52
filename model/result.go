package model

// ResultKind tags the populated variant of a StepResult.
type ResultKind string

// Step result kinds.
const (
	ResultMessage         ResultKind = "message"
	ResultTransition      ResultKind = "transition"
	ResultServiceCall     ResultKind = "service_call"
	ResultValidationError ResultKind = "validation_error"
	ResultCompleted       ResultKind = "completed"
)

// StepResult is the closed outcome sum of executing one step against input.
// Exactly one variant's fields are populated, selected by Kind; the engine
// dispatches on it exhaustively.
type StepResult struct {
	Kind ResultKind

	// ResultMessage: messages to render, typically a step prompt.
	Messages []Message

	// ResultTransition: the step to move to. ShouldContinue permits the
	// engine to execute the landed step immediately when it is
	// non-interactive.
	Next           string
	ShouldContinue bool

	// ResultServiceCall: the business call to perform.
	Call *ServiceCall

	// ResultValidationError: the rejection to prefix onto the re-rendered
	// prompt.
	Fault *Fault

	// ResultCompleted: final variables handed to the completion hook.
	Data map[string]any
}

// ServiceCall names the business call a service step requests. The engine
// performs the call through the service registry collaborator; the executor
// never invokes services itself.
type ServiceCall struct {
	Service string         `json:"service"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	SaveKey string         `json:"save_key,omitempty"`
}

// MessageResult returns a message-kind result.
func MessageResult(msgs ...Message) StepResult {
	return StepResult{Kind: ResultMessage, Messages: msgs}
}

// TransitionResult returns a transition-kind result.
func TransitionResult(next string, shouldContinue bool) StepResult {
	return StepResult{Kind: ResultTransition, Next: next, ShouldContinue: shouldContinue}
}

// ServiceCallResult returns a service-call-kind result.
func ServiceCallResult(call *ServiceCall) StepResult {
	return StepResult{Kind: ResultServiceCall, Call: call}
}

// ValidationErrorResult returns a validation-error-kind result.
func ValidationErrorResult(f *Fault) StepResult {
	return StepResult{Kind: ResultValidationError, Fault: f}
}

// CompletedResult returns a completed-kind result.
func CompletedResult(data map[string]any) StepResult {
	return StepResult{Kind: ResultCompleted, Data: data}
}
