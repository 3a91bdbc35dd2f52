package model

import (
	"errors"
	"fmt"
)

// Taxonomy codes for failures raised inside the conversation core.
const (
	ErrValidationFailure = "VALIDATION_FAILURE"
	ErrNavigationFailure = "NAVIGATION_FAILURE"
	ErrServiceFailure    = "SERVICE_FAILURE"
	ErrDefinitionError   = "DEFINITION_ERROR"
	ErrStepChainOverrun  = "STEP_CHAIN_OVERRUN"
)

// Infrastructure and admin API error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrRateLimited       = "RATE_LIMITED"
	ErrInternal          = "INTERNAL_ERROR"
)

// Fault is the error type used across the conversation core. Code identifies
// the failure class; Key and Params name the message template rendered to the
// user, so any failure can surface as a localized chat message instead of a
// raw error. It implements the error interface and unwraps to its cause.
type Fault struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Key     string         `json:"-"`
	Params  map[string]any `json:"-"`
	Err     error          `json:"-"`
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap returns the wrapped cause, if any.
func (f *Fault) Unwrap() error { return f.Err }

// UserMessage returns the renderable message for this fault. Faults without
// a template key fall back to the generic error template.
func (f *Fault) UserMessage() Message {
	if f.Key == "" {
		return NewMessage("error.generic", nil)
	}
	return NewMessage(f.Key, f.Params)
}

// FaultCode extracts the code carried by err, or "" when err is not a *Fault.
func FaultCode(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsFault reports whether err is a *Fault carrying the given code.
func IsFault(err error, code string) bool {
	return FaultCode(err) == code
}

// NewValidationFault rejects user input with a renderable explanation.
// Recoverable: the current step is re-prompted with the message prefixed.
func NewValidationFault(key string, params map[string]any) *Fault {
	return &Fault{
		Code:    ErrValidationFailure,
		Message: "input rejected by step validation",
		Key:     key,
		Params:  params,
	}
}

// NewNavigationFault reports that back-navigation is not possible from the
// current step. Recoverable: rendered as an informative message.
func NewNavigationFault() *Fault {
	return &Fault{
		Code:    ErrNavigationFailure,
		Message: "no previous step to return to",
		Key:     "workflow.cannot_go_back",
	}
}

// NewServiceFault wraps a business-service error. The workflow renders an
// error message and ends or retries per its configuration.
func NewServiceFault(msg string, err error) *Fault {
	return &Fault{
		Code:    ErrServiceFailure,
		Message: msg,
		Key:     "error.service",
		Err:     err,
	}
}

// NewDefinitionFault reports a malformed workflow definition. Fatal at load
// time; must never surface at runtime.
func NewDefinitionFault(msg string) *Fault {
	return &Fault{Code: ErrDefinitionError, Message: msg}
}

// NewChainOverrunFault reports a non-interactive step chain that exceeded the
// configured bound. Treated as a service failure; logged as a defect.
func NewChainOverrunFault(workflowID, stepID string) *Fault {
	return &Fault{
		Code:    ErrStepChainOverrun,
		Message: fmt.Sprintf("step chain limit exceeded in workflow %q at step %q", workflowID, stepID),
		Key:     "error.service",
	}
}

// NewNotFoundFault returns a NOT_FOUND fault.
func NewNotFoundFault(msg string) *Fault {
	return &Fault{Code: ErrNotFound, Message: msg}
}

// NewConflictFault returns a CONFLICT fault.
func NewConflictFault(msg string) *Fault {
	return &Fault{Code: ErrConflict, Message: msg}
}

// NewTransitionFault reports a conversation-state transition the state table
// does not allow.
func NewTransitionFault(from, to string) *Fault {
	return &Fault{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("conversation state %s cannot transition to %s", from, to),
	}
}

// NewUnauthorizedFault returns an UNAUTHORIZED fault.
func NewUnauthorizedFault(msg string) *Fault {
	return &Fault{Code: ErrUnauthorized, Message: msg}
}

// NewBadRequestFault returns a BAD_REQUEST fault.
func NewBadRequestFault(msg string) *Fault {
	return &Fault{Code: ErrBadRequest, Message: msg}
}

// NewInternalFault returns a generic INTERNAL_ERROR fault.
func NewInternalFault(err error) *Fault {
	return &Fault{
		Code:    ErrInternal,
		Message: "an unexpected error occurred",
		Err:     err,
	}
}

// NewRateLimitedFault returns a RATE_LIMITED fault.
func NewRateLimitedFault() *Fault {
	return &Fault{
		Code:    ErrRateLimited,
		Message: "message rate limit exceeded",
		Key:     "error.rate_limited",
	}
}
