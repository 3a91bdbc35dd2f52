package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestFault_Error(t *testing.T) {
	f := &Fault{Code: ErrNotFound, Message: "workflow missing"}
	want := "NOT_FOUND: workflow missing"
	if got := f.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestFault_Error_withCause(t *testing.T) {
	cause := errors.New("connection refused")
	f := NewServiceFault("directory lookup failed", cause)
	got := f.Error()
	want := "SERVICE_FAILURE: directory lookup failed: connection refused"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(f, cause) {
		t.Error("errors.Is(f, cause) = false, want true")
	}
}

func TestFault_implements_error(t *testing.T) {
	var _ error = (*Fault)(nil)
}

func TestFaultCode(t *testing.T) {
	f := NewNavigationFault()
	wrapped := fmt.Errorf("resume: %w", f)
	if got := FaultCode(wrapped); got != ErrNavigationFailure {
		t.Errorf("FaultCode(wrapped) = %q, want %q", got, ErrNavigationFailure)
	}
	if got := FaultCode(errors.New("plain")); got != "" {
		t.Errorf("FaultCode(plain) = %q, want empty", got)
	}
}

func TestIsFault(t *testing.T) {
	f := NewValidationFault("validate.required", nil)
	if !IsFault(f, ErrValidationFailure) {
		t.Error("IsFault(f, VALIDATION_FAILURE) = false, want true")
	}
	if IsFault(f, ErrServiceFailure) {
		t.Error("IsFault(f, SERVICE_FAILURE) = true, want false")
	}
}

func TestNewValidationFault(t *testing.T) {
	f := NewValidationFault("validate.min_length", map[string]any{"min": 3})
	if f.Code != ErrValidationFailure {
		t.Errorf("Code = %q, want %q", f.Code, ErrValidationFailure)
	}
	msg := f.UserMessage()
	if msg.Key != "validate.min_length" {
		t.Errorf("UserMessage().Key = %q, want %q", msg.Key, "validate.min_length")
	}
	if msg.Params["min"] != 3 {
		t.Errorf("UserMessage().Params[min] = %v, want 3", msg.Params["min"])
	}
}

func TestNewNavigationFault(t *testing.T) {
	f := NewNavigationFault()
	if f.Code != ErrNavigationFailure {
		t.Errorf("Code = %q, want %q", f.Code, ErrNavigationFailure)
	}
	if f.Key != "workflow.cannot_go_back" {
		t.Errorf("Key = %q, want %q", f.Key, "workflow.cannot_go_back")
	}
}

func TestNewChainOverrunFault(t *testing.T) {
	f := NewChainOverrunFault("taxpayer_search", "search")
	if f.Code != ErrStepChainOverrun {
		t.Errorf("Code = %q, want %q", f.Code, ErrStepChainOverrun)
	}
	// Overruns surface to the user as a service error.
	if f.UserMessage().Key != "error.service" {
		t.Errorf("UserMessage().Key = %q, want %q", f.UserMessage().Key, "error.service")
	}
}

func TestUserMessage_fallback(t *testing.T) {
	f := NewDefinitionFault("step ref missing")
	msg := f.UserMessage()
	if msg.Key != "error.generic" {
		t.Errorf("UserMessage().Key = %q, want %q", msg.Key, "error.generic")
	}
}

func TestNewTransitionFault(t *testing.T) {
	f := NewTransitionFault("IDLE", "AI_WAITING_CONFIRM")
	if f.Code != ErrInvalidTransition {
		t.Errorf("Code = %q, want %q", f.Code, ErrInvalidTransition)
	}
}
