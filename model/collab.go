package model

import "context"

// ServiceRegistry dispatches service-step calls to business services.
type ServiceRegistry interface {
	// Call invokes method on the named service with interpolated parameters.
	Call(ctx context.Context, service, method string, params map[string]any) (*ServiceReply, error)
}

// Renderer resolves message templates to user-visible text in the session's
// language. Literal messages pass through untouched.
type Renderer interface {
	Render(msg Message, language string) string
}

// Sender delivers rendered text to a session's chat channel. Implementations
// own their retry policy for transient delivery failures.
type Sender interface {
	Send(ctx context.Context, sess *Session, text string) error
}

// IntentMatch is a detected workflow intent with a confidence in [0,1].
type IntentMatch struct {
	WorkflowID string  `json:"workflow_id"`
	Confidence float64 `json:"confidence"`
}

// IntentDetector proposes a workflow for a free-form message. A nil match
// means no workflow intent was recognized.
type IntentDetector interface {
	DetectIntent(ctx context.Context, text string, eligible []*WorkflowDefinition, sess *Session) (*IntentMatch, error)
}

// Responder produces a conversational answer when no workflow intent matched.
type Responder interface {
	Converse(ctx context.Context, text string, history []string, sess *Session) (Message, error)
}
