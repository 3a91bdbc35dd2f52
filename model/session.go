package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationState is the session-level mode arbitrating message routing.
// Persisted as a string; mutated only through TransitionTo.
type ConversationState string

// Conversation states.
const (
	StateUnverified       ConversationState = "UNVERIFIED"
	StateIdle             ConversationState = "IDLE"
	StateSystemWorkflow   ConversationState = "SYSTEM_WORKFLOW"
	StateUserWorkflow     ConversationState = "USER_WORKFLOW"
	StateAIProcessing     ConversationState = "AI_PROCESSING"
	StateAIWaitingConfirm ConversationState = "AI_WAITING_CONFIRM"
	StateMenuDisplayed    ConversationState = "MENU_DISPLAYED"
	StateError            ConversationState = "ERROR"
)

// allowedTransitions is the authoritative conversation transition table.
// ERROR is reachable from every routing state and always recovers; it is
// never terminal.
var allowedTransitions = map[ConversationState][]ConversationState{
	StateUnverified:       {StateSystemWorkflow, StateError},
	StateIdle:             {StateUserWorkflow, StateAIProcessing, StateMenuDisplayed, StateError},
	StateSystemWorkflow:   {StateIdle, StateUnverified, StateError},
	StateUserWorkflow:     {StateIdle, StateError},
	StateAIProcessing:     {StateIdle, StateAIWaitingConfirm, StateError},
	StateAIWaitingConfirm: {StateUserWorkflow, StateIdle, StateAIProcessing},
	StateMenuDisplayed:    {StateUserWorkflow, StateIdle, StateError},
	StateError:            {StateIdle, StateUnverified},
}

// Valid reports whether s is a known conversation state.
func (s ConversationState) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether the state table allows moving from s to next.
func (s ConversationState) CanTransition(next ConversationState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InWorkflow reports whether the state is one of the workflow-execution modes.
func (s ConversationState) InWorkflow() bool {
	return s == StateSystemWorkflow || s == StateUserWorkflow
}

// maxRecentMessages bounds the rolling window of user messages kept on the
// session for the conversational AI collaborator.
const maxRecentMessages = 10

// Session is the persisted per-conversation record. One session belongs to
// exactly one channel/user pair and carries at most one active workflow.
type Session struct {
	ID          string            `json:"id"`
	Channel     string            `json:"channel"`
	ChannelUser string            `json:"channel_user"`
	Language    string            `json:"language"`
	State       ConversationState `json:"state"`
	Verified    bool              `json:"verified"`
	Profile     map[string]string `json:"profile,omitempty"`
	Workflow    *ExecutionContext `json:"workflow,omitempty"`
	Confirm     *PendingConfirm   `json:"confirm,omitempty"`
	Menu        []string          `json:"menu,omitempty"`
	Recent      []string          `json:"recent,omitempty"`
	Version     int               `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
}

// NewSession creates a fresh unverified session for a channel/user pair.
func NewSession(channel, channelUser, language string, now time.Time) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Channel:     channel,
		ChannelUser: channelUser,
		Language:    language,
		State:       StateUnverified,
		Profile:     make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
		LastSeenAt:  now,
	}
}

// Key returns the transport-level identity of the session.
func (s *Session) Key() string {
	return s.Channel + "/" + s.ChannelUser
}

// TransitionTo moves the conversation to next, enforcing the state table.
func (s *Session) TransitionTo(next ConversationState) error {
	if !s.State.CanTransition(next) {
		return NewTransitionFault(string(s.State), string(next))
	}
	s.State = next
	return nil
}

// RestingState is the state a session returns to when nothing is in flight:
// IDLE once verified, UNVERIFIED before onboarding completes.
func (s *Session) RestingState() ConversationState {
	if s.Verified {
		return StateIdle
	}
	return StateUnverified
}

// Fact resolves a session field for {{session.field}} interpolation.
// Built-in facts cover identity and language; everything else reads the
// profile map.
func (s *Session) Fact(field string) (string, bool) {
	switch field {
	case "id":
		return s.ID, true
	case "channel":
		return s.Channel, true
	case "channel_user":
		return s.ChannelUser, true
	case "language":
		return s.Language, true
	}
	v, ok := s.Profile[field]
	return v, ok
}

// SetProfile stores a profile field, allocating the map if needed.
func (s *Session) SetProfile(field, value string) {
	if s.Profile == nil {
		s.Profile = make(map[string]string)
	}
	s.Profile[field] = value
}

// RememberMessage appends text to the rolling window of recent user messages.
func (s *Session) RememberMessage(text string) {
	s.Recent = append(s.Recent, text)
	if len(s.Recent) > maxRecentMessages {
		s.Recent = s.Recent[len(s.Recent)-maxRecentMessages:]
	}
}

// PendingConfirm is an AI-suggested workflow awaiting the user's yes/no.
type PendingConfirm struct {
	WorkflowID string    `json:"workflow_id"`
	Confidence float64   `json:"confidence"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the confirmation window has closed.
func (p *PendingConfirm) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}
