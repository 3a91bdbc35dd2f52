package model

// Message is one renderable chat line: a template key with parameters for the
// renderer, or a pre-rendered literal. The core only ever chooses keys and
// parameters; turning them into user-visible text belongs to the renderer.
type Message struct {
	Key     string         `json:"key,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Literal string         `json:"literal,omitempty"`
}

// NewMessage returns a template-backed message.
func NewMessage(key string, params map[string]any) Message {
	return Message{Key: key, Params: params}
}

// LiteralMessage returns a pre-rendered message that bypasses the renderer.
func LiteralMessage(text string) Message {
	return Message{Literal: text}
}

// IsZero reports whether the message carries neither a key nor a literal.
func (m Message) IsZero() bool {
	return m.Key == "" && m.Literal == ""
}

// Reply is the outcome of processing one inbound message: the ordered list of
// messages to render and deliver back on the session's channel.
type Reply struct {
	Messages []Message `json:"messages"`
}

// NewReply builds a reply from the given messages.
func NewReply(msgs ...Message) *Reply {
	return &Reply{Messages: msgs}
}

// Append adds messages to the end of the reply.
func (r *Reply) Append(msgs ...Message) {
	r.Messages = append(r.Messages, msgs...)
}

// Prepend inserts messages ahead of the existing ones. Used to prefix a
// validation error to a re-rendered prompt.
func (r *Reply) Prepend(msgs ...Message) {
	r.Messages = append(msgs, r.Messages...)
}

// Merge appends all messages of other, ignoring nil replies.
func (r *Reply) Merge(other *Reply) {
	if other == nil {
		return
	}
	r.Messages = append(r.Messages, other.Messages...)
}

// Empty reports whether the reply has no messages.
func (r *Reply) Empty() bool {
	return r == nil || len(r.Messages) == 0
}
