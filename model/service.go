package model

// Reply message types that steer post-call branching in the engine.
const (
	ReplySelection  = "selection"
	ReplyRetry      = "retry"
	ReplyCompletion = "completion"
	ReplyError      = "error"
)

// Well-known ServiceReply.Data keys.
const (
	DataItems         = "items"          // []SelectionItem for selection replies
	DataKeep          = "keep"           // []string keep-list for retry replies
	DataRetryStep     = "retry_step"     // overrides the step's configured retry target
	DataSelectService = "select_service" // service to call when an item is picked
	DataSelectMethod  = "select_method"  // method to call when an item is picked
)

// ServiceReply is the structured result of one business-service call.
// A reply without a MessageType advances the workflow normally; the named
// types trigger the selection, retry, or terminal branches.
type ServiceReply struct {
	Success       bool           `json:"success"`
	MessageType   string         `json:"message_type,omitempty"`
	MessageKey    string         `json:"message_key,omitempty"`
	MessageParams map[string]any `json:"message_params,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// OutcomeMessage returns the reply's renderable message, if it carries one.
func (r *ServiceReply) OutcomeMessage() (Message, bool) {
	if r.MessageKey == "" {
		return Message{}, false
	}
	return NewMessage(r.MessageKey, r.MessageParams), true
}

// Items extracts the selection candidates from the reply payload. Handles
// both typed items (in-process services) and generic maps (deserialized
// payloads).
func (r *ServiceReply) Items() []SelectionItem {
	if r.Data == nil {
		return nil
	}
	switch v := r.Data[DataItems].(type) {
	case []SelectionItem:
		return v
	case []any:
		items := make([]SelectionItem, 0, len(v))
		for _, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			item := SelectionItem{}
			item.ID, _ = m["id"].(string)
			item.Label, _ = m["label"].(string)
			if val, ok := m["value"].(map[string]any); ok {
				item.Value = val
			}
			items = append(items, item)
		}
		return items
	default:
		return nil
	}
}

// KeepList extracts the retry keep-list from the reply payload.
func (r *ServiceReply) KeepList() []string {
	if r.Data == nil {
		return nil
	}
	switch v := r.Data[DataKeep].(type) {
	case []string:
		return v
	case []any:
		keep := make([]string, 0, len(v))
		for _, raw := range v {
			if s, ok := raw.(string); ok {
				keep = append(keep, s)
			}
		}
		return keep
	default:
		return nil
	}
}

// RetryTarget returns the reply's retry-step override, if any.
func (r *ServiceReply) RetryTarget() string {
	if r.Data == nil {
		return ""
	}
	s, _ := r.Data[DataRetryStep].(string)
	return s
}

// SelectTarget returns the follow-up call a selection reply requests once the
// user picks an item. An empty method means no follow-up call: the picked
// item is saved and the workflow advances.
func (r *ServiceReply) SelectTarget() (service, method string) {
	if r.Data == nil {
		return "", ""
	}
	service, _ = r.Data[DataSelectService].(string)
	method, _ = r.Data[DataSelectMethod].(string)
	return service, method
}

// SelectionItem is one candidate in a service-generated selection list.
// Value carries the item's payload and becomes the saved variable when the
// user picks it.
type SelectionItem struct {
	ID    string         `json:"id"`
	Label string         `json:"label"`
	Value map[string]any `json:"value,omitempty"`
}

// ItemsFromAny coerces a context-variable value into selection items.
// Supports the same shapes as ServiceReply.Items, plus a whole reply payload
// saved under a step's save key, from which the items list is unwrapped.
func ItemsFromAny(v any) []SelectionItem {
	if m, ok := v.(map[string]any); ok {
		if inner, exists := m[DataItems]; exists {
			v = inner
		}
	}
	reply := ServiceReply{Data: map[string]any{DataItems: v}}
	return reply.Items()
}
