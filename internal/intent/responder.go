package intent

import (
	"context"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// Small-talk vocabularies, pre-folded to match tokenSet output.
var (
	greetingWords = wordSet("bonjour bonsoir salut coucou hello hi hey")
	thanksWords   = wordSet("merci thanks thank thx")
	goodbyeWords  = wordSet("revoir bye goodbye bientot ciao adieu")
	helpWords     = wordSet("aide aider aidez help sos")
)

// Responder answers messages that matched no workflow with canned
// conversational templates.
type Responder struct{}

// NewResponder creates the canned conversational responder.
func NewResponder() *Responder {
	return &Responder{}
}

// Converse classifies the message into a small-talk bucket and returns the
// bucket's template. History is the session's recent inbound messages,
// newest last, with the current message already appended; a repeated
// greeting gets a shorter follow-up.
func (r *Responder) Converse(ctx context.Context, text string, history []string, sess *model.Session) (model.Message, error) {
	tokens := tokenSet(text)
	switch {
	case hasAny(tokens, greetingWords):
		if greetedBefore(history) {
			return model.NewMessage("converse.greeting_again", nil), nil
		}
		name, _ := sess.Fact("name")
		return model.NewMessage("converse.greeting", map[string]any{"name": name}), nil
	case hasAny(tokens, thanksWords):
		return model.NewMessage("converse.thanks", nil), nil
	case hasAny(tokens, goodbyeWords):
		return model.NewMessage("converse.goodbye", nil), nil
	case hasAny(tokens, helpWords):
		return model.NewMessage("converse.help", nil), nil
	}
	return model.NewMessage("converse.fallback", nil), nil
}

// greetedBefore reports whether any message before the current one was
// itself a greeting.
func greetedBefore(history []string) bool {
	if len(history) < 2 {
		return false
	}
	for _, h := range history[:len(history)-1] {
		if hasAny(tokenSet(h), greetingWords) {
			return true
		}
	}
	return false
}

func hasAny(tokens, words map[string]bool) bool {
	for t := range tokens {
		if words[t] {
			return true
		}
	}
	return false
}

func wordSet(words string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range fields(words) {
		set[w] = true
	}
	return set
}
