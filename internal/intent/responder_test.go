package intent

import (
	"context"
	"testing"
)

// --- Converse ---

func TestResponder_Converse_buckets(t *testing.T) {
	r := NewResponder()
	sess := intentSession()

	tests := []struct {
		text    string
		wantKey string
	}{
		{"Bonjour", "converse.greeting"},
		{"Merci beaucoup !", "converse.thanks"},
		{"au revoir", "converse.goodbye"},
		{"à bientôt", "converse.goodbye"},
		{"j'ai besoin d'aide", "converse.help"},
		{"la météo de demain", "converse.fallback"},
		{"", "converse.fallback"},
	}
	for _, tt := range tests {
		msg, err := r.Converse(context.Background(), tt.text, []string{tt.text}, sess)
		if err != nil {
			t.Fatalf("Converse(%q) error: %v", tt.text, err)
		}
		if msg.Key != tt.wantKey {
			t.Errorf("Converse(%q) key = %q, want %q", tt.text, msg.Key, tt.wantKey)
		}
	}
}

func TestResponder_Converse_greetingUsesProfileName(t *testing.T) {
	r := NewResponder()
	sess := intentSession()
	sess.Profile = map[string]string{"name": "Jean Dupont"}

	msg, err := r.Converse(context.Background(), "salut", []string{"salut"}, sess)
	if err != nil {
		t.Fatalf("Converse error: %v", err)
	}
	if msg.Key != "converse.greeting" {
		t.Fatalf("key = %q, want converse.greeting", msg.Key)
	}
	if msg.Params["name"] != "Jean Dupont" {
		t.Errorf(`Params["name"] = %v, want "Jean Dupont"`, msg.Params["name"])
	}
}

func TestResponder_Converse_greetingWithoutName(t *testing.T) {
	r := NewResponder()

	msg, err := r.Converse(context.Background(), "hello", []string{"hello"}, intentSession())
	if err != nil {
		t.Fatalf("Converse error: %v", err)
	}
	if msg.Params["name"] != "" {
		t.Errorf(`Params["name"] = %v, want ""`, msg.Params["name"])
	}
}

func TestResponder_Converse_repeatedGreeting(t *testing.T) {
	r := NewResponder()
	history := []string{"bonjour", "salut"}

	msg, err := r.Converse(context.Background(), "salut", history, intentSession())
	if err != nil {
		t.Fatalf("Converse error: %v", err)
	}
	if msg.Key != "converse.greeting_again" {
		t.Errorf("key = %q, want converse.greeting_again", msg.Key)
	}
}

func TestResponder_Converse_historyIgnoresNonGreetings(t *testing.T) {
	r := NewResponder()
	history := []string{"je cherche un NIU", "merci", "bonjour"}

	msg, err := r.Converse(context.Background(), "bonjour", history, intentSession())
	if err != nil {
		t.Fatalf("Converse error: %v", err)
	}
	if msg.Key != "converse.greeting" {
		t.Errorf("key = %q, want converse.greeting", msg.Key)
	}
}

func TestResponder_Converse_literalNeverSet(t *testing.T) {
	r := NewResponder()

	msg, err := r.Converse(context.Background(), "n'importe quoi", nil, intentSession())
	if err != nil {
		t.Fatalf("Converse error: %v", err)
	}
	if msg.Literal != "" {
		t.Errorf("Literal = %q, want empty; the renderer owns all user-visible text", msg.Literal)
	}
}
