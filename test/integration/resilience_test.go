package integration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
	"github.com/nteguem/armelle-manager-sub002/internal/conversation"
	"github.com/nteguem/armelle-manager-sub002/internal/flows"
	"github.com/nteguem/armelle-manager-sub002/internal/service"
	"github.com/nteguem/armelle-manager-sub002/model"
)

// ==========================================================================
// Flood guard
// ==========================================================================

func TestFloodGuard_DropsBurstAfterNotice(t *testing.T) {
	h := NewTestHarness(t, WithConfig(func(cfg *config.Config) {
		cfg.Conversation.Rate = config.RateConfig{Enabled: true, PerSec: 0.0001, Burst: 2}
	}))
	u := h.User("2101")

	// The burst allows two turns, so onboarding reaches the name question.
	turn := u.Say("bonjour")
	assertReply(t, turn, "Bienvenue chez Armelle")
	turn = u.Say("1")
	assertReply(t, turn, "Comment vous appelez-vous")

	// Third message drops with the notice, fourth drops silently.
	turn = u.Say("Jean Dupont")
	if turn.Session != nil {
		t.Error("dropped turn still carries a session")
	}
	assertReply(t, turn, "trop rapidement")

	turn = u.Say("Jean Dupont")
	if turn.Session != nil {
		t.Error("dropped turn still carries a session")
	}
	if turn.Text() != "" {
		t.Errorf("second drop answered %q, want silence", turn.Text())
	}

	// The stored session never saw the dropped answers.
	assertWorkflowAt(t, u.Session(), "onboarding", "ask-name")
}

// ==========================================================================
// Dwell expiry
// ==========================================================================

func TestDwell_ExpiresWorkflowOnNextMessage(t *testing.T) {
	h := NewTestHarness(t, WithConfig(func(cfg *config.Config) {
		cfg.Workflow.MaxDwell = time.Nanosecond
	}))
	u := h.User("2110")
	u.SeedVerified(t)

	u.Say("/search")

	// The answer arrives past the dwell bound, so it only triggers the
	// expiry and is not treated as a query.
	turn := u.Say("dupont")
	assertReply(t, turn, "restée inactive trop longtemps")
	assertNotInReply(t, turn, "résultats")

	sess := u.Session()
	assertNoWorkflow(t, sess)
	assertState(t, sess, model.StateIdle)
}

type recordingSender struct {
	sent []string
}

func (r *recordingSender) Send(_ context.Context, sess *model.Session, text string) error {
	r.sent = append(r.sent, text)
	return nil
}

func TestSweeper_ExpiresIdleWorkflowsAndNotifies(t *testing.T) {
	h := NewTestHarness(t, WithConfig(func(cfg *config.Config) {
		cfg.Workflow.MaxDwell = time.Nanosecond
	}))
	ctx := context.Background()

	stuck := h.User("2111")
	stuck.SeedVerified(t)
	stuck.Say("/search")

	resting := h.User("2112")
	resting.SeedVerified(t)

	sender := &recordingSender{}
	sweeper := conversation.NewSweeper(h.Manager, sender, h.Config.Workflow)

	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep expired %d workflows, want 1", n)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sweep sent %d notices, want 1", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0], "annulée") {
		t.Errorf("expiry notice = %q, want the cancellation wording", sender.sent[0])
	}

	sess := stuck.Session()
	assertNoWorkflow(t, sess)
	assertState(t, sess, model.StateIdle)

	// Nothing left to expire.
	if n, _ := sweeper.Sweep(ctx); n != 0 {
		t.Errorf("second sweep expired %d workflows, want 0", n)
	}
}

// ==========================================================================
// Service failures
// ==========================================================================

func TestServiceFailure_EndsWorkflowGracefully(t *testing.T) {
	down := service.HandlerFunc(func(context.Context, string, map[string]any) (*model.ServiceReply, error) {
		return nil, errors.New("tax backend down")
	})
	h := NewTestHarness(t, WithService("tax", down))
	u := h.User("2120")
	u.Verify(t, "Jean Dupont", "P000000101")

	u.Say("/estimate")
	turn := u.Say("5000")
	assertReply(t, turn, "momentanément indisponible")

	sess := u.Session()
	assertNoWorkflow(t, sess)
	assertState(t, sess, model.StateIdle)

	// The conversation itself is unharmed.
	turn = u.Say("menu")
	assertReply(t, turn, "Voici ce que je peux faire")
}

func TestServiceFailure_BreakerStopsHammering(t *testing.T) {
	calls := 0
	down := service.HandlerFunc(func(context.Context, string, map[string]any) (*model.ServiceReply, error) {
		calls++
		return nil, errors.New("tax backend down")
	})
	h := NewTestHarness(t, WithService("tax", down))
	u := h.User("2121")
	u.Verify(t, "Jean Dupont", "P000000101")

	// Five straight failures trip the breaker; the sixth attempt is
	// answered from the open circuit without reaching the handler.
	for i := 0; i < 6; i++ {
		u.Say("/estimate")
		turn := u.Say("5000")
		assertReply(t, turn, "momentanément indisponible")
	}
	if calls != 5 {
		t.Errorf("handler called %d times, want 5 before the breaker opens", calls)
	}
}

// ==========================================================================
// Catalog swaps
// ==========================================================================

func TestCatalogSwap_AbandonsRemovedDefinitionMidFlight(t *testing.T) {
	h := NewTestHarness(t)
	u := h.User("2130")
	u.Verify(t, "Jean Dupont", "P000000101")

	u.Say("/search")

	var trimmed []*model.WorkflowDefinition
	for _, def := range flows.Catalog() {
		if def.ID != "taxpayer_search" {
			trimmed = append(trimmed, def)
		}
	}
	h.Registry.Replace(trimmed)

	turn := u.Say("dupont")
	assertReply(t, turn, "Une erreur est survenue")

	sess := u.Session()
	assertNoWorkflow(t, sess)
	assertState(t, sess, model.StateIdle)

	// The command is gone from the catalog too.
	turn = u.Say("/search")
	assertReply(t, turn, "pas compris")
}

// ==========================================================================
// Concurrency
// ==========================================================================

func TestConcurrentUsers_SessionsStayConsistent(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()

	users := []string{"2140", "2141", "2142", "2143", "2144", "2145"}
	for _, id := range users {
		h.User(id).SeedVerified(t)
	}

	script := []string{"/search", "essomba", "1"}
	errs := make(chan error, len(users)*len(script))

	var wg sync.WaitGroup
	for _, id := range users {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, text := range script {
				if _, err := h.Manager.HandleMessage(ctx, "telegram", id, text, "fr"); err != nil {
					errs <- err
				}
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent turn: %v", err)
	}

	for _, id := range users {
		sess := h.User(id).Session()
		assertNoWorkflow(t, sess)
		assertState(t, sess, model.StateIdle)
	}
}
