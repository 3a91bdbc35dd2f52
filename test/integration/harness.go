// Package integration exercises the assembled conversation runtime end to
// end: the real workflow engine, definition registry, reference services,
// and message catalogs wired around an in-memory session store, driven one
// turn at a time the way a channel adapter would.
package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
	"github.com/nteguem/armelle-manager-sub002/internal/conversation"
	"github.com/nteguem/armelle-manager-sub002/internal/definition"
	"github.com/nteguem/armelle-manager-sub002/internal/flows"
	"github.com/nteguem/armelle-manager-sub002/internal/intent"
	"github.com/nteguem/armelle-manager-sub002/internal/message"
	"github.com/nteguem/armelle-manager-sub002/internal/observability"
	"github.com/nteguem/armelle-manager-sub002/internal/service"
	"github.com/nteguem/armelle-manager-sub002/internal/session"
	"github.com/nteguem/armelle-manager-sub002/internal/workflow"
	"github.com/nteguem/armelle-manager-sub002/model"
)

// TestHarness encapsulates a fully wired conversation runtime for
// integration testing. Components are exposed for scenarios that reach
// below the manager.
type TestHarness struct {
	t *testing.T

	Config   *config.Config
	Store    *session.MemoryStore
	Registry *definition.Registry
	Services *service.Registry
	Engine   *workflow.Engine
	Render   *message.CatalogRenderer
	Manager  *conversation.Manager
	Metrics  *observability.Metrics
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	mutations []func(*config.Config)
	extraDefs []*model.WorkflowDefinition
	services  map[string]service.Handler
}

// WithConfig applies a mutation to the default configuration before the
// runtime is wired.
func WithConfig(mutate func(*config.Config)) HarnessOption {
	return func(hc *harnessConfig) {
		hc.mutations = append(hc.mutations, mutate)
	}
}

// WithWorkflows appends extra workflow definitions to the built-in catalog.
func WithWorkflows(defs ...*model.WorkflowDefinition) HarnessOption {
	return func(hc *harnessConfig) {
		hc.extraDefs = append(hc.extraDefs, defs...)
	}
}

// WithService registers a business service, replacing the built-in one when
// the name collides.
func WithService(name string, h service.Handler) HarnessOption {
	return func(hc *harnessConfig) {
		hc.services[name] = h
	}
}

// NewTestHarness wires a complete conversation runtime around an in-memory
// session store. The per-session flood guard is disabled by default because
// scripted turns arrive far faster than any human types; the flood tests
// re-enable it with their own budget.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{services: make(map[string]service.Handler)}
	for _, opt := range opts {
		opt(hc)
	}

	cfg := config.Defaults()
	cfg.Conversation.Rate.Enabled = false
	cfg.Messages.Directory = "" // embedded catalogs only
	for _, mutate := range hc.mutations {
		mutate(cfg)
	}

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	// Step 1: load and validate the workflow catalog.
	defs := append(flows.Catalog(), hc.extraDefs...)
	if errs := definition.NewValidator().Validate(defs); len(errs) > 0 {
		for _, verr := range errs {
			t.Errorf("workflow definition: %v", verr)
		}
		t.FailNow()
	}
	registry := definition.NewRegistry(defs)

	// Step 2: message catalogs in both languages.
	render, err := message.NewCatalogRenderer(cfg.Messages, cfg.Conversation.DefaultLanguage, metrics, logger)
	if err != nil {
		t.Fatalf("load message catalogs: %v", err)
	}

	// Step 3: business services behind the breaker registry.
	services := service.NewRegistry(cfg.Services, metrics, logger)
	services.Register("taxpayer", service.NewDirectory())
	services.Register("tax", service.NewCalculator())
	for name, h := range hc.services {
		services.Register(name, h)
	}

	// Step 4: engine and conversation manager.
	store := session.NewMemoryStore()
	engine := workflow.NewEngine(registry, services, render, metrics, logger, cfg.Conversation, cfg.Workflow)
	detector := intent.NewDetector(cfg.Intent, metrics, logger)
	responder := intent.NewResponder()
	manager := conversation.NewManager(store, registry, engine, detector, responder, render,
		metrics, logger, cfg.Conversation, cfg.Workflow)

	return &TestHarness{
		t:        t,
		Config:   cfg,
		Store:    store,
		Registry: registry,
		Services: services,
		Engine:   engine,
		Render:   render,
		Manager:  manager,
		Metrics:  metrics,
	}
}

// --- Scripted users ---

// User scripts one side of a conversation: a fixed channel/user pair plus
// the language hint the channel would forward with every update.
type User struct {
	h        *TestHarness
	channel  string
	id       string
	language string
}

// User binds a scripted Telegram user with a French language hint.
func (h *TestHarness) User(id string) *User {
	return &User{h: h, channel: "telegram", id: id, language: "fr"}
}

// WithLanguage changes the language hint sent with every turn.
func (u *User) WithLanguage(lang string) *User {
	u.language = lang
	return u
}

// Say delivers one inbound message and returns the resulting turn.
func (u *User) Say(text string) *conversation.Turn {
	u.h.t.Helper()
	turn, err := u.h.Manager.HandleMessage(context.Background(), u.channel, u.id, text, u.language)
	if err != nil {
		u.h.t.Fatalf("turn %q for %s/%s failed: %v", text, u.channel, u.id, err)
	}
	return turn
}

// Session returns the stored session for this user.
func (u *User) Session() *model.Session {
	u.h.t.Helper()
	sess, err := u.h.Store.Find(context.Background(), u.channel, u.id)
	if err != nil {
		u.h.t.Fatalf("load session for %s/%s: %v", u.channel, u.id, err)
	}
	return sess
}

// Verify walks the user through the whole onboarding flow, linking the
// session to the directory record found by niuQuery. The query must match
// exactly one record so the single-candidate pick below is deterministic.
func (u *User) Verify(t *testing.T, name, niuQuery string) {
	t.Helper()

	u.Say("bonjour") // an unverified session onboards on its first message
	u.Say("1")       // stay in French
	u.Say(name)
	u.Say(niuQuery)
	turn := u.Say("1")

	assertReply(t, turn, "compte est vérifié")
	if sess := u.Session(); !sess.Verified {
		t.Fatalf("session still unverified after onboarding, state %s", sess.State)
	}
}

// SeedVerified plants a verified idle session directly in the store,
// bypassing onboarding, for scenarios that need a blank profile.
func (u *User) SeedVerified(t *testing.T) *model.Session {
	t.Helper()

	sess := model.NewSession(u.channel, u.id, u.language, time.Now().UTC())
	sess.Verified = true
	sess.State = model.StateIdle
	if err := u.h.Store.Create(context.Background(), sess); err != nil {
		t.Fatalf("seed session for %s/%s: %v", u.channel, u.id, err)
	}
	return sess
}

// --- Assertion helpers ---

// assertReply fails when any wanted substring is missing from the turn's
// rendered text.
func assertReply(t *testing.T, turn *conversation.Turn, want ...string) {
	t.Helper()
	text := turn.Text()
	for _, w := range want {
		if !strings.Contains(text, w) {
			t.Errorf("reply missing %q\nreply:\n%s", w, text)
		}
	}
}

// assertNotInReply fails when the substring appears in the rendered text.
func assertNotInReply(t *testing.T, turn *conversation.Turn, substr string) {
	t.Helper()
	if text := turn.Text(); strings.Contains(text, substr) {
		t.Errorf("reply unexpectedly contains %q\nreply:\n%s", substr, text)
	}
}

// assertState fails when the session is not in the wanted conversation
// state.
func assertState(t *testing.T, sess *model.Session, want model.ConversationState) {
	t.Helper()
	if sess.State != want {
		t.Errorf("session state = %s, want %s", sess.State, want)
	}
}

// assertNoWorkflow fails when the session still carries a workflow
// instance.
func assertNoWorkflow(t *testing.T, sess *model.Session) {
	t.Helper()
	if sess.Workflow != nil {
		t.Errorf("session still in workflow %q at step %q",
			sess.Workflow.WorkflowID, sess.Workflow.CurrentStep)
	}
}

// assertWorkflowAt fails unless the session is inside the given workflow at
// the given step.
func assertWorkflowAt(t *testing.T, sess *model.Session, workflowID, stepID string) {
	t.Helper()
	if sess.Workflow == nil {
		t.Fatalf("session has no active workflow, want %s at %s", workflowID, stepID)
	}
	if sess.Workflow.WorkflowID != workflowID || sess.Workflow.CurrentStep != stepID {
		t.Errorf("session at %s/%s, want %s/%s",
			sess.Workflow.WorkflowID, sess.Workflow.CurrentStep, workflowID, stepID)
	}
}

// assertFact fails when the session profile does not carry the wanted
// value.
func assertFact(t *testing.T, sess *model.Session, field, want string) {
	t.Helper()
	got, ok := sess.Fact(field)
	if !ok {
		t.Errorf("profile missing %q, want %q", field, want)
		return
	}
	if got != want {
		t.Errorf("profile %s = %q, want %q", field, got, want)
	}
}
