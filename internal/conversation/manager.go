// Package conversation is the per-session arbiter above the workflow
// engine. It serializes turns per channel/user pair, routes each inbound
// message to the active workflow, the confirmation protocol, the menu,
// command and intent matching, or the conversational responder, and
// persists the session after every turn.
package conversation

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
	"github.com/nteguem/armelle-manager-sub002/internal/definition"
	"github.com/nteguem/armelle-manager-sub002/internal/observability"
	"github.com/nteguem/armelle-manager-sub002/internal/session"
	"github.com/nteguem/armelle-manager-sub002/internal/workflow"
	"github.com/nteguem/armelle-manager-sub002/model"
)

const defaultConfirmTTL = 2 * time.Minute

// Turn is the outcome of one handled message: the updated session, the
// structured reply, and its rendered lines in the session's language.
// Session is nil for turns dropped by the flood guard.
type Turn struct {
	Session  *model.Session
	Reply    *model.Reply
	Rendered []string
}

// Text joins the rendered lines into one deliverable chat message.
func (t *Turn) Text() string {
	return strings.Join(t.Rendered, "\n")
}

// Manager routes inbound messages for their sessions. All conversation
// state transitions happen here; the engine below it only ever sees the
// workflow it is driving.
type Manager struct {
	store     session.Store
	registry  *definition.Registry
	engine    *workflow.Engine
	detector  model.IntentDetector
	responder model.Responder
	render    model.Renderer
	metrics   *observability.Metrics
	logger    *zap.Logger
	cfg       config.ConversationConfig
	dwell     time.Duration

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	limiters map[string]*limiterState

	now func() time.Time
}

// limiterState is one session's flood bucket plus whether the user already
// received the rate-limit notice for the current burst.
type limiterState struct {
	limiter *rate.Limiter
	muted   bool
}

// NewManager creates the conversation manager.
func NewManager(
	store session.Store,
	registry *definition.Registry,
	engine *workflow.Engine,
	detector model.IntentDetector,
	responder model.Responder,
	render model.Renderer,
	metrics *observability.Metrics,
	logger *zap.Logger,
	conv config.ConversationConfig,
	wf config.WorkflowConfig,
) *Manager {
	if conv.ConfirmTTL <= 0 {
		conv.ConfirmTTL = defaultConfirmTTL
	}
	return &Manager{
		store:     store,
		registry:  registry,
		engine:    engine,
		detector:  detector,
		responder: responder,
		render:    render,
		metrics:   metrics,
		logger:    logger,
		cfg:       conv,
		dwell:     wf.MaxDwell,
		locks:     make(map[string]*sync.Mutex),
		limiters:  make(map[string]*limiterState),
		now:       time.Now,
	}
}

// HandleMessage processes one inbound message end to end. Conversational
// failures never surface as errors; the user always gets a chat message.
func (m *Manager) HandleMessage(ctx context.Context, channel, channelUser, text, languageHint string) (turn *Turn, err error) {
	start := m.now()
	key := channel + "/" + channelUser

	unlock := m.lockSession(key)
	defer unlock()

	if m.cfg.Rate.Enabled {
		if allowed, notify := m.floodCheck(key); !allowed {
			m.metrics.RecordRateLimited(channel)
			m.metrics.RecordMessageHandled(channel, "rate_limited", m.now().Sub(start))
			reply := model.NewReply()
			if notify {
				reply.Append(model.NewMessage("error.rate_limited", nil))
			}
			return m.finish(nil, reply, m.language(languageHint)), nil
		}
	}

	sess, err := m.loadOrCreate(ctx, channel, channelUser, languageHint)
	if err != nil {
		m.logger.Error("session load failed", zap.String("session_key", key), zap.Error(err))
		m.metrics.RecordMessageHandled(channel, "error", m.now().Sub(start))
		reply := model.NewReply(model.NewMessage("error.generic", nil))
		return m.finish(nil, reply, m.language(languageHint)), nil
	}
	defer m.recoverTurn(ctx, sess, &turn)

	sess.LastSeenAt = m.now()
	sess.RememberMessage(text)

	ctx = observability.WithConversationScope(ctx, observability.ConversationScope{
		SessionID: sess.ID,
		Channel:   sess.Channel,
		State:     string(sess.State),
	})

	reply, route := m.route(ctx, sess, text)

	// A finished workflow returns the conversation to its resting state.
	if sess.Workflow == nil && sess.State.InWorkflow() {
		m.transition(sess, sess.RestingState())
	}

	if err := m.store.Save(ctx, sess); err != nil {
		m.logger.Error("session save failed", zap.String("session_id", sess.ID), zap.Error(err))
	}

	m.metrics.RecordMessageHandled(channel, route, m.now().Sub(start))
	return m.finish(sess, reply, sess.Language), nil
}

// route applies the arbitration order: error recovery, user cancel,
// confirmation protocol, active workflow, onboarding, menu, commands, and
// finally the AI path.
func (m *Manager) route(ctx context.Context, sess *model.Session, text string) (*model.Reply, string) {
	normalized := normalize(text)

	// A broken session recovers on its next message and routes normally.
	if sess.State == model.StateError {
		sess.Workflow = nil
		sess.Confirm = nil
		sess.Menu = nil
		m.transition(sess, sess.RestingState())
	}

	if hasToken(m.cfg.CancelTokens, normalized) && m.engine.Active(sess) {
		reply, err := m.engine.Cancel(ctx, sess, workflow.CancelUser)
		if err != nil {
			return m.fail(sess, err), "cancel"
		}
		return reply, "cancel"
	}

	// Expired confirmations count as declined; the message routes on.
	if sess.Confirm != nil && sess.Confirm.Expired(m.now()) {
		sess.Confirm = nil
		m.transition(sess, model.StateIdle)
	}

	if sess.Confirm != nil {
		if reply, route, handled := m.resolveConfirm(ctx, sess, normalized); handled {
			return reply, route
		}
		// Anything but yes or no implicitly declines.
		sess.Confirm = nil
		m.transition(sess, model.StateIdle)
	}

	if m.engine.Active(sess) {
		return m.routeWorkflow(ctx, sess, text)
	}

	if !sess.Verified {
		if reply, route, handled := m.startOnboarding(ctx, sess); handled {
			return reply, route
		}
	}

	if hasToken(m.cfg.MenuTokens, normalized) {
		return m.showMenu(sess)
	}

	if sess.State == model.StateMenuDisplayed {
		if reply, route, handled := m.resolveMenu(ctx, sess, normalized); handled {
			return reply, route
		}
		// Not a menu pick; fall back to normal routing.
		sess.Menu = nil
		m.transition(sess, model.StateIdle)
	}

	if def, ok := m.registry.MatchCommand(normalized); ok {
		if reply, route, handled := m.startCommand(ctx, sess, def); handled {
			return reply, route
		}
	}

	return m.converse(ctx, sess, text)
}

// routeWorkflow hands the message to the engine, expiring the workflow
// first when it sat on its step for too long.
func (m *Manager) routeWorkflow(ctx context.Context, sess *model.Session, text string) (*model.Reply, string) {
	if m.engine.DwellExceeded(sess, m.dwell, m.now()) {
		reply, err := m.engine.Cancel(ctx, sess, workflow.CancelExpired)
		if err != nil {
			return m.fail(sess, err), "expired"
		}
		return reply, "expired"
	}

	reply, err := m.engine.Resume(ctx, sess, text)
	if err != nil {
		return m.fail(sess, err), "workflow"
	}
	return reply, "workflow"
}

// resolveConfirm settles a pending workflow suggestion. Cancel tokens
// count as a decline.
func (m *Manager) resolveConfirm(ctx context.Context, sess *model.Session, normalized string) (*model.Reply, string, bool) {
	switch {
	case hasToken(m.cfg.YesTokens, normalized):
		workflowID := sess.Confirm.WorkflowID
		sess.Confirm = nil
		m.transition(sess, model.StateUserWorkflow)
		reply, err := m.engine.Start(ctx, sess, workflowID, "intent")
		if err != nil {
			m.logger.Warn("confirmed workflow failed to start",
				zap.String("workflow_id", workflowID), zap.Error(err))
			m.transition(sess, model.StateIdle)
			return model.NewReply(model.NewMessage("error.generic", nil)), "confirm", true
		}
		return reply, "confirm", true

	case hasToken(m.cfg.NoTokens, normalized), hasToken(m.cfg.CancelTokens, normalized):
		sess.Confirm = nil
		m.transition(sess, model.StateIdle)
		return model.NewReply(model.NewMessage("confirm.declined", nil)), "confirm", true
	}
	return nil, "", false
}

// startOnboarding launches the first eligible system workflow for an
// unverified session. The triggering message is consumed.
func (m *Manager) startOnboarding(ctx context.Context, sess *model.Session) (*model.Reply, string, bool) {
	var entry *model.WorkflowDefinition
	for _, def := range m.registry.Eligible(&model.Scope{Session: sess}) {
		if def.System() {
			entry = def
			break
		}
	}
	if entry == nil {
		return nil, "", false
	}

	m.transition(sess, model.StateSystemWorkflow)
	reply, err := m.engine.Start(ctx, sess, entry.ID, "onboarding")
	if err != nil {
		return m.fail(sess, err), "onboarding", true
	}
	return reply, "onboarding", true
}

// showMenu lists the startable user workflows and remembers their order
// for the numbered pick on the next turn.
func (m *Manager) showMenu(sess *model.Session) (*model.Reply, string) {
	defs := m.userWorkflows(sess)
	if len(defs) == 0 {
		return model.NewReply(model.NewMessage("menu.empty", nil)), "menu"
	}

	reply := model.NewReply(model.NewMessage("menu.header", nil))
	menu := make([]string, 0, len(defs))
	for i, def := range defs {
		label := m.render.Render(def.Label, sess.Language)
		reply.Append(model.NewMessage("workflow.menu_item", map[string]any{"index": i + 1, "label": label}))
		menu = append(menu, def.ID)
	}
	reply.Append(model.NewMessage("menu.footer", nil))

	sess.Menu = menu
	m.transition(sess, model.StateMenuDisplayed)
	return reply, "menu"
}

// resolveMenu starts the workflow picked by number from the displayed
// menu. Out-of-range numbers re-prompt; anything else is not a pick.
func (m *Manager) resolveMenu(ctx context.Context, sess *model.Session, normalized string) (*model.Reply, string, bool) {
	n, err := strconv.Atoi(normalized)
	if err != nil {
		return nil, "", false
	}
	if n < 1 || n > len(sess.Menu) {
		reply := model.NewReply(model.NewMessage("menu.invalid", map[string]any{"max": len(sess.Menu)}))
		return reply, "menu_pick", true
	}

	workflowID := sess.Menu[n-1]
	sess.Menu = nil
	m.transition(sess, model.StateUserWorkflow)
	reply, err := m.engine.Start(ctx, sess, workflowID, "menu")
	if err != nil {
		m.logger.Warn("menu workflow failed to start",
			zap.String("workflow_id", workflowID), zap.Error(err))
		m.transition(sess, model.StateIdle)
		return model.NewReply(model.NewMessage("error.generic", nil)), "menu_pick", true
	}
	return reply, "menu_pick", true
}

// startCommand launches a workflow bound to a command token, if the
// session may activate it.
func (m *Manager) startCommand(ctx context.Context, sess *model.Session, def *model.WorkflowDefinition) (*model.Reply, string, bool) {
	if def.System() {
		return nil, "", false
	}
	if def.Activation != nil && !def.Activation.Evaluate(&model.Scope{Session: sess}) {
		return nil, "", false
	}

	m.transition(sess, model.StateUserWorkflow)
	reply, err := m.engine.Start(ctx, sess, def.ID, "command")
	if err != nil {
		return m.fail(sess, err), "command", true
	}
	return reply, "command", true
}

// converse runs the AI path: intent detection proposes a workflow for
// confirmation, otherwise the responder answers conversationally.
func (m *Manager) converse(ctx context.Context, sess *model.Session, text string) (*model.Reply, string) {
	m.transition(sess, model.StateAIProcessing)

	match, err := m.detector.DetectIntent(ctx, text, m.userWorkflows(sess), sess)
	if err != nil {
		m.logger.Warn("intent detection failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	if match != nil {
		if def, ok := m.registry.Get(match.WorkflowID); ok {
			sess.Confirm = &model.PendingConfirm{
				WorkflowID: match.WorkflowID,
				Confidence: match.Confidence,
				ExpiresAt:  m.now().Add(m.cfg.ConfirmTTL),
			}
			m.transition(sess, model.StateAIWaitingConfirm)
			label := m.render.Render(def.Label, sess.Language)
			reply := model.NewReply(model.NewMessage("confirm.ask", map[string]any{"workflow": label}))
			return reply, "intent"
		}
	}

	msg, err := m.responder.Converse(ctx, text, sess.Recent, sess)
	if err != nil {
		m.logger.Warn("conversational answer failed", zap.String("session_id", sess.ID), zap.Error(err))
		msg = model.NewMessage("converse.fallback", nil)
	}
	m.transition(sess, model.StateIdle)
	return model.NewReply(msg), "converse"
}

// userWorkflows returns the eligible non-system workflows for the session.
func (m *Manager) userWorkflows(sess *model.Session) []*model.WorkflowDefinition {
	var defs []*model.WorkflowDefinition
	for _, def := range m.registry.Eligible(&model.Scope{Session: sess}) {
		if !def.System() {
			defs = append(defs, def)
		}
	}
	return defs
}

// loadOrCreate finds the session owning the pair or creates a fresh one,
// surviving a create race by re-reading the winner.
func (m *Manager) loadOrCreate(ctx context.Context, channel, channelUser, hint string) (*model.Session, error) {
	sess, err := m.store.Find(ctx, channel, channelUser)
	if err == nil {
		return sess, nil
	}
	if !model.IsFault(err, model.ErrNotFound) {
		return nil, err
	}

	sess = model.NewSession(channel, channelUser, m.language(hint), m.now())
	if err := m.store.Create(ctx, sess); err != nil {
		if model.IsFault(err, model.ErrConflict) {
			return m.store.Find(ctx, channel, channelUser)
		}
		return nil, err
	}
	m.metrics.ActiveSessions.Inc()
	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("channel", channel),
		zap.String("language", sess.Language),
	)
	return sess, nil
}

// fail converts an unexpected routing error into the generic chat answer
// and parks the session in the error state; the next message recovers it.
func (m *Manager) fail(sess *model.Session, err error) *model.Reply {
	m.logger.Error("turn failed",
		zap.String("session_id", sess.ID),
		zap.String("state", string(sess.State)),
		zap.Error(err),
	)
	sess.Workflow = nil
	sess.Confirm = nil
	sess.Menu = nil
	// Forced assignment: the error state must be reachable from anywhere.
	sess.State = model.StateError
	return model.NewReply(model.NewMessage("error.generic", nil))
}

// recoverTurn contains panics from collaborators outside the engine's own
// recovery boundary. The session lands in the error state and the user
// still gets an answer.
func (m *Manager) recoverTurn(ctx context.Context, sess *model.Session, turn **Turn) {
	r := recover()
	if r == nil {
		return
	}
	m.logger.Error("conversation turn panicked",
		zap.String("session_id", sess.ID),
		zap.Any("panic", r),
		zap.Stack("stack"),
	)
	sess.Workflow = nil
	sess.Confirm = nil
	sess.Menu = nil
	sess.State = model.StateError
	if err := m.store.Save(ctx, sess); err != nil {
		m.logger.Error("session save failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	*turn = m.finish(sess, model.NewReply(model.NewMessage("error.generic", nil)), sess.Language)
}

// transition moves the session state, recording the edge. Same-state moves
// are no-ops so re-entrant routes stay legal.
func (m *Manager) transition(sess *model.Session, next model.ConversationState) {
	if sess.State == next {
		return
	}
	from := sess.State
	if err := sess.TransitionTo(next); err != nil {
		m.logger.Error("illegal state transition",
			zap.String("from", string(from)),
			zap.String("to", string(next)),
		)
		return
	}
	m.metrics.RecordStateTransition(string(from), string(next))
}

// finish renders the reply in the given language.
func (m *Manager) finish(sess *model.Session, reply *model.Reply, lang string) *Turn {
	turn := &Turn{Session: sess, Reply: reply}
	if reply == nil {
		return turn
	}
	turn.Rendered = make([]string, 0, len(reply.Messages))
	for _, msg := range reply.Messages {
		if text := m.render.Render(msg, lang); text != "" {
			turn.Rendered = append(turn.Rendered, text)
		}
	}
	return turn
}

// lockSession serializes turns for one channel/user pair so each turn
// observes the context the previous one persisted.
func (m *Manager) lockSession(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// floodCheck consumes one token from the session's bucket. The first
// rejected message of a burst earns the notice; the rest drop silently.
func (m *Manager) floodCheck(key string) (allowed, notify bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.limiters[key]
	if !ok {
		ls = &limiterState{limiter: rate.NewLimiter(rate.Limit(m.cfg.Rate.PerSec), m.cfg.Rate.Burst)}
		m.limiters[key] = ls
	}
	if ls.limiter.Allow() {
		ls.muted = false
		return true, false
	}
	notify = !ls.muted
	ls.muted = true
	return false, notify
}

// language validates a channel-provided hint against the configured
// languages, falling back to the default.
func (m *Manager) language(hint string) string {
	h := normalize(hint)
	if i := strings.IndexAny(h, "-_"); i > 0 {
		h = h[:i]
	}
	for _, l := range m.cfg.Languages {
		if h == l {
			return h
		}
	}
	return m.cfg.DefaultLanguage
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func hasToken(tokens []string, normalized string) bool {
	for _, t := range tokens {
		if normalized == strings.ToLower(t) {
			return true
		}
	}
	return false
}
