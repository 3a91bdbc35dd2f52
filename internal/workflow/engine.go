package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
	"github.com/nteguem/armelle-manager-sub002/internal/definition"
	"github.com/nteguem/armelle-manager-sub002/internal/observability"
	"github.com/nteguem/armelle-manager-sub002/model"
)

const defaultChainLimit = 10

// Early-termination reasons. They select the farewell message key
// ("workflow.cancelled", "workflow.expired") and label the completion metric.
const (
	CancelUser    = "cancelled"
	CancelExpired = "expired"
)

// Engine is the workflow façade: it starts, resumes, and cancels workflow
// instances, driving the non-interactive step chain until control returns to
// the user. Every runtime failure is converted to a rendered message here;
// the conversation loop never sees a raw error for a recoverable condition.
type Engine struct {
	registry   *definition.Registry
	services   model.ServiceRegistry
	executor   *Executor
	selection  *SelectionProcessor
	metrics    *observability.Metrics
	logger     *zap.Logger
	chainLimit int
}

// NewEngine creates a workflow engine.
func NewEngine(
	registry *definition.Registry,
	services model.ServiceRegistry,
	render model.Renderer,
	metrics *observability.Metrics,
	logger *zap.Logger,
	conv config.ConversationConfig,
	wf config.WorkflowConfig,
) *Engine {
	limit := wf.ChainLimit
	if limit <= 0 {
		limit = defaultChainLimit
	}
	return &Engine{
		registry:   registry,
		services:   services,
		executor:   NewExecutor(render, conv.BackTokens),
		selection:  NewSelectionProcessor(wf.SelectionMax),
		metrics:    metrics,
		logger:     logger,
		chainLimit: limit,
	}
}

// Active reports whether the session has a workflow in flight.
func (e *Engine) Active(sess *model.Session) bool {
	return sess.Workflow != nil
}

// Start creates a workflow instance on the session and enters its first
// step. trigger names what launched it (command, keyword, intent, menu,
// onboarding) for the start metric.
func (e *Engine) Start(ctx context.Context, sess *model.Session, workflowID, trigger string) (reply *model.Reply, err error) {
	def, ok := e.registry.Get(workflowID)
	if !ok {
		return nil, model.NewNotFoundFault(fmt.Sprintf("workflow %q not found", workflowID))
	}
	first := def.FirstStep()
	if first == nil {
		return nil, model.NewDefinitionFault(fmt.Sprintf("workflow %q has no steps", workflowID))
	}

	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrWorkflowID.String(def.ID),
		observability.AttrStepID.String(first.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	defer e.recoverPanic(ctx, sess, def.ID, &reply, &err)

	// 1. Bind a fresh execution context to the session.
	now := time.Now().UTC()
	sess.Workflow = model.NewExecutionContext(def.ID, first.ID, now)
	e.metrics.RecordWorkflowStart(def.ID, trigger)
	observability.ConversationLogger(ctx, e.logger).Info("workflow started",
		zap.String("workflow_id", def.ID),
		zap.String("step_id", first.ID),
		zap.String("trigger", trigger),
	)

	// 2. Enter the first step and run the chain to the first prompt.
	sc := &model.Scope{Session: sess, Context: sess.Workflow}
	return e.drive(ctx, sc, def, e.executor.EnterStep(sc, def), &model.Reply{})
}

// Resume applies one turn of user input to the session's active workflow.
// A pending selection intercepts the input before normal step processing.
func (e *Engine) Resume(ctx context.Context, sess *model.Session, input string) (reply *model.Reply, err error) {
	ec := sess.Workflow
	if ec == nil {
		return nil, model.NewNotFoundFault("session has no active workflow")
	}

	def, ok := e.registry.Get(ec.WorkflowID)
	if !ok {
		// The definition disappeared under a live instance (catalogue
		// reload). Abandon the workflow rather than stranding the session.
		observability.ConversationLogger(ctx, e.logger).Warn("workflow definition gone, abandoning instance",
			zap.String("workflow_id", ec.WorkflowID))
		e.metrics.RecordWorkflowCompletion(ec.WorkflowID, "abandoned")
		sess.Workflow = nil
		return model.NewReply(model.NewMessage("error.generic", nil)), nil
	}

	ctx, span := observability.StartSpan(ctx, "workflow.resume",
		observability.AttrWorkflowID.String(def.ID),
		observability.AttrStepID.String(ec.CurrentStep),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	defer e.recoverPanic(ctx, sess, def.ID, &reply, &err)

	sc := &model.Scope{Session: sess, Context: ec}

	// 1. A stored pending selection claims the input.
	if ec.Pending != nil {
		msgs, result, fault := e.selection.Resolve(sc, def, input)
		out := model.NewReply(msgs...)
		if fault != nil {
			return e.failWorkflow(ctx, sc, def, out, fault)
		}
		return e.drive(ctx, sc, def, result, out)
	}

	// 2. Normal step processing.
	result := e.executor.ProcessInput(sc, def, input)
	if e.executor.IsBackToken(input) {
		status := "ok"
		if result.Kind == model.ResultValidationError {
			status = "blocked"
		}
		e.metrics.RecordBackNavigation(def.ID, status)
	}
	return e.drive(ctx, sc, def, result, &model.Reply{})
}

// Cancel ends the active workflow with a farewell message. reason is
// CancelUser or CancelExpired. A workflow that blocks interruption refuses a
// user cancel and re-prompts its current step instead.
func (e *Engine) Cancel(ctx context.Context, sess *model.Session, reason string) (*model.Reply, error) {
	ec := sess.Workflow
	if ec == nil {
		return model.NewReply(), nil
	}
	sc := &model.Scope{Session: sess, Context: ec}
	log := observability.ConversationLogger(ctx, e.logger)

	def, ok := e.registry.Get(ec.WorkflowID)
	if ok && reason == CancelUser && !def.Interruptible() {
		reply := model.NewReply(model.NewMessage("workflow.cannot_cancel", nil))
		if step, found := def.Step(ec.CurrentStep); found {
			reply.Append(e.executor.PromptBlock(sc, def, step)...)
		}
		return reply, nil
	}

	log.Info("workflow ended early",
		zap.String("workflow_id", ec.WorkflowID),
		zap.String("step_id", ec.CurrentStep),
		zap.String("reason", reason),
	)
	e.metrics.RecordWorkflowCompletion(ec.WorkflowID, reason)
	if ok && def.OnCancel != nil {
		if err := def.OnCancel(ctx, sc); err != nil {
			log.Error("cancel hook failed", zap.String("workflow_id", def.ID), zap.Error(err))
		}
	}
	sess.Workflow = nil
	return model.NewReply(model.NewMessage("workflow."+reason, nil)), nil
}

// DwellExceeded reports whether the session's workflow has sat on its
// current step longer than the workflow allows. fallback applies when the
// definition sets no dwell bound; zero disables the check.
func (e *Engine) DwellExceeded(sess *model.Session, fallback time.Duration, now time.Time) bool {
	ec := sess.Workflow
	if ec == nil {
		return false
	}
	limit := fallback
	if def, ok := e.registry.Get(ec.WorkflowID); ok && def.MaxDwell > 0 {
		limit = def.MaxDwell
	}
	if limit <= 0 {
		return false
	}
	return now.Sub(ec.StepStartedAt) > limit
}

// drive advances the workflow until control returns to the user: an
// interactive prompt, a rejection with its re-prompt, or a terminal outcome.
// The non-interactive chain is bounded so a definition cycle cannot wedge a
// session.
func (e *Engine) drive(ctx context.Context, sc *model.Scope, def *model.WorkflowDefinition, result model.StepResult, reply *model.Reply) (*model.Reply, error) {
	log := observability.ConversationLogger(ctx, e.logger)

	for hops := 0; ; hops++ {
		if hops > e.chainLimit {
			e.metrics.RecordChainOverrun(def.ID)
			log.Error("step chain overrun",
				zap.String("workflow_id", def.ID),
				zap.String("step_id", sc.Context.CurrentStep),
				zap.Int("limit", e.chainLimit),
			)
			return e.failWorkflow(ctx, sc, def, reply, model.NewChainOverrunFault(def.ID, sc.Context.CurrentStep))
		}

		switch result.Kind {
		case model.ResultMessage:
			// An interactive step is prompted; wait for the next turn.
			reply.Append(result.Messages...)
			return reply, nil

		case model.ResultValidationError:
			if result.Fault.Code == model.ErrDefinitionError {
				log.Error("definition fault at runtime",
					zap.String("workflow_id", def.ID), zap.Error(result.Fault))
				return e.failWorkflow(ctx, sc, def, reply, result.Fault)
			}
			// Recoverable: rejection message, then the same prompt again.
			e.metrics.RecordValidationFailure(def.ID, sc.Context.CurrentStep)
			reply.Append(result.Fault.UserMessage())
			if step, ok := def.Step(sc.Context.CurrentStep); ok {
				reply.Append(e.executor.PromptBlock(sc, def, step)...)
			}
			return reply, nil

		case model.ResultTransition:
			if result.Next == "" {
				result = model.CompletedResult(sc.Context.Vars)
				continue
			}
			if _, ok := def.Step(result.Next); !ok {
				log.Error("transition to unknown step",
					zap.String("workflow_id", def.ID),
					zap.String("from", sc.Context.CurrentStep),
					zap.String("to", result.Next),
				)
				return e.failWorkflow(ctx, sc, def, reply, model.NewDefinitionFault(
					fmt.Sprintf("workflow %q step %q targets unknown step %q", def.ID, sc.Context.CurrentStep, result.Next),
				))
			}
			now := time.Now().UTC()
			e.metrics.RecordWorkflowStepDuration(def.ID, sc.Context.CurrentStep, now.Sub(sc.Context.StepStartedAt))
			NewNavigator(def, sc.Context).Advance(result.Next, now)
			e.metrics.RecordWorkflowAdvance(def.ID, result.Next, "enter")
			result = e.executor.EnterStep(sc, def)

		case model.ResultServiceCall:
			sreply, err := e.callService(ctx, result.Call)
			if err != nil {
				log.Warn("service call failed",
					zap.String("workflow_id", def.ID),
					zap.String("service", result.Call.Service),
					zap.String("method", result.Call.Method),
					zap.Error(err),
				)
				return e.failWorkflow(ctx, sc, def, reply, model.NewServiceFault("service call failed", err))
			}
			if sreply.MessageType == model.ReplyRetry {
				e.metrics.RecordServiceRetry(result.Call.Service)
			}
			step, _ := def.Step(sc.Context.CurrentStep)
			msgs, next, fault := e.selection.ProcessReply(sc, def, step, result.Call, sreply)
			reply.Append(msgs...)
			if fault != nil {
				return e.failWorkflow(ctx, sc, def, reply, fault)
			}
			result = next

		case model.ResultCompleted:
			return e.completeWorkflow(ctx, sc, def, reply)

		default:
			return e.failWorkflow(ctx, sc, def, reply, model.NewInternalFault(
				fmt.Errorf("unhandled step result kind %q", result.Kind),
			))
		}
	}
}

// completeWorkflow renders a terminal message step, runs the completion
// hook, and releases the instance.
func (e *Engine) completeWorkflow(ctx context.Context, sc *model.Scope, def *model.WorkflowDefinition, reply *model.Reply) (*model.Reply, error) {
	log := observability.ConversationLogger(ctx, e.logger)

	if step, ok := def.Step(sc.Context.CurrentStep); ok && step.Type == model.StepMessage {
		reply.Append(e.executor.PromptBlock(sc, def, step)...)
	}
	e.metrics.RecordWorkflowCompletion(def.ID, "completed")
	log.Info("workflow completed",
		zap.String("workflow_id", def.ID),
		zap.Duration("duration", time.Now().UTC().Sub(sc.Context.StartedAt)),
		zap.Int("steps_visited", len(sc.Context.History)),
	)

	if def.OnComplete != nil {
		if err := def.OnComplete(ctx, sc); err != nil {
			log.Error("completion hook failed", zap.String("workflow_id", def.ID), zap.Error(err))
		}
	}
	sc.Session.Workflow = nil
	return reply, nil
}

// failWorkflow ends the workflow with a rendered error message. Failures are
// recoverable at the conversation level, so no error is returned.
func (e *Engine) failWorkflow(ctx context.Context, sc *model.Scope, def *model.WorkflowDefinition, reply *model.Reply, fault *model.Fault) (*model.Reply, error) {
	log := observability.ConversationLogger(ctx, e.logger)
	log.Warn("workflow failed",
		zap.String("workflow_id", def.ID),
		zap.String("step_id", sc.Context.CurrentStep),
		zap.String("code", fault.Code),
		zap.Error(fault),
	)
	e.metrics.RecordWorkflowCompletion(def.ID, "failed")
	reply.Append(fault.UserMessage())

	if def.OnError != nil {
		if err := def.OnError(ctx, sc); err != nil {
			log.Error("error hook failed", zap.String("workflow_id", def.ID), zap.Error(err))
		}
	}
	sc.Session.Workflow = nil
	return reply, nil
}

// callService performs the business call, converting collaborator panics
// into errors so a misbehaving service can never take the conversation loop
// down with it.
func (e *Engine) callService(ctx context.Context, call *model.ServiceCall) (reply *model.ServiceReply, err error) {
	ctx, span := observability.StartSpan(ctx, "service.call",
		observability.AttrService.String(call.Service),
		observability.AttrMethod.String(call.Method),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service %s.%s panicked: %v", call.Service, call.Method, r)
			e.metrics.RecordServiceCall(call.Service, call.Method, "panic", time.Since(start))
		}
	}()

	reply, err = e.services.Call(ctx, call.Service, call.Method, call.Params)
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case reply == nil:
		status = "error"
		err = fmt.Errorf("service %s.%s returned no reply", call.Service, call.Method)
	case !reply.Success:
		status = "failure"
	}
	e.metrics.RecordServiceCall(call.Service, call.Method, status, time.Since(start))
	return reply, err
}

// recoverPanic is the engine's outermost guard: a panic anywhere in step
// processing ends the workflow with a generic message instead of crashing
// the session's conversation loop.
func (e *Engine) recoverPanic(ctx context.Context, sess *model.Session, workflowID string, reply **model.Reply, err *error) {
	r := recover()
	if r == nil {
		return
	}
	observability.ConversationLogger(ctx, e.logger).Error("panic in workflow engine",
		zap.String("workflow_id", workflowID),
		zap.Any("panic", r),
		zap.Stack("stack"),
	)
	e.metrics.RecordWorkflowCompletion(workflowID, "panic")
	sess.Workflow = nil
	*reply = model.NewReply(model.NewMessage("error.generic", nil))
	*err = nil
}
