package conversation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
	"github.com/nteguem/armelle-manager-sub002/internal/observability"
	"github.com/nteguem/armelle-manager-sub002/internal/workflow"
	"github.com/nteguem/armelle-manager-sub002/model"
)

// Sweeper expires workflows that outstayed their dwell bound even when the
// user never comes back. It shares the manager's turn locks so a sweep can
// never race a live message for the same session.
type Sweeper struct {
	manager  *Manager
	sender   model.Sender
	interval time.Duration
	dwell    time.Duration
}

// NewSweeper creates a sweeper bound to the manager's store and engine. A
// nil sender expires silently.
func NewSweeper(manager *Manager, sender model.Sender, wf config.WorkflowConfig) *Sweeper {
	interval := wf.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		manager:  manager,
		sender:   sender,
		interval: interval,
		dwell:    wf.MaxDwell,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.manager.logger.Error("workflow sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep cancels every workflow past its dwell bound and notifies the user.
// It returns the number of workflows expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	m := s.manager
	candidates, err := m.store.FindActiveWorkflows(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range candidates {
		if candidate.Workflow == nil || !m.engine.DwellExceeded(candidate, s.dwell, m.now()) {
			continue
		}
		if s.expire(ctx, candidate.Key(), candidate.ID) {
			expired++
		}
	}
	return expired, nil
}

// expire re-reads the session under its turn lock, re-checks the bound, and
// cancels. A save conflict means a concurrent turn won; the next sweep will
// see whatever it left behind.
func (s *Sweeper) expire(ctx context.Context, key, sessionID string) bool {
	m := s.manager
	unlock := m.lockSession(key)
	defer unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		m.logger.Warn("sweep reload failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	if sess.Workflow == nil || !m.engine.DwellExceeded(sess, s.dwell, m.now()) {
		return false
	}

	ctx = observability.WithConversationScope(ctx, observability.ConversationScope{
		SessionID: sess.ID,
		Channel:   sess.Channel,
		State:     string(sess.State),
	})

	workflowID := sess.Workflow.WorkflowID
	reply, err := m.engine.Cancel(ctx, sess, workflow.CancelExpired)
	if err != nil {
		m.logger.Error("expiry cancel failed", zap.String("session_id", sess.ID), zap.Error(err))
		return false
	}
	if sess.Workflow == nil && sess.State.InWorkflow() {
		m.transition(sess, sess.RestingState())
	}

	if err := m.store.Save(ctx, sess); err != nil {
		m.logger.Warn("expiry save skipped", zap.String("session_id", sess.ID), zap.Error(err))
		return false
	}
	m.metrics.RecordWorkflowSweep(workflowID)
	m.logger.Info("workflow expired",
		zap.String("session_id", sess.ID),
		zap.String("workflow_id", workflowID),
	)

	if s.sender != nil {
		turn := m.finish(sess, reply, sess.Language)
		if text := turn.Text(); text != "" {
			if err := s.sender.Send(ctx, sess, text); err != nil {
				m.logger.Warn("expiry notice failed", zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
	}
	return true
}
