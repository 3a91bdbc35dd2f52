package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
	"github.com/nteguem/armelle-manager-sub002/model"
)

// --- Helpers ---

// ageWorkflow rewinds a session's current step far past any dwell bound.
func ageWorkflow(t *testing.T, tm *testManager, channel, channelUser string) {
	t.Helper()
	sess, err := tm.store.Find(context.Background(), channel, channelUser)
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	sess.Workflow.StepStartedAt = time.Now().Add(-time.Hour)
	if err := tm.store.Save(context.Background(), sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}
}

func startSearch(t *testing.T, tm *testManager, channelUser string) {
	t.Helper()
	tm.seedVerified(t, "telegram", channelUser)
	if _, err := tm.manager.HandleMessage(context.Background(), "telegram", channelUser, "/search", "fr"); err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}
}

// --- Sweep ---

func TestSweeper_Sweep_expiresStaleWorkflows(t *testing.T) {
	tm := newTestManager(t, nil)
	startSearch(t, tm, "100200")
	startSearch(t, tm, "300400")
	ageWorkflow(t, tm, "telegram", "100200")

	sender := newStubSender()
	sw := NewSweeper(tm.manager, sender, config.Defaults().Workflow)

	expired, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	stale, err := tm.store.Find(context.Background(), "telegram", "100200")
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if stale.Workflow != nil {
		t.Errorf("Workflow = %+v, want cleared", stale.Workflow)
	}
	if stale.State != model.StateIdle {
		t.Errorf("State = %q, want IDLE", stale.State)
	}

	fresh, err := tm.store.Find(context.Background(), "telegram", "300400")
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if fresh.Workflow == nil {
		t.Error("the fresh workflow must survive the sweep")
	}

	notices := sender.sent["telegram/100200"]
	if len(notices) != 1 || notices[0] != "workflow.expired" {
		t.Errorf("notices = %v, want the expiry message", notices)
	}
	if len(sender.sent["telegram/300400"]) != 0 {
		t.Errorf("fresh session got notices: %v", sender.sent["telegram/300400"])
	}
}

func TestSweeper_Sweep_emptyStore(t *testing.T) {
	tm := newTestManager(t, nil)
	sw := NewSweeper(tm.manager, newStubSender(), config.Defaults().Workflow)

	expired, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if expired != 0 {
		t.Errorf("expired = %d, want 0", expired)
	}
}

func TestSweeper_Sweep_senderFailureStillExpires(t *testing.T) {
	tm := newTestManager(t, nil)
	startSearch(t, tm, "100200")
	ageWorkflow(t, tm, "telegram", "100200")

	sender := newStubSender()
	sender.fail = true
	sw := NewSweeper(tm.manager, sender, config.Defaults().Workflow)

	expired, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	sess, err := tm.store.Find(context.Background(), "telegram", "100200")
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if sess.Workflow != nil {
		t.Error("a failed notice must not keep the workflow alive")
	}
}

func TestSweeper_Sweep_nilSender(t *testing.T) {
	tm := newTestManager(t, nil)
	startSearch(t, tm, "100200")
	ageWorkflow(t, tm, "telegram", "100200")

	sw := NewSweeper(tm.manager, nil, config.Defaults().Workflow)

	expired, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}
}

// --- Run ---

func TestSweeper_Run_stopsOnCancel(t *testing.T) {
	tm := newTestManager(t, nil)
	wf := config.Defaults().Workflow
	wf.SweepInterval = 5 * time.Millisecond
	sw := NewSweeper(tm.manager, newStubSender(), wf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
