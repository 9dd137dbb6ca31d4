package executor

import (
	"testing"
	"time"

	"github.com/ruvnet/swarmcore/internal/config"
)

func newTestExecutor(t *testing.T, cfg config.ExecutorConfig) *Executor {
	t.Helper()
	e := New(cfg, nil, nil)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func waitForTerminal(t *testing.T, e *Executor, id string, timeout time.Duration) *Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := e.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		switch rec.Status {
		case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal state within %s", id, timeout)
	return nil
}

func TestSubmitSuccessfulCommand(t *testing.T) {
	cfg := config.DefaultExecutorConfig()
	cfg.MaxConcurrentTasks = 2
	e := newTestExecutor(t, cfg)

	id, err := e.Submit("sh", []string{"-c", "exit 0"}, SubmitOptions{Capture: CaptureBoth})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := waitForTerminal(t, e, id, 2*time.Second)
	if rec.Status != StatusSuccess {
		t.Fatalf("status = %s, want success (err=%s)", rec.Status, rec.Error)
	}
	if rec.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", rec.ExitCode)
	}
}

func TestSubmitFailingCommandRetriesThenFails(t *testing.T) {
	cfg := config.DefaultExecutorConfig()
	cfg.MaxConcurrentTasks = 1
	cfg.BackoffBase = time.Millisecond
	e := newTestExecutor(t, cfg)

	id, err := e.Submit("sh", []string{"-c", "exit 1"}, SubmitOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := waitForTerminal(t, e, id, 2*time.Second)
	if rec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", rec.Attempts)
	}
}

func TestCancelQueuedExecution(t *testing.T) {
	cfg := config.DefaultExecutorConfig()
	cfg.MaxConcurrentTasks = 1
	e := newTestExecutor(t, cfg)

	// Occupy the single worker so the next submission stays queued.
	blockerID, err := e.Submit("sh", []string{"-c", "sleep 1"}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	queuedID, err := e.Submit("sh", []string{"-c", "exit 0"}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	if ok := e.Cancel(queuedID); !ok {
		t.Fatal("expected Cancel on a queued execution to return true")
	}
	rec, err := e.Status(queuedID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", rec.Status)
	}

	_ = waitForTerminal(t, e, blockerID, 3*time.Second)
}

func TestMaxConcurrentTasksBound(t *testing.T) {
	cfg := config.DefaultExecutorConfig()
	cfg.MaxConcurrentTasks = 2
	e := newTestExecutor(t, cfg)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := e.Submit("sh", []string{"-c", "sleep 0.2"}, SubmitOptions{})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}

	time.Sleep(50 * time.Millisecond)
	running := 0
	for _, id := range ids {
		rec, err := e.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if rec.Status == StatusRunning {
			running++
		}
	}
	if running > cfg.MaxConcurrentTasks {
		t.Fatalf("running = %d, want at most %d", running, cfg.MaxConcurrentTasks)
	}

	for _, id := range ids {
		waitForTerminal(t, e, id, 3*time.Second)
	}
}
