package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/storage"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureEmitter) Emit(_ context.Context, e models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureEmitter) byType(t models.EventType) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newRun(t *testing.T, repo storage.RunRepository, id string) *models.Run {
	t.Helper()
	run := &models.Run{
		ID:         id,
		Scope:      models.Scope{OrgID: "org-1", UserID: "user-1"},
		SessionKey: "sess",
		Input:      "task",
		AgentID:    "default",
	}
	require.NoError(t, repo.CreateRun(context.Background(), run))
	return run
}

func statusOf(t *testing.T, repo storage.RunRepository, id string) models.RunStatus {
	t.Helper()
	run, err := repo.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run.Status
}

func waitForStatus(t *testing.T, repo storage.RunRepository, id string, want models.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return statusOf(t, repo, id) == want
	}, 2*time.Second, 5*time.Millisecond, "run %s never reached %s", id, want)
}

func TestEnqueueAndComplete(t *testing.T) {
	repo := storage.NewMemoryRepository()
	emitter := &captureEmitter{}
	q := NewRunQueue(repo, emitter, "", 0, 0)
	q.SetExecutor(func(_ context.Context, _ *models.Run) agent.Outcome {
		return agent.Outcome{Status: models.RunStatusCompleted, Result: "done"}
	})

	run := newRun(t, repo, "run_a")
	require.NoError(t, q.Enqueue(context.Background(), run))
	waitForStatus(t, repo, "run_a", models.RunStatusCompleted)

	got, err := repo.GetRun(context.Background(), "run_a")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Result)

	require.Eventually(t, func() bool {
		return len(emitter.byType(models.EventRunCompleted)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, emitter.byType(models.EventRunEnqueued), 1)
	assert.Len(t, emitter.byType(models.EventRunStarted), 1)
}

func TestQueueFull(t *testing.T) {
	repo := storage.NewMemoryRepository()
	q := NewRunQueue(repo, nil, "", 1, 0)
	// No executor bound: runs stay pending.

	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_a")))
	err := q.Enqueue(context.Background(), newRun(t, repo, "run_b"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestFailedRunRecordsError(t *testing.T) {
	repo := storage.NewMemoryRepository()
	emitter := &captureEmitter{}
	q := NewRunQueue(repo, emitter, "", 0, 0)
	q.SetExecutor(func(_ context.Context, _ *models.Run) agent.Outcome {
		return agent.Outcome{
			Status: models.RunStatusFailed,
			Error:  &models.ErrorInfo{Code: "LLM_ERROR", Message: "provider down"},
		}
	})

	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_a")))
	waitForStatus(t, repo, "run_a", models.RunStatusFailed)

	got, err := repo.GetRun(context.Background(), "run_a")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "LLM_ERROR", got.Error.Code)

	require.Eventually(t, func() bool {
		failed := emitter.byType(models.EventRunFailed)
		return len(failed) == 1 && failed[0].Payload["code"] == "LLM_ERROR"
	}, time.Second, 5*time.Millisecond)
}

func TestSuspendedRunFreesWorker(t *testing.T) {
	repo := storage.NewMemoryRepository()
	emitter := &captureEmitter{}
	q := NewRunQueue(repo, emitter, "", 0, 0)
	q.SetExecutor(func(_ context.Context, run *models.Run) agent.Outcome {
		if run.ID == "run_parent" {
			return agent.Outcome{Status: models.RunStatusSuspended}
		}
		return agent.Outcome{Status: models.RunStatusCompleted}
	})

	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_parent")))
	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_next")))

	waitForStatus(t, repo, "run_parent", models.RunStatusSuspended)
	// The worker slot moved on past the suspended run.
	waitForStatus(t, repo, "run_next", models.RunStatusCompleted)
	require.Eventually(t, func() bool {
		return len(emitter.byType(models.EventRunCompleted)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "run_next", emitter.byType(models.EventRunCompleted)[0].RunID)
}

func TestCancelPendingRun(t *testing.T) {
	repo := storage.NewMemoryRepository()
	emitter := &captureEmitter{}
	q := NewRunQueue(repo, emitter, "", 0, 0)
	// No executor: the run stays queued.

	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_a")))
	assert.True(t, q.Cancel(context.Background(), "run_a"))
	assert.Equal(t, models.RunStatusCancelled, statusOf(t, repo, "run_a"))
	assert.Len(t, emitter.byType(models.EventRunCancelled), 1)
	assert.Zero(t, q.Stats().Depth)

	// A second cancel finds nothing.
	assert.False(t, q.Cancel(context.Background(), "run_a"))
}

func TestCancelRunningRunAborts(t *testing.T) {
	repo := storage.NewMemoryRepository()
	emitter := &captureEmitter{}
	q := NewRunQueue(repo, emitter, "", 0, 0)
	started := make(chan struct{})
	q.SetExecutor(func(ctx context.Context, _ *models.Run) agent.Outcome {
		close(started)
		<-ctx.Done()
		return agent.Outcome{Status: models.RunStatusCancelled}
	})

	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_a")))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("executor never started")
	}

	assert.True(t, q.Cancel(context.Background(), "run_a"))
	waitForStatus(t, repo, "run_a", models.RunStatusCancelled)
	require.Eventually(t, func() bool {
		return len(emitter.byType(models.EventRunCancelled)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRunTimeoutFails(t *testing.T) {
	repo := storage.NewMemoryRepository()
	emitter := &captureEmitter{}
	q := NewRunQueue(repo, emitter, "", 0, 20*time.Millisecond)
	q.SetExecutor(func(ctx context.Context, _ *models.Run) agent.Outcome {
		<-ctx.Done()
		return agent.Outcome{Status: models.RunStatusCancelled}
	})

	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_a")))
	waitForStatus(t, repo, "run_a", models.RunStatusFailed)

	got, err := repo.GetRun(context.Background(), "run_a")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "RUN_TIMEOUT", got.Error.Code)
}

func TestWaitingReleasesWorkerSlot(t *testing.T) {
	repo := storage.NewMemoryRepository()
	emitter := &captureEmitter{}
	q := NewRunQueue(repo, emitter, "", 0, 0)

	release := make(chan struct{})
	q.SetExecutor(func(_ context.Context, run *models.Run) agent.Outcome {
		if run.ID == "run_router" {
			require.NoError(t, q.NotifyRunWaiting(context.Background(), run.ID))
			<-release
			require.NoError(t, q.NotifyRunResumed(context.Background(), run.ID))
			return agent.Outcome{Status: models.RunStatusCompleted, Result: "routed"}
		}
		return agent.Outcome{Status: models.RunStatusCompleted}
	})

	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_router")))
	waitForStatus(t, repo, "run_router", models.RunStatusWaiting)

	// Another run takes the slot while run_router waits.
	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_other")))
	waitForStatus(t, repo, "run_other", models.RunStatusCompleted)
	assert.Equal(t, 1, q.Stats().Waiting)

	close(release)
	waitForStatus(t, repo, "run_router", models.RunStatusCompleted)
	assert.Len(t, emitter.byType(models.EventRunWaiting), 1)
	assert.Len(t, emitter.byType(models.EventRunResumed), 1)
	assert.Zero(t, q.Stats().Waiting)
}

func TestNotifyUnknownRun(t *testing.T) {
	q := NewRunQueue(storage.NewMemoryRepository(), nil, "", 0, 0)
	assert.ErrorIs(t, q.NotifyRunWaiting(context.Background(), "run_x"), ErrUnknownRun)
	assert.ErrorIs(t, q.NotifyRunResumed(context.Background(), "run_x"), ErrUnknownRun)
}

func TestRestorePendingOnly(t *testing.T) {
	repo := storage.NewMemoryRepository()
	dir := t.TempDir()
	q := NewRunQueue(repo, nil, dir, 0, 0)
	// No executor: both runs persist as pending.
	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_a")))
	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_b")))

	restored := NewRunQueue(repo, nil, dir, 0, 0)
	n, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, restored.Stats().Depth)

	// Restore with no file is a clean zero.
	fresh := NewRunQueue(repo, nil, t.TempDir(), 0, 0)
	n, err = fresh.Restore()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestoreDiscardsNonPending(t *testing.T) {
	repo := storage.NewMemoryRepository()
	dir := t.TempDir()
	q := NewRunQueue(repo, nil, dir, 0, 0)

	done := newRun(t, repo, "run_done")
	done.Status = models.RunStatusCompleted
	pending := newRun(t, repo, "run_pending")

	q.mu.Lock()
	q.pending = []*models.Run{done, pending}
	q.persistLocked()
	q.mu.Unlock()

	restored := NewRunQueue(repo, nil, dir, 0, 0)
	n, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTerminalHookObservesSettlement(t *testing.T) {
	repo := storage.NewMemoryRepository()
	q := NewRunQueue(repo, nil, "", 0, 0)

	var mu sync.Mutex
	type settled struct {
		runID  string
		status models.RunStatus
		result string
	}
	var seen []settled
	q.SetTerminalHook(func(runID string, status models.RunStatus, result string, _ *models.ErrorInfo) {
		mu.Lock()
		seen = append(seen, settled{runID, status, result})
		mu.Unlock()
	})
	q.SetExecutor(func(_ context.Context, _ *models.Run) agent.Outcome {
		return agent.Outcome{Status: models.RunStatusCompleted, Result: "child answer"}
	})

	require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, "run_child")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "run_child", seen[0].runID)
	assert.Equal(t, models.RunStatusCompleted, seen[0].status)
	assert.Equal(t, "child answer", seen[0].result)
}

func TestStatsCountsProcessed(t *testing.T) {
	repo := storage.NewMemoryRepository()
	q := NewRunQueue(repo, nil, "", 0, 0)
	q.SetExecutor(func(_ context.Context, _ *models.Run) agent.Outcome {
		return agent.Outcome{Status: models.RunStatusCompleted}
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), newRun(t, repo, fmt.Sprintf("run_%d", i))))
	}
	require.Eventually(t, func() bool {
		s := q.Stats()
		return s.Processed == 3 && s.Depth == 0 && !s.Running
	}, 2*time.Second, 5*time.Millisecond)
}
