// Package queue admits runs FIFO and executes them one at a time. The queue
// owns run status transitions and terminal events; the executor (the agent
// runner) reports how each slice of work ended.
package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/storage"
)

// DefaultMaxSize bounds the pending queue.
const DefaultMaxSize = 100

var (
	// ErrQueueFull rejects admission when the pending queue is at capacity.
	ErrQueueFull = errors.New("Queue is full")

	// ErrUnknownRun reports lifecycle notifications for runs the queue does
	// not track.
	ErrUnknownRun = errors.New("run not tracked by queue")
)

// Executor processes one run until it completes, fails, suspends, or observes
// the abort signal.
type Executor func(ctx context.Context, run *models.Run) agent.Outcome

// Emitter receives queue lifecycle events. Implemented by events.Publisher.
type Emitter interface {
	Emit(ctx context.Context, event models.Event) error
}

// TerminalHook observes terminal run settlements. The swarm coordinator uses
// it to close child dependencies and wake suspended parents.
type TerminalHook func(runID string, status models.RunStatus, result string, errInfo *models.ErrorInfo)

// Stats is the queue health snapshot surfaced by the API.
type Stats struct {
	Depth     int  `json:"depth"`
	Waiting   int  `json:"waiting"`
	Running   bool `json:"running"`
	Processed int  `json:"processed"`
}

// RunQueue is a single-worker FIFO. At most one run occupies the worker slot;
// waiting runs count toward liveness but not toward the slot.
type RunQueue struct {
	mu            sync.Mutex
	pending       []*models.Run
	waiting       map[string]*models.Run
	runningID     string
	cancelRunning context.CancelFunc
	processed     int

	executor     Executor
	repo         storage.RunRepository
	emitter      Emitter
	terminalHook TerminalHook

	maxSize     int
	timeout     time.Duration
	persistPath string // "" disables queue-file persistence

	logger *slog.Logger
}

// NewRunQueue creates a queue. dataDir may be empty to disable persistence;
// timeout zero means no per-run deadline.
func NewRunQueue(repo storage.RunRepository, emitter Emitter, dataDir string, maxSize int, timeout time.Duration) *RunQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	persistPath := ""
	if dataDir != "" {
		persistPath = filepath.Join(dataDir, "queue.jsonl")
	}
	return &RunQueue{
		waiting:     make(map[string]*models.Run),
		repo:        repo,
		emitter:     emitter,
		maxSize:     maxSize,
		timeout:     timeout,
		persistPath: persistPath,
		logger:      slog.With("component", "run_queue"),
	}
}

// SetExecutor binds the function that processes one run.
func (q *RunQueue) SetExecutor(fn Executor) {
	q.mu.Lock()
	q.executor = fn
	q.mu.Unlock()
}

// SetTerminalHook binds the observer invoked after every terminal settlement.
func (q *RunQueue) SetTerminalHook(fn TerminalHook) {
	q.mu.Lock()
	q.terminalHook = fn
	q.mu.Unlock()
}

func (q *RunQueue) notifyTerminal(runID string, status models.RunStatus, result string, errInfo *models.ErrorInfo) {
	q.mu.Lock()
	hook := q.terminalHook
	q.mu.Unlock()
	if hook != nil {
		hook(runID, status, result, errInfo)
	}
}

// Enqueue admits a run to the pending queue and emits run.enqueued. The run
// record must already exist in the repository.
func (q *RunQueue) Enqueue(ctx context.Context, run *models.Run) error {
	q.mu.Lock()
	if len(q.pending) >= q.maxSize {
		q.mu.Unlock()
		return fmt.Errorf("%w (size %d)", ErrQueueFull, q.maxSize)
	}
	q.pending = append(q.pending, run)
	q.persistLocked()
	q.mu.Unlock()

	q.emit(ctx, run, models.EventRunEnqueued,
		models.RunLifecyclePayload{Status: string(models.RunStatusPending)})
	q.ProcessQueue()
	return nil
}

// ProcessQueue pumps the queue: when runs are pending and the worker slot is
// free, pop the head and hand it to the worker goroutine. Idempotent; a call
// while the slot is occupied returns immediately. The worker re-pumps when it
// releases the slot.
func (q *RunQueue) ProcessQueue() {
	q.mu.Lock()
	if q.executor == nil || len(q.pending) == 0 || q.runningID != "" {
		q.mu.Unlock()
		return
	}
	run := q.pending[0]
	q.pending = q.pending[1:]
	q.persistLocked()

	ctx := context.Background()
	var cancel context.CancelFunc
	if q.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	q.runningID = run.ID
	q.cancelRunning = cancel
	executor := q.executor
	q.mu.Unlock()

	go q.executeOne(ctx, cancel, executor, run)
}

func (q *RunQueue) executeOne(ctx context.Context, cancel context.CancelFunc, executor Executor, run *models.Run) {
	defer cancel()
	defer func() {
		q.mu.Lock()
		// NotifyRunWaiting may have released the slot already, and another
		// run may hold it now.
		if q.runningID == run.ID {
			q.runningID = ""
			q.cancelRunning = nil
		}
		q.processed++
		q.persistLocked()
		q.mu.Unlock()
		q.ProcessQueue()
	}()

	if _, err := q.repo.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning); err != nil {
		q.logger.Error("run not transitioned to running", "run_id", run.ID, "error", err)
		return
	}
	q.emit(ctx, run, models.EventRunStarted,
		models.RunLifecyclePayload{Status: string(models.RunStatusRunning)})

	outcome := executor(ctx, run)
	q.settle(run, ctx.Err(), outcome)
}

// settle records the outcome of one execution slice. Terminal events come from
// here so each run gets exactly one.
func (q *RunQueue) settle(run *models.Run, ctxErr error, outcome agent.Outcome) {
	// Detach from the (possibly expired) run context.
	ctx := context.Background()

	switch outcome.Status {
	case models.RunStatusCompleted:
		if _, err := q.repo.FinishRun(ctx, run.ID, models.RunStatusCompleted, outcome.Result, nil); err != nil {
			q.logger.Error("completed run not recorded", "run_id", run.ID, "error", err)
		}
		q.emit(ctx, run, models.EventRunCompleted,
			models.RunLifecyclePayload{Status: string(models.RunStatusCompleted)})
		q.notifyTerminal(run.ID, models.RunStatusCompleted, outcome.Result, nil)

	case models.RunStatusSuspended:
		if _, err := q.repo.SetRunSuspended(ctx, run.ID); err != nil {
			q.logger.Error("suspended run not recorded", "run_id", run.ID, "error", err)
		}
		// run.suspended was already emitted by the runner with the
		// triggering tool-call id.

	case models.RunStatusCancelled:
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			q.finishFailed(ctx, run, &models.ErrorInfo{
				Code:    "RUN_TIMEOUT",
				Message: fmt.Sprintf("Run exceeded %s", q.timeout),
			})
			return
		}
		if _, err := q.repo.FinishRun(ctx, run.ID, models.RunStatusCancelled, "", nil); err != nil {
			q.logger.Error("cancelled run not recorded", "run_id", run.ID, "error", err)
		}
		q.emit(ctx, run, models.EventRunCancelled,
			models.RunLifecyclePayload{Status: string(models.RunStatusCancelled)})
		q.notifyTerminal(run.ID, models.RunStatusCancelled, "", nil)

	default: // failed
		errInfo := outcome.Error
		if errInfo == nil {
			errInfo = &models.ErrorInfo{Code: "INTERNAL", Message: "run failed"}
		}
		q.finishFailed(ctx, run, errInfo)
	}
}

func (q *RunQueue) finishFailed(ctx context.Context, run *models.Run, errInfo *models.ErrorInfo) {
	if _, err := q.repo.FinishRun(ctx, run.ID, models.RunStatusFailed, "", errInfo); err != nil {
		q.logger.Error("failed run not recorded", "run_id", run.ID, "error", err)
	}
	q.emit(ctx, run, models.EventRunFailed, models.RunLifecyclePayload{
		Status:  string(models.RunStatusFailed),
		Code:    errInfo.Code,
		Message: errInfo.Message,
	})
	q.notifyTerminal(run.ID, models.RunStatusFailed, "", errInfo)
}

// Cancel removes a pending run, aborts a running one, or cancels a waiting
// one. Returns whether any action was taken.
func (q *RunQueue) Cancel(ctx context.Context, runID string) bool {
	q.mu.Lock()
	for i, run := range q.pending {
		if run.ID != runID {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.persistLocked()
		q.mu.Unlock()

		if _, err := q.repo.FinishRun(ctx, runID, models.RunStatusCancelled, "", nil); err != nil {
			q.logger.Error("cancelled run not recorded", "run_id", runID, "error", err)
		}
		q.emit(ctx, run, models.EventRunCancelled,
			models.RunLifecyclePayload{Status: string(models.RunStatusCancelled)})
		q.notifyTerminal(runID, models.RunStatusCancelled, "", nil)
		return true
	}

	if run, ok := q.waiting[runID]; ok {
		delete(q.waiting, runID)
		q.mu.Unlock()

		if _, err := q.repo.FinishRun(ctx, runID, models.RunStatusCancelled, "", nil); err != nil {
			q.logger.Error("cancelled run not recorded", "run_id", runID, "error", err)
		}
		q.emit(ctx, run, models.EventRunCancelled,
			models.RunLifecyclePayload{Status: string(models.RunStatusCancelled)})
		q.notifyTerminal(runID, models.RunStatusCancelled, "", nil)
		return true
	}

	if q.runningID == runID && q.cancelRunning != nil {
		cancel := q.cancelRunning
		q.mu.Unlock()
		// The worker observes the abort and settles the run as cancelled.
		cancel()
		return true
	}
	q.mu.Unlock()
	return false
}

// NotifyRunWaiting moves the currently-running run to the waiting set,
// releasing the worker slot while the run blocks on an external condition.
func (q *RunQueue) NotifyRunWaiting(ctx context.Context, runID string) error {
	q.mu.Lock()
	if q.runningID != runID {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	run, err := q.repo.UpdateRunStatus(ctx, runID, models.RunStatusWaiting)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	q.waiting[runID] = run
	q.runningID = ""
	q.cancelRunning = nil
	q.mu.Unlock()

	q.emit(ctx, run, models.EventRunWaiting,
		models.RunLifecyclePayload{Status: string(models.RunStatusWaiting)})
	q.ProcessQueue()
	return nil
}

// NotifyRunResumed moves a waiting run back to running.
func (q *RunQueue) NotifyRunResumed(ctx context.Context, runID string) error {
	q.mu.Lock()
	run, ok := q.waiting[runID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if _, err := q.repo.UpdateRunStatus(ctx, runID, models.RunStatusRunning); err != nil {
		q.mu.Unlock()
		return err
	}
	delete(q.waiting, runID)
	q.mu.Unlock()

	q.emit(ctx, run, models.EventRunResumed,
		models.RunLifecyclePayload{Status: string(models.RunStatusRunning)})
	return nil
}

// Restore reloads pending runs from the queue file after a restart. Records
// whose status is not pending are discarded. Returns the restored count.
func (q *RunQueue) Restore() (int, error) {
	if q.persistPath == "" {
		return 0, nil
	}
	f, err := os.Open(q.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open queue file: %w", err)
	}
	defer f.Close()

	var restored []*models.Run
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var run models.Run
		if err := json.Unmarshal(line, &run); err != nil {
			q.logger.Warn("skipping malformed queue record", "error", err)
			continue
		}
		if run.Status != models.RunStatusPending {
			continue
		}
		restored = append(restored, &run)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read queue file: %w", err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, restored...)
	q.persistLocked()
	q.mu.Unlock()
	return len(restored), nil
}

// Stats reports queue depth and throughput for the health endpoint.
func (q *RunQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:     len(q.pending),
		Waiting:   len(q.waiting),
		Running:   q.runningID != "",
		Processed: q.processed,
	}
}

// persistLocked rewrites the queue file with the current pending set. Callers
// hold q.mu. Best-effort: the repository stays authoritative on restart.
func (q *RunQueue) persistLocked() {
	if q.persistPath == "" {
		return
	}
	tmp := q.persistPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		q.logger.Warn("queue file not written", "error", err)
		return
	}
	w := bufio.NewWriter(f)
	for _, run := range q.pending {
		raw, err := json.Marshal(run)
		if err != nil {
			continue
		}
		w.Write(raw)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err == nil {
		err = f.Close()
		if err == nil {
			err = os.Rename(tmp, q.persistPath)
		}
	} else {
		f.Close()
	}
	if err != nil {
		q.logger.Warn("queue file not written", "error", err)
	}
}

func (q *RunQueue) emit(ctx context.Context, run *models.Run, t models.EventType, payload models.RunLifecyclePayload) {
	if q.emitter == nil {
		return
	}
	e := models.NewEvent(run.SessionKey, run.ID, t, models.PayloadMap(payload))
	e.AgentID = run.AgentID
	if err := q.emitter.Emit(ctx, e); err != nil {
		q.logger.Warn("event emission failed", "type", string(t), "run_id", run.ID, "error", err)
	}
}
