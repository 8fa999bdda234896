package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// MemoryRepository is an in-process RunRepository. It backs tests and the
// zero-config dev mode; semantics match the Postgres repository.
type MemoryRepository struct {
	mu   sync.Mutex
	runs map[string]*models.Run
	deps []*models.Dependency // creation order
	seq  map[string]int       // runID -> insertion index for stable listing
	next int
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		runs: make(map[string]*models.Run),
		seq:  make(map[string]int),
	}
}

func (r *MemoryRepository) CreateRun(_ context.Context, run *models.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	if run.ParentRunID != "" {
		if err := r.checkDepthLocked(run.ParentRunID); err != nil {
			return err
		}
	}

	clone := *run
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	if clone.Status == "" {
		clone.Status = models.RunStatusPending
	}
	r.runs[clone.ID] = &clone
	r.seq[clone.ID] = r.next
	r.next++
	*run = clone
	return nil
}

// checkDepthLocked walks the parent chain. The parent must exist and the new
// run's depth must stay within MaxRunDepth.
func (r *MemoryRepository) checkDepthLocked(parentID string) error {
	depth := 1
	for id := parentID; id != ""; {
		parent, ok := r.runs[id]
		if !ok {
			return fmt.Errorf("%w: parent %s", ErrRunNotFound, id)
		}
		depth++
		if depth > MaxRunDepth {
			return ErrMaxDepthExceeded
		}
		id = parent.ParentRunID
	}
	return nil
}

func (r *MemoryRepository) GetRun(_ context.Context, runID string) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	clone := *run
	return &clone, nil
}

func (r *MemoryRepository) GetRunInScope(ctx context.Context, scope models.Scope, runID string) (*models.Run, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !scope.Contains(run.Scope) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

func (r *MemoryRepository) ListSessionRuns(_ context.Context, scope models.Scope, sessionKey string, page, limit int) ([]*models.Run, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*models.Run
	for _, run := range r.runs {
		if run.SessionKey == sessionKey && scope.Contains(run.Scope) {
			clone := *run
			matched = append(matched, &clone)
		}
	}
	// Newest first; insertion index breaks creation-time ties.
	sort.Slice(matched, func(i, j int) bool {
		return r.seq[matched[i].ID] > r.seq[matched[j].ID]
	})

	total := len(matched)
	start := (page - 1) * limit
	if start >= total {
		return []*models.Run{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryRepository) UpdateRunStatus(_ context.Context, runID string, status models.RunStatus) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(runID, status)
}

func (r *MemoryRepository) transitionLocked(runID string, status models.RunStatus) (*models.Run, error) {
	run, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, run.Status)
	}
	if !run.Status.CanTransitionTo(status) {
		return nil, &InvalidTransitionError{RunID: runID, From: run.Status, To: status}
	}

	now := time.Now().UTC()
	run.Status = status
	switch status {
	case models.RunStatusRunning:
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
	case models.RunStatusSuspended:
		run.SuspendedAt = &now
	case models.RunStatusCancelled:
		run.CancelledAt = &now
		run.EndedAt = &now
	case models.RunStatusCompleted, models.RunStatusFailed:
		run.EndedAt = &now
	}

	clone := *run
	return &clone, nil
}

func (r *MemoryRepository) FinishRun(_ context.Context, runID string, status models.RunStatus, result string, errInfo *models.ErrorInfo) (*models.Run, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("finish run %s: %s is not terminal", runID, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.transitionLocked(runID, status); err != nil {
		return nil, err
	}
	run := r.runs[runID]
	run.Result = result
	run.Error = errInfo
	clone := *run
	return &clone, nil
}

func (r *MemoryRepository) SetRunSuspended(ctx context.Context, runID string) (*models.Run, error) {
	return r.UpdateRunStatus(ctx, runID, models.RunStatusSuspended)
}

func (r *MemoryRepository) SetRunResumedFromSuspension(ctx context.Context, runID string) (*models.Run, error) {
	return r.UpdateRunStatus(ctx, runID, models.RunStatusPending)
}

func (r *MemoryRepository) CreateDependency(_ context.Context, dep *models.Dependency) error {
	if dep.ParentRunID == "" || dep.ChildRunID == "" {
		return fmt.Errorf("dependency requires parent and child run ids")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.deps {
		if existing.ParentRunID == dep.ParentRunID && existing.ChildRunID == dep.ChildRunID {
			return fmt.Errorf("%w: %s -> %s", ErrDependencyExists, dep.ParentRunID, dep.ChildRunID)
		}
	}

	clone := *dep
	if clone.Status == "" {
		clone.Status = models.DependencyPending
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	r.deps = append(r.deps, &clone)
	*dep = clone
	return nil
}

func (r *MemoryRepository) ListDependencies(_ context.Context, parentRunID string) ([]*models.Dependency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Dependency
	for _, dep := range r.deps {
		if dep.ParentRunID == parentRunID {
			clone := *dep
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CompleteDependencyAtomic(_ context.Context, childRunID string, status models.DependencyStatus, result, errMsg string) (*DependencyCompletion, error) {
	if status == models.DependencyPending {
		return nil, fmt.Errorf("cannot complete dependency to pending")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *models.Dependency
	for _, dep := range r.deps {
		if dep.ChildRunID == childRunID {
			target = dep
			break
		}
	}
	if target == nil {
		return nil, nil // not a managed dependency
	}
	if target.Status != models.DependencyPending {
		// Duplicate terminal notification: the closing slot was already
		// claimed, so this call must not wake the parent.
		return nil, nil
	}

	now := time.Now().UTC()
	target.Status = status
	target.Result = result
	target.Error = errMsg
	target.ClosedAt = &now

	return &DependencyCompletion{
		Dependency:   cloneDep(target),
		PendingCount: r.pendingCountLocked(target.ParentRunID),
	}, nil
}

func (r *MemoryRepository) pendingCountLocked(parentRunID string) int {
	count := 0
	for _, dep := range r.deps {
		if dep.ParentRunID == parentRunID && dep.Status == models.DependencyPending {
			count++
		}
	}
	return count
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func cloneDep(dep *models.Dependency) *models.Dependency {
	clone := *dep
	return &clone
}
