// Package storage persists runs and dependencies behind the RunRepository
// interface. Two implementations ship: a Postgres repository (pgx) for
// production and an in-memory repository for tests and the zero-config dev
// mode. Both enforce the same status-machine and fan-in semantics.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/pkg/models"
)

// MaxRunDepth bounds the parent chain of a run; dispatching past it fails.
const MaxRunDepth = 32

var (
	// ErrRunNotFound covers both absent runs and runs outside the caller's
	// scope; the API maps it to 404 either way.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned when creating a run whose id is taken.
	ErrRunExists = errors.New("run already exists")

	// ErrDependencyExists guards the (parent, child) uniqueness invariant.
	ErrDependencyExists = errors.New("dependency already exists")

	// ErrRunTerminal rejects transitions out of a terminal state.
	ErrRunTerminal = errors.New("run is in a terminal state")

	// ErrMaxDepthExceeded rejects dispatch chains deeper than MaxRunDepth.
	ErrMaxDepthExceeded = errors.New("run dependency chain too deep")
)

// InvalidTransitionError reports a status move the state machine forbids.
type InvalidTransitionError struct {
	RunID string
	From  models.RunStatus
	To    models.RunStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid transition %s -> %s", e.RunID, e.From, e.To)
}

// DependencyCompletion is the result of CompleteDependencyAtomic: the closed
// dependency plus how many siblings of the same parent are still pending.
// Only the completion that observes PendingCount == 0 wakes the parent.
type DependencyCompletion struct {
	Dependency   *models.Dependency
	PendingCount int
}

// RunRepository is the persistence boundary for runs and dependencies.
//
// Scoped reads treat cross-scope access as not found. Unscoped reads exist
// for internal components (queue, swarm) that act on behalf of the system.
type RunRepository interface {
	// CreateRun persists a new run. When ParentRunID is set the parent must
	// exist and the resulting chain must stay within MaxRunDepth.
	CreateRun(ctx context.Context, run *models.Run) error

	// GetRun returns a run without scope filtering.
	GetRun(ctx context.Context, runID string) (*models.Run, error)

	// GetRunInScope returns a run visible to scope, or ErrRunNotFound.
	GetRunInScope(ctx context.Context, scope models.Scope, runID string) (*models.Run, error)

	// ListSessionRuns pages through a session's runs within scope, newest
	// first. Returns the page and the total count.
	ListSessionRuns(ctx context.Context, scope models.Scope, sessionKey string, page, limit int) ([]*models.Run, int, error)

	// UpdateRunStatus moves a run along the status machine, maintaining the
	// lifecycle timestamps. Terminal states reject any further transition.
	UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus) (*models.Run, error)

	// FinishRun transitions to a terminal status and records the result or
	// error in the same update.
	FinishRun(ctx context.Context, runID string, status models.RunStatus, result string, errInfo *models.ErrorInfo) (*models.Run, error)

	// SetRunSuspended marks a running run suspended.
	SetRunSuspended(ctx context.Context, runID string) (*models.Run, error)

	// SetRunResumedFromSuspension flips a suspended run back to pending so
	// the queue can pick it up.
	SetRunResumedFromSuspension(ctx context.Context, runID string) (*models.Run, error)

	// CreateDependency records a parent→child link. (parent, child) unique.
	CreateDependency(ctx context.Context, dep *models.Dependency) error

	// ListDependencies returns all dependencies of a parent in creation order.
	ListDependencies(ctx context.Context, parentRunID string) ([]*models.Dependency, error)

	// CompleteDependencyAtomic closes the dependency owned by childRunID and
	// returns the remaining pending-sibling count, atomically with respect to
	// concurrent sibling completions. Returns (nil, nil) when the child is
	// not a managed dependency or its dependency was already closed.
	CompleteDependencyAtomic(ctx context.Context, childRunID string, status models.DependencyStatus, result, errMsg string) (*DependencyCompletion, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
