package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/models"
)

func testScope() models.Scope {
	return models.Scope{OrgID: "org-1", UserID: "user-1"}
}

func newRun(id, session string) *models.Run {
	return &models.Run{
		ID:         id,
		Scope:      testScope(),
		SessionKey: session,
		Input:      "do the thing",
		AgentID:    "default",
	}
}

// The exported repository semantics are shared by both implementations; this
// suite runs against whatever factory the caller provides.
func runRepositorySuite(t *testing.T, newRepo func(t *testing.T) RunRepository) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		run := newRun("run_a", "sess")
		require.NoError(t, repo.CreateRun(ctx, run))
		assert.Equal(t, models.RunStatusPending, run.Status)
		assert.False(t, run.CreatedAt.IsZero())

		got, err := repo.GetRun(ctx, "run_a")
		require.NoError(t, err)
		assert.Equal(t, "do the thing", got.Input)

		assert.ErrorIs(t, repo.CreateRun(ctx, newRun("run_a", "sess")), ErrRunExists)

		_, err = repo.GetRun(ctx, "run_missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("scope isolation is not found", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateRun(ctx, newRun("run_a", "sess")))

		_, err := repo.GetRunInScope(ctx, testScope(), "run_a")
		require.NoError(t, err)

		other := models.Scope{OrgID: "org-2", UserID: "user-1"}
		_, err = repo.GetRunInScope(ctx, other, "run_a")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("project scoping", func(t *testing.T) {
		repo := newRepo(t)
		run := newRun("run_a", "sess")
		run.Scope.ProjectID = "proj-1"
		require.NoError(t, repo.CreateRun(ctx, run))

		// No project on caller: sees all projects.
		_, err := repo.GetRunInScope(ctx, testScope(), "run_a")
		require.NoError(t, err)

		mismatched := testScope()
		mismatched.ProjectID = "proj-2"
		_, err = repo.GetRunInScope(ctx, mismatched, "run_a")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("status machine", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateRun(ctx, newRun("run_a", "sess")))

		run, err := repo.UpdateRunStatus(ctx, "run_a", models.RunStatusRunning)
		require.NoError(t, err)
		require.NotNil(t, run.StartedAt)

		// pending -> completed skips running: rejected.
		require.NoError(t, repo.CreateRun(ctx, newRun("run_b", "sess")))
		_, err = repo.UpdateRunStatus(ctx, "run_b", models.RunStatusCompleted)
		var invalid *InvalidTransitionError
		assert.ErrorAs(t, err, &invalid)

		run, err = repo.FinishRun(ctx, "run_a", models.RunStatusCompleted, "answer", nil)
		require.NoError(t, err)
		assert.Equal(t, "answer", run.Result)
		require.NotNil(t, run.EndedAt)

		// Terminal runs never transition again.
		_, err = repo.UpdateRunStatus(ctx, "run_a", models.RunStatusRunning)
		assert.ErrorIs(t, err, ErrRunTerminal)
	})

	t.Run("suspension round trip", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateRun(ctx, newRun("run_a", "sess")))
		_, err := repo.UpdateRunStatus(ctx, "run_a", models.RunStatusRunning)
		require.NoError(t, err)

		run, err := repo.SetRunSuspended(ctx, "run_a")
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusSuspended, run.Status)
		require.NotNil(t, run.SuspendedAt)

		run, err = repo.SetRunResumedFromSuspension(ctx, "run_a")
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusPending, run.Status)
	})

	t.Run("failed run records error", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateRun(ctx, newRun("run_a", "sess")))
		_, err := repo.UpdateRunStatus(ctx, "run_a", models.RunStatusRunning)
		require.NoError(t, err)

		run, err := repo.FinishRun(ctx, "run_a", models.RunStatusFailed, "",
			&models.ErrorInfo{Code: "MAX_STEPS", Message: "Max steps reached"})
		require.NoError(t, err)
		require.NotNil(t, run.Error)
		assert.Equal(t, "MAX_STEPS", run.Error.Code)
	})

	t.Run("list session runs paginates newest first", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, repo.CreateRun(ctx, newRun(fmt.Sprintf("run_%02d", i), "sess")))
		}
		require.NoError(t, repo.CreateRun(ctx, newRun("run_other", "other-session")))

		page1, total, err := repo.ListSessionRuns(ctx, testScope(), "sess", 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page1, 2)

		page3, _, err := repo.ListSessionRuns(ctx, testScope(), "sess", 3, 2)
		require.NoError(t, err)
		assert.Len(t, page3, 1)

		empty, _, err := repo.ListSessionRuns(ctx, testScope(), "sess", 9, 2)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("dependency lifecycle", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateRun(ctx, newRun("run_parent", "sess")))
		parentChild := func(child string) *models.Dependency {
			return &models.Dependency{
				ParentRunID: "run_parent",
				ChildRunID:  child,
				ToolCallID:  "call_1",
				Role:        "worker",
				Goal:        "subtask",
			}
		}
		child1 := newRun("run_c1", "sess")
		child1.ParentRunID = "run_parent"
		child2 := newRun("run_c2", "sess")
		child2.ParentRunID = "run_parent"
		require.NoError(t, repo.CreateRun(ctx, child1))
		require.NoError(t, repo.CreateRun(ctx, child2))

		require.NoError(t, repo.CreateDependency(ctx, parentChild("run_c1")))
		require.NoError(t, repo.CreateDependency(ctx, parentChild("run_c2")))
		assert.ErrorIs(t, repo.CreateDependency(ctx, parentChild("run_c1")), ErrDependencyExists)

		deps, err := repo.ListDependencies(ctx, "run_parent")
		require.NoError(t, err)
		require.Len(t, deps, 2)

		done, err := repo.CompleteDependencyAtomic(ctx, "run_c1", models.DependencyCompleted, "ok", "")
		require.NoError(t, err)
		require.NotNil(t, done)
		assert.Equal(t, 1, done.PendingCount)

		// Unmanaged child: no-op.
		none, err := repo.CompleteDependencyAtomic(ctx, "run_unmanaged", models.DependencyCompleted, "", "")
		require.NoError(t, err)
		assert.Nil(t, none)

		// Duplicate notification: the closing slot is spent.
		dup, err := repo.CompleteDependencyAtomic(ctx, "run_c1", models.DependencyFailed, "", "late")
		require.NoError(t, err)
		assert.Nil(t, dup)

		last, err := repo.CompleteDependencyAtomic(ctx, "run_c2", models.DependencyFailed, "", "boom")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Zero(t, last.PendingCount)
		assert.Equal(t, models.DependencyFailed, last.Dependency.Status)
	})

	t.Run("exactly one sibling observes zero pending", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateRun(ctx, newRun("run_parent", "sess")))
		const n = 8
		for i := 0; i < n; i++ {
			child := newRun(fmt.Sprintf("run_c%d", i), "sess")
			child.ParentRunID = "run_parent"
			require.NoError(t, repo.CreateRun(ctx, child))
			require.NoError(t, repo.CreateDependency(ctx, &models.Dependency{
				ParentRunID: "run_parent",
				ChildRunID:  child.ID,
				ToolCallID:  "call_1",
			}))
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				done, err := repo.CompleteDependencyAtomic(ctx,
					fmt.Sprintf("run_c%d", i), models.DependencyCompleted, "ok", "")
				require.NoError(t, err)
				if done != nil && done.PendingCount == 0 {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, winners, "parent wakes exactly once")
	})

	t.Run("parent chain depth limit", func(t *testing.T) {
		repo := newRepo(t)
		prev := ""
		for i := 0; i < MaxRunDepth; i++ {
			run := newRun(fmt.Sprintf("run_d%02d", i), "sess")
			run.ParentRunID = prev
			require.NoError(t, repo.CreateRun(ctx, run), "depth %d", i)
			prev = run.ID
		}
		over := newRun("run_toodeep", "sess")
		over.ParentRunID = prev
		assert.ErrorIs(t, repo.CreateRun(ctx, over), ErrMaxDepthExceeded)

		orphan := newRun("run_orphan", "sess")
		orphan.ParentRunID = "run_ghost"
		assert.ErrorIs(t, repo.CreateRun(ctx, orphan), ErrRunNotFound)
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositorySuite(t, func(*testing.T) RunRepository {
		return NewMemoryRepository()
	})
}

func TestMemoryRepositoryPreservesConfigs(t *testing.T) {
	repo := NewMemoryRepository()
	run := newRun("run_a", "sess")
	temp := 0.2
	run.Model = &models.ModelConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", Temperature: &temp}
	run.Delegated = &models.DelegatedPermissions{AllowedTools: []string{"search"}}
	require.NoError(t, repo.CreateRun(context.Background(), run))

	got, err := repo.GetRun(context.Background(), "run_a")
	require.NoError(t, err)
	require.NotNil(t, got.Model)
	assert.Equal(t, "anthropic", got.Model.Provider)
	require.NotNil(t, got.Delegated)
	assert.Equal(t, []string{"search"}, got.Delegated.AllowedTools)
}
