// Package swarm couples parent runs to their dispatched children: it creates
// child runs for routing tools and, when the last pending child turns
// terminal, wakes the parent exactly once with aggregated results.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/loomworks/loom/pkg/checkpoint"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/storage"
)

// ErrNotSuspended rejects approval of a run that is not waiting for one.
var ErrNotSuspended = errors.New("run is not suspended")

// Enqueuer is the slice of the run queue the coordinator needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, run *models.Run) error
}

// childResult is one entry in the aggregated fan-in payload.
type childResult struct {
	ChildRunID string `json:"child_run_id"`
	Role       string `json:"role"`
	Goal       string `json:"goal"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Coordinator bridges child-run terminal events to parent wake-up and
// implements the dispatcher behind handoff_to / dispatch_subtasks.
type Coordinator struct {
	repo        storage.RunRepository
	checkpoints *checkpoint.Store
	queue       Enqueuer
	logger      *slog.Logger
}

// NewCoordinator wires a coordinator.
func NewCoordinator(repo storage.RunRepository, checkpoints *checkpoint.Store, queue Enqueuer) *Coordinator {
	return &Coordinator{
		repo:        repo,
		checkpoints: checkpoints,
		queue:       queue,
		logger:      slog.With("component", "swarm_coordinator"),
	}
}

// DispatchChild creates a child run bound to the parent's suspended tool call
// and enqueues it. The child inherits the parent's session and delegated
// permissions.
func (c *Coordinator) DispatchChild(ctx context.Context, parentRunID, toolCallID, role, goal string, scope models.Scope) (string, error) {
	parent, err := c.repo.GetRun(ctx, parentRunID)
	if err != nil {
		return "", fmt.Errorf("load parent run: %w", err)
	}
	if scope.OrgID == "" {
		scope = parent.Scope
	}

	child := &models.Run{
		ID:          models.NewRunID(),
		Scope:       scope,
		SessionKey:  parent.SessionKey,
		Input:       goal,
		AgentID:     role,
		ParentRunID: parentRunID,
		Delegated:   parent.Delegated,
	}
	if err := c.repo.CreateRun(ctx, child); err != nil {
		return "", fmt.Errorf("create child run: %w", err)
	}
	if err := c.repo.CreateDependency(ctx, &models.Dependency{
		ParentRunID: parentRunID,
		ChildRunID:  child.ID,
		ToolCallID:  toolCallID,
		Role:        role,
		Goal:        goal,
	}); err != nil {
		return "", fmt.Errorf("create dependency: %w", err)
	}
	if err := c.queue.Enqueue(ctx, child); err != nil {
		return "", fmt.Errorf("enqueue child run: %w", err)
	}

	c.logger.Info("dispatched child run",
		"parent_run_id", parentRunID, "child_run_id", child.ID, "role", role)
	return child.ID, nil
}

// OnChildTerminal closes the child's dependency and, when it was the last
// pending one, injects aggregated child results into the parent's checkpoint
// and re-enqueues the parent. Under concurrent sibling completion the parent
// is woken exactly once: only the caller that observes zero pending
// dependencies proceeds.
func (c *Coordinator) OnChildTerminal(ctx context.Context, childRunID string, status models.RunStatus, result string, errInfo *models.ErrorInfo) error {
	depStatus := models.DependencyCompleted
	errText := ""
	if status != models.RunStatusCompleted {
		depStatus = models.DependencyFailed
		errText = string(status)
		if errInfo != nil {
			errText = errInfo.Message
		}
	}

	done, err := c.repo.CompleteDependencyAtomic(ctx, childRunID, depStatus, result, errText)
	if err != nil {
		return fmt.Errorf("complete dependency: %w", err)
	}
	if done == nil {
		// Not a managed child, or a sibling already claimed the closing slot.
		return nil
	}
	if done.PendingCount > 0 {
		return nil
	}
	return c.wakeParent(ctx, done.Dependency.ParentRunID)
}

func (c *Coordinator) wakeParent(ctx context.Context, parentRunID string) error {
	parent, err := c.repo.GetRun(ctx, parentRunID)
	if err != nil {
		return fmt.Errorf("load parent run: %w", err)
	}
	deps, err := c.repo.ListDependencies(ctx, parentRunID)
	if err != nil {
		return fmt.Errorf("list dependencies: %w", err)
	}

	messages, err := aggregateResults(deps)
	if err != nil {
		return err
	}
	if err := c.checkpoints.AppendToolResults(parent.SessionKey, parentRunID, parent.AgentID, messages); err != nil {
		return fmt.Errorf("append aggregated results: %w", err)
	}

	woken, err := c.repo.SetRunResumedFromSuspension(ctx, parentRunID)
	if err != nil {
		return fmt.Errorf("resume parent: %w", err)
	}
	if err := c.queue.Enqueue(ctx, woken); err != nil {
		return fmt.Errorf("enqueue parent: %w", err)
	}

	c.logger.Info("woke parent after fan-in",
		"parent_run_id", parentRunID, "children", len(deps))
	return nil
}

// aggregateResults groups closed dependencies by originating tool call and
// renders one synthetic tool message per group.
func aggregateResults(deps []*models.Dependency) ([]models.Message, error) {
	groups := make(map[string][]childResult)
	for _, dep := range deps {
		groups[dep.ToolCallID] = append(groups[dep.ToolCallID], childResult{
			ChildRunID: dep.ChildRunID,
			Role:       dep.Role,
			Goal:       dep.Goal,
			Status:     string(dep.Status),
			Result:     dep.Result,
			Error:      dep.Error,
		})
	}
	order := make([]string, 0, len(groups))
	for toolCallID := range groups {
		order = append(order, toolCallID)
	}
	sort.Strings(order)

	messages := make([]models.Message, 0, len(order))
	for _, toolCallID := range order {
		raw, err := json.Marshal(map[string]any{"child_results": groups[toolCallID]})
		if err != nil {
			return nil, fmt.Errorf("marshal child results: %w", err)
		}
		messages = append(messages, models.ToolMessage(toolCallID, string(raw)))
	}
	return messages, nil
}

// ApproveRun resumes a run suspended on request_approval by injecting the
// approval as a tool-result message, then re-enqueueing the run.
func (c *Coordinator) ApproveRun(ctx context.Context, runID, toolCallID string) error {
	run, err := c.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusSuspended {
		return fmt.Errorf("%w: %s is %s", ErrNotSuspended, runID, run.Status)
	}

	raw, err := json.Marshal(map[string]any{"approved": true, "tool_call_id": toolCallID})
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	if err := c.checkpoints.AppendToolResults(run.SessionKey, runID, run.AgentID,
		[]models.Message{models.ToolMessage(toolCallID, string(raw))}); err != nil {
		return fmt.Errorf("append approval: %w", err)
	}

	woken, err := c.repo.SetRunResumedFromSuspension(ctx, runID)
	if err != nil {
		return fmt.Errorf("resume approved run: %w", err)
	}
	if err := c.queue.Enqueue(ctx, woken); err != nil {
		return fmt.Errorf("enqueue approved run: %w", err)
	}
	return nil
}
