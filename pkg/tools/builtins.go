package tools

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/models"
)

// SubtaskDispatcher creates child runs for routing tools. Implemented by the
// swarm coordinator.
type SubtaskDispatcher interface {
	// DispatchChild creates a child run plus its dependency row, enqueues the
	// child, and returns the child run id.
	DispatchChild(ctx context.Context, parentRunID, toolCallID, role, goal string, scope models.Scope) (string, error)
}

// MemoryWriter and MemorySearcher are the slices of the memory service the
// builtin tools need.
type MemoryWriter interface {
	Write(ctx context.Context, scope models.Scope, content string, tags []string) (string, error)
}

type MemorySearcher interface {
	Search(ctx context.Context, scope models.Scope, query string, limit int) ([]string, error)
}

// RegisterBuiltins installs the builtin tool set on the router. Dispatcher
// and memory may be nil; the corresponding tools are skipped.
func RegisterBuiltins(r *Router, dispatcher SubtaskDispatcher, writer MemoryWriter, searcher MemorySearcher) error {
	if dispatcher != nil {
		if err := r.Register(handoffToDefinition(), handoffToHandler(dispatcher)); err != nil {
			return err
		}
		if err := r.Register(dispatchSubtasksDefinition(), dispatchSubtasksHandler(dispatcher)); err != nil {
			return err
		}
	}
	if writer != nil {
		if err := r.Register(rememberDefinition(), rememberHandler(writer)); err != nil {
			return err
		}
	}
	if searcher != nil {
		if err := r.Register(recallDefinition(), recallHandler(searcher)); err != nil {
			return err
		}
	}
	return r.Register(requestApprovalDefinition(), requestApprovalHandler())
}

func handoffToDefinition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "handoff_to",
		Description: "Hand the current goal to another agent role and wait for its result.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role": map[string]any{"type": "string", "description": "Target agent role"},
				"goal": map[string]any{"type": "string", "description": "Goal for the target agent"},
			},
			"required": []any{"role", "goal"},
		},
		Metadata: models.ToolMetadata{
			RiskLevel: models.RiskMedium,
			Mutating:  true,
			Source:    models.ToolSourceBuiltin,
		},
	}
}

func handoffToHandler(dispatcher SubtaskDispatcher) Handler {
	return func(ctx context.Context, params map[string]any, cctx CallContext) (*Result, error) {
		role, err := stringParam(params, "role")
		if err != nil {
			return nil, err
		}
		goal, err := stringParam(params, "goal")
		if err != nil {
			return nil, err
		}
		childID, err := dispatcher.DispatchChild(ctx, cctx.RunID, cctx.ToolCallID, role, goal, scopeOf(cctx))
		if err != nil {
			return nil, fmt.Errorf("dispatch handoff: %w", err)
		}
		return &Result{
			Success:            true,
			Result:             map[string]any{"child_run_id": childID, "role": role},
			RequiresSuspension: true,
			ChildRunIDs:        []string{childID},
			ToolCallID:         cctx.ToolCallID,
		}, nil
	}
}

func dispatchSubtasksDefinition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "dispatch_subtasks",
		Description: "Fan out subtasks to agent roles in parallel and wait for all results.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"subtasks": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"role": map[string]any{"type": "string"},
							"goal": map[string]any{"type": "string"},
						},
						"required": []any{"role", "goal"},
					},
				},
			},
			"required": []any{"subtasks"},
		},
		Metadata: models.ToolMetadata{
			RiskLevel: models.RiskMedium,
			Mutating:  true,
			Source:    models.ToolSourceBuiltin,
		},
	}
}

func dispatchSubtasksHandler(dispatcher SubtaskDispatcher) Handler {
	return func(ctx context.Context, params map[string]any, cctx CallContext) (*Result, error) {
		raw, ok := params["subtasks"].([]any)
		if !ok || len(raw) == 0 {
			return nil, fmt.Errorf("subtasks must be a non-empty array")
		}
		childIDs := make([]string, 0, len(raw))
		for i, item := range raw {
			sub, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("subtask %d must be an object", i)
			}
			role, err := stringParam(sub, "role")
			if err != nil {
				return nil, fmt.Errorf("subtask %d: %w", i, err)
			}
			goal, err := stringParam(sub, "goal")
			if err != nil {
				return nil, fmt.Errorf("subtask %d: %w", i, err)
			}
			childID, err := dispatcher.DispatchChild(ctx, cctx.RunID, cctx.ToolCallID, role, goal, scopeOf(cctx))
			if err != nil {
				return nil, fmt.Errorf("dispatch subtask %d: %w", i, err)
			}
			childIDs = append(childIDs, childID)
		}
		return &Result{
			Success:            true,
			Result:             map[string]any{"child_run_ids": childIDs},
			RequiresSuspension: true,
			ChildRunIDs:        childIDs,
			ToolCallID:         cctx.ToolCallID,
		}, nil
	}
}

func rememberDefinition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "remember",
		Description: "Store a fact in long-term memory for the current scope.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{"type": "string"},
				"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []any{"content"},
		},
		Metadata: models.ToolMetadata{
			RiskLevel: models.RiskLow,
			Mutating:  true,
			Source:    models.ToolSourceBuiltin,
		},
	}
}

func rememberHandler(writer MemoryWriter) Handler {
	return func(ctx context.Context, params map[string]any, cctx CallContext) (*Result, error) {
		content, err := stringParam(params, "content")
		if err != nil {
			return nil, err
		}
		var tags []string
		if raw, ok := params["tags"].([]any); ok {
			for _, t := range raw {
				if s, ok := t.(string); ok {
					tags = append(tags, s)
				}
			}
		}
		id, err := writer.Write(ctx, scopeOf(cctx), content, tags)
		if err != nil {
			return nil, fmt.Errorf("memory write: %w", err)
		}
		return &Result{Success: true, Result: map[string]any{"memory_id": id}}, nil
	}
}

func recallDefinition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "recall",
		Description: "Search long-term memory for the current scope.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
			},
			"required": []any{"query"},
		},
		Metadata: models.ToolMetadata{
			RiskLevel:        models.RiskLow,
			Mutating:         false,
			SupportsParallel: true,
			Source:           models.ToolSourceBuiltin,
		},
	}
}

func recallHandler(searcher MemorySearcher) Handler {
	return func(ctx context.Context, params map[string]any, cctx CallContext) (*Result, error) {
		query, err := stringParam(params, "query")
		if err != nil {
			return nil, err
		}
		limit := 10
		if n, ok := params["limit"].(float64); ok && n > 0 {
			limit = int(n)
		}
		hits, err := searcher.Search(ctx, scopeOf(cctx), query, limit)
		if err != nil {
			return nil, fmt.Errorf("memory search: %w", err)
		}
		return &Result{Success: true, Result: map[string]any{"hits": hits}}, nil
	}
}

func requestApprovalDefinition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "request_approval",
		Description: "Pause the run until a human approves the described action.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{"type": "string"},
				"reason": map[string]any{"type": "string"},
			},
			"required": []any{"action"},
		},
		Metadata: models.ToolMetadata{
			RiskLevel: models.RiskLow,
			Mutating:  false,
			Source:    models.ToolSourceBuiltin,
		},
	}
}

func requestApprovalHandler() Handler {
	return func(_ context.Context, params map[string]any, cctx CallContext) (*Result, error) {
		action, err := stringParam(params, "action")
		if err != nil {
			return nil, err
		}
		reason, _ := params["reason"].(string)
		note := "Approval requested: " + action
		if reason != "" {
			note += " (" + reason + ")"
		}
		return &Result{
			Success:               true,
			Result:                map[string]any{"action": action, "status": "awaiting_approval"},
			RequiresApproval:      true,
			ToolCallID:            cctx.ToolCallID,
			HumanInterventionNote: note,
		}, nil
	}
}

func scopeOf(cctx CallContext) models.Scope {
	if cctx.AgentContext == nil {
		return models.Scope{}
	}
	return cctx.AgentContext.Scope
}

func stringParam(params map[string]any, key string) (string, error) {
	s, ok := params[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}
