// Package tools routes tool calls from the LLM to their handlers: a registry
// with policy enforcement and per-call timeouts, a scheduler that bounds
// parallelism within a step, the builtin tool set, and an external source
// backed by an MCP server.
package tools

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/models"
)

// Result is the outcome of one tool call, surfaced back to the LLM as a
// tool-role message. A failed call is not fatal to the run.
type Result struct {
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`

	// HumanInterventionNote asks the operator to act out-of-band.
	HumanInterventionNote string `json:"human_intervention_note,omitempty"`

	// RequiresSuspension signals that the run must suspend until the listed
	// child runs reach a terminal state.
	RequiresSuspension bool     `json:"requires_suspension,omitempty"`
	ChildRunIDs        []string `json:"child_run_ids,omitempty"`

	// RequiresApproval signals a human-in-the-loop pause for the given call.
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	ToolCallID       string `json:"tool_call_id,omitempty"`
}

// CallContext identifies the run and step a tool call belongs to. The router
// uses it for event emission and policy checks.
type CallContext struct {
	SessionKey   string
	RunID        string
	AgentID      string
	StepID       string
	SpanID       string
	ToolCallID   string
	AgentContext *models.AgentContext
}

// Handler executes one tool call. Returning an error is equivalent to
// returning a failed Result; handlers that need suspension or approval
// semantics return them on the Result.
type Handler func(ctx context.Context, params map[string]any, cctx CallContext) (*Result, error)

// Emitter receives tool lifecycle events. Implemented by events.Publisher.
// Emission failures are logged by the caller, never surfaced to the tool.
type Emitter interface {
	Emit(ctx context.Context, event models.Event) error
}

// Error is a tool-level failure carrying the tool name. It is fatal to the
// call, not to the run.
type Error struct {
	Tool string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// NotFoundResult builds the canonical unknown-tool result.
func NotFoundResult(name string) *Result {
	return &Result{Success: false, Error: "Tool not found: " + name}
}
