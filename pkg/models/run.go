// Package models defines the core domain types shared across the runtime:
// runs, dependencies, messages, checkpoints, events, and tool definitions.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run status values. Terminal states are never left once entered.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// validTransitions encodes the run status DAG. A transition absent from this
// map is rejected by CanTransitionTo.
var validTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:   {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning:   {RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusSuspended, RunStatusWaiting},
	RunStatusWaiting:   {RunStatusRunning, RunStatusCancelled},
	RunStatusSuspended: {RunStatusPending, RunStatusCancelled},
}

// CanTransitionTo reports whether a run may move from s to next.
// Terminal states have no outgoing transitions.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ModelConfig selects the LLM provider/model for a run. Zero value means
// "use server defaults".
type ModelConfig struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// ErrorInfo is the caller-visible failure record. Raw stack traces never
// leave the process.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DelegatedPermissions carries allow/deny tool lists a parent run grants to
// a child it dispatches.
type DelegatedPermissions struct {
	AllowedTools []string `json:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"denied_tools,omitempty"`
}

// Run is one end-to-end task execution: one user input, possibly many steps.
type Run struct {
	ID          string                `json:"run_id"`
	Scope       Scope                 `json:"scope"`
	SessionKey  string                `json:"session_key"`
	Input       string                `json:"input"`
	AgentID     string                `json:"agent_id"`
	Status      RunStatus             `json:"status"`
	ParentRunID string                `json:"parent_run_id,omitempty"`
	Delegated   *DelegatedPermissions `json:"delegated_permissions,omitempty"`
	Model       *ModelConfig          `json:"model,omitempty"`
	Result      string                `json:"result,omitempty"`
	Error       *ErrorInfo            `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
}

// NewRunID mints a run identifier of the form run_<alphanumeric>.
func NewRunID() string {
	return "run_" + compactUUID()
}

// NewSpanID mints a per-event span identifier used for SSE client dedup.
func NewSpanID() string {
	return "span_" + compactUUID()
}

// NewToolCallID mints a tool-call identifier for synthesized calls.
func NewToolCallID() string {
	return "call_" + compactUUID()
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
