package models

import "time"

// DependencyStatus tracks a child run's obligation to its parent.
type DependencyStatus string

const (
	DependencyPending   DependencyStatus = "pending"
	DependencyCompleted DependencyStatus = "completed"
	DependencyFailed    DependencyStatus = "failed"
)

// Dependency links a parent run's suspended tool call to a child run's
// lifetime. (parent, child) pairs are unique; when the last pending
// dependency of a parent leaves the pending state, the parent is woken
// exactly once.
type Dependency struct {
	ParentRunID string           `json:"parent_run_id"`
	ChildRunID  string           `json:"child_run_id"`
	ToolCallID  string           `json:"tool_call_id"`
	Role        string           `json:"role"`
	Goal        string           `json:"goal"`
	Status      DependencyStatus `json:"status"`
	Result      string           `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
}
