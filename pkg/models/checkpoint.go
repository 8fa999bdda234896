package models

import (
	"fmt"
	"time"
)

// Checkpoint is the persisted snapshot of a run's conversation sufficient to
// resume it: the step counter, the full message history, and an opaque
// working-state map owned by the runner.
//
// Invariant: after every completed step the latest checkpoint reflects all
// messages the LLM has seen plus any tool results observed since.
type Checkpoint struct {
	RunID        string         `json:"run_id"`
	AgentID      string         `json:"agent_id"`
	StepNumber   int            `json:"step_number"`
	Messages     []Message      `json:"messages"`
	WorkingState map[string]any `json:"working_state,omitempty"`
	SavedAt      time.Time      `json:"saved_at"`
}

// Validate checks the structural invariants a checkpoint must satisfy before
// it is written to disk.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("checkpoint: run_id is required")
	}
	if c.StepNumber < 0 {
		return fmt.Errorf("checkpoint: step_number must be >= 0, got %d", c.StepNumber)
	}
	for i, m := range c.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("checkpoint: message %d has invalid role %q", i, m.Role)
		}
		if m.Role == RoleTool && m.ToolCallID == "" {
			return fmt.Errorf("checkpoint: tool message %d missing tool_call_id", i)
		}
	}
	return nil
}
