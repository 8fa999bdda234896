package models

import "encoding/json"

// Typed payloads for the canonical event types. Events carry payloads as
// generic maps on the wire; these structs pin the field names producers use.
// payloads_contract_test.go guards the JSON shape.

// RunLifecyclePayload is the payload for run.* lifecycle events.
type RunLifecyclePayload struct {
	Status  string `json:"status"`            // pending, running, suspended, ...
	Reason  string `json:"reason,omitempty"`  // human-readable cause
	Code    string `json:"code,omitempty"`    // machine error code (run.failed)
	Message string `json:"message,omitempty"` // error message (run.failed)
}

// RunSuspendedPayload is the payload for run.suspended events.
type RunSuspendedPayload struct {
	ToolCallID  string   `json:"tool_call_id"`            // triggering call
	ChildRunIDs []string `json:"child_run_ids,omitempty"` // dispatched children
	Approval    bool     `json:"approval,omitempty"`      // human-in-the-loop wait
}

// StepPayload is the payload for step.started / step.completed events.
type StepPayload struct {
	StepNumber int `json:"step_number"`
	ToolCalls  int `json:"tool_calls,omitempty"` // calls issued this step
}

// StepRetriedPayload is the payload for step.retried events.
type StepRetriedPayload struct {
	StepNumber int    `json:"step_number"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

// LLMCalledPayload is the payload for llm.called events.
type LLMCalledPayload struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	DurationMS       int64  `json:"duration_ms"`
}

// LLMTokenPayload is the payload for llm.token events (disabled by default).
type LLMTokenPayload struct {
	Delta string `json:"delta"`
}

// ToolCalledPayload is the payload for tool.called events.
type ToolCalledPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ToolResultPayload is the payload for tool.result events.
type ToolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// DecisionPayload is the payload for message.decision events.
type DecisionPayload struct {
	Decision string `json:"decision"` // e.g. "final_answer", "tool_calls"
	Detail   string `json:"detail,omitempty"`
}

// PayloadMap converts a typed payload struct to the generic map form events
// carry on the wire.
func PayloadMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
