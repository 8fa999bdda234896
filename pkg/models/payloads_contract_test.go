package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests pin the JSON field names of event payloads. Clients and the
// export format depend on them; a failure here means a breaking wire change.

func marshalKeys(t *testing.T, v any) map[string]json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestEventEnvelopeContract(t *testing.T) {
	e := NewEvent("sess", "run_1", EventToolResult, nil)
	e.AgentID = "agent"
	e.StepID = FormatStepID(3)
	e.ParentSpanID = "span_parent"

	m := marshalKeys(t, e)
	for _, key := range []string{"v", "ts", "session_key", "run_id", "agent_id", "step_id", "span_id", "parent_span_id", "redaction", "type"} {
		assert.Contains(t, m, key)
	}

	var red struct {
		ContainsSecrets bool `json:"contains_secrets"`
	}
	require.NoError(t, json.Unmarshal(m["redaction"], &red))
}

func TestToolResultPayloadContract(t *testing.T) {
	m := marshalKeys(t, ToolResultPayload{ToolCallID: "call_1", Name: "read", Success: true, DurationMS: 12})
	assert.Contains(t, m, "tool_call_id")
	assert.Contains(t, m, "name")
	assert.Contains(t, m, "success")
	assert.Contains(t, m, "duration_ms")
	assert.NotContains(t, m, "error", "error is omitted when empty")
}

func TestLLMCalledPayloadContract(t *testing.T) {
	m := marshalKeys(t, LLMCalledPayload{Provider: "openai", Model: "gpt", PromptTokens: 1, CompletionTokens: 2, DurationMS: 3})
	for _, key := range []string{"provider", "model", "prompt_tokens", "completion_tokens", "duration_ms"} {
		assert.Contains(t, m, key)
	}
}

func TestRunSuspendedPayloadContract(t *testing.T) {
	m := marshalKeys(t, RunSuspendedPayload{ToolCallID: "call_9", ChildRunIDs: []string{"run_a"}})
	assert.Contains(t, m, "tool_call_id")
	assert.Contains(t, m, "child_run_ids")
	assert.NotContains(t, m, "approval")
}

func TestPayloadMapRoundTrip(t *testing.T) {
	m := PayloadMap(StepPayload{StepNumber: 4, ToolCalls: 2})
	assert.Equal(t, float64(4), m["step_number"])
	assert.Equal(t, float64(2), m["tool_calls"])
}
