package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() Event {
	return NewEvent("sess-1", "run_abc", EventRunStarted, map[string]any{"status": "running"})
}

func TestEventValidate(t *testing.T) {
	e := validEvent()
	require.NoError(t, e.Validate())
	assert.Equal(t, EventSchemaVersion, e.V)
	assert.False(t, e.TS.IsZero())
	assert.Regexp(t, `^span_[0-9a-f]{32}$`, e.SpanID)
}

func TestEventValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"wrong version", func(e *Event) { e.V = 2 }},
		{"zero timestamp", func(e *Event) { e.TS = time.Time{} }},
		{"missing session key", func(e *Event) { e.SessionKey = "" }},
		{"missing run id", func(e *Event) { e.RunID = "" }},
		{"missing span id", func(e *Event) { e.SpanID = "" }},
		{"unknown type", func(e *Event) { e.Type = "bogus.event" }},
		{"malformed step id", func(e *Event) { e.StepID = "step-1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestFormatStepID(t *testing.T) {
	assert.Equal(t, "step_0001", FormatStepID(1))
	assert.Equal(t, "step_0042", FormatStepID(42))
	assert.True(t, ValidStepID("step_0007"))
	assert.False(t, ValidStepID("step_7"))
	assert.False(t, ValidStepID("STEP_0007"))
}

func TestOrphanedToolCalls(t *testing.T) {
	history := []Message{
		UserMessage("do things"),
		AssistantMessage("", ToolCall{ID: "call_1", Name: "read"}, ToolCall{ID: "call_2", Name: "write"}),
		ToolMessage("call_1", "ok"),
	}
	assert.Equal(t, []string{"call_2"}, OrphanedToolCalls(history))

	history = append(history, ToolMessage("call_2", "ok"))
	assert.Empty(t, OrphanedToolCalls(history))
}
