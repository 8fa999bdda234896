package models

import (
	"fmt"
	"regexp"
	"time"
)

// EventSchemaVersion is the wire version stamped on every event.
const EventSchemaVersion = 1

// EventType discriminates the event union. The set is extensible; unknown
// types round-trip through the log untouched but fail Validate on append.
type EventType string

// Canonical event types.
const (
	EventRunEnqueued  EventType = "run.enqueued"
	EventRunStarted   EventType = "run.started"
	EventRunResumed   EventType = "run.resumed"
	EventRunSuspended EventType = "run.suspended"
	EventRunWaiting   EventType = "run.waiting"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepRetried   EventType = "step.retried"

	EventLLMCalled EventType = "llm.called"
	EventLLMToken  EventType = "llm.token"

	EventToolCalled EventType = "tool.called"
	EventToolResult EventType = "tool.result"

	EventMessageDecision EventType = "message.decision"
)

var knownEventTypes = map[EventType]bool{
	EventRunEnqueued: true, EventRunStarted: true, EventRunResumed: true,
	EventRunSuspended: true, EventRunWaiting: true, EventRunCompleted: true,
	EventRunFailed: true, EventRunCancelled: true,
	EventStepStarted: true, EventStepCompleted: true, EventStepRetried: true,
	EventLLMCalled: true, EventLLMToken: true,
	EventToolCalled: true, EventToolResult: true,
	EventMessageDecision: true,
}

// IsTerminalEvent reports whether the type closes a run's event stream.
func IsTerminalEvent(t EventType) bool {
	return t == EventRunCompleted || t == EventRunFailed
}

// Redaction flags whether an event payload may contain secrets and must be
// masked before display.
type Redaction struct {
	ContainsSecrets bool `json:"contains_secrets"`
}

// Event is the schema-versioned record appended to a run's event log.
// The payload shape is determined by Type; see payloads.go for the catalog.
type Event struct {
	V            int            `json:"v"`
	TS           time.Time      `json:"ts"`
	SessionKey   string         `json:"session_key"`
	RunID        string         `json:"run_id"`
	AgentID      string         `json:"agent_id,omitempty"`
	StepID       string         `json:"step_id,omitempty"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Redaction    Redaction      `json:"redaction"`
	Type         EventType      `json:"type"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event with version, timestamp, and span id filled in.
func NewEvent(sessionKey, runID string, t EventType, payload map[string]any) Event {
	return Event{
		V:          EventSchemaVersion,
		TS:         time.Now().UTC(),
		SessionKey: sessionKey,
		RunID:      runID,
		SpanID:     NewSpanID(),
		Type:       t,
		Payload:    payload,
	}
}

// Validate checks the event against the schema. Appends reject invalid
// events with a typed error before anything touches disk.
func (e *Event) Validate() error {
	if e.V != EventSchemaVersion {
		return fmt.Errorf("event: unsupported schema version %d", e.V)
	}
	if e.TS.IsZero() {
		return fmt.Errorf("event: ts is required")
	}
	if e.SessionKey == "" {
		return fmt.Errorf("event: session_key is required")
	}
	if e.RunID == "" {
		return fmt.Errorf("event: run_id is required")
	}
	if e.SpanID == "" {
		return fmt.Errorf("event: span_id is required")
	}
	if !knownEventTypes[e.Type] {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	if e.StepID != "" && !stepIDPattern.MatchString(e.StepID) {
		return fmt.Errorf("event: malformed step_id %q", e.StepID)
	}
	return nil
}

var stepIDPattern = regexp.MustCompile(`^step_\d{4}$`)

// FormatStepID renders a step number as step_NNNN.
func FormatStepID(n int) string {
	return fmt.Sprintf("step_%04d", n)
}

// ValidStepID reports whether s matches the step_NNNN format.
func ValidStepID(s string) bool {
	return stepIDPattern.MatchString(s)
}
