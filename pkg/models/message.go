package models

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is one tool invocation requested by the LLM. Parameters are the
// raw keyed arguments produced by the model; handlers coerce at the edge.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// Message is one entry in a run's conversation history.
//
// Invariant: every assistant message with tool calls is eventually followed by
// one tool-role message per tool-call id (possibly after a suspension; the
// runner repairs orphans at the resumption boundary).
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`

	// ToolCallID links a tool-role message back to the assistant tool call
	// it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message, with optional tool calls.
func AssistantMessage(content string, toolCalls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// ToolMessage builds a tool-role message answering the given tool call.
func ToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// OrphanedToolCalls returns the tool-call ids of assistant messages that have
// no matching tool-role follow-up anywhere later in the history.
func OrphanedToolCalls(messages []Message) []string {
	answered := make(map[string]bool)
	for _, m := range messages {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	var orphans []string
	for _, m := range messages {
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				orphans = append(orphans, tc.ID)
			}
		}
	}
	return orphans
}
