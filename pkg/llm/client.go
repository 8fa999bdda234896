// Package llm defines the minimal abstract LLM client the step loop consumes,
// plus provider implementations for OpenAI and Anthropic. Vendor wire formats
// stay behind this boundary; the runtime only sees messages, tool calls, and
// token usage.
package llm

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/models"
)

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Request is one completion request: the composed conversation plus the tool
// catalog in effect.
type Request struct {
	Messages    []models.Message
	Tools       []models.ToolDefinition
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Response is the provider-agnostic completion result. A response with tool
// calls demands tool execution; one without is a final answer.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
}

// Client is the abstract LLM boundary. Implementations must honor ctx
// cancellation promptly.
type Client interface {
	// Complete issues one completion. Transport and provider failures are
	// returned as *Error so the retry classifier can read the HTTP status.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Provider returns the provider name for event payloads.
	Provider() string

	// Model returns the default model identifier.
	Model() string
}

// Error is a transport or provider failure, carrying the HTTP status when
// one exists. It implements retry.HTTPStatusCarrier.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error   { return e.Err }
func (e *Error) HTTPStatus() int { return e.StatusCode }

// EstimateTokens approximates the token count of a message list. No
// tokenizer dependency: the chars/4 heuristic is close enough for budget
// decisions, which only need relative accuracy.
func EstimateTokens(messages []models.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 32
		}
	}
	return chars / 4
}
