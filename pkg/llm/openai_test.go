package llm

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/models"
)

type stubChatClient struct {
	lastRequest openai.ChatCompletionRequest
	resp        openai.ChatCompletionResponse
	err         error
}

func (s *stubChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastRequest = req
	return s.resp, s.err
}

func TestOpenAICompleteText(t *testing.T) {
	stub := &stubChatClient{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "hello back"}},
			},
			Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 4},
		},
	}
	client := NewOpenAIClientWith(stub, "gpt-4o-mini")

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []models.Message{
			models.SystemMessage("you are terse"),
			models.UserMessage("hello"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Content)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)

	require.Len(t, stub.lastRequest.Messages, 2)
	assert.Equal(t, "system", stub.lastRequest.Messages[0].Role)
	assert.Equal(t, "gpt-4o-mini", stub.lastRequest.Model, "default model used when request has none")
}

func TestOpenAICompleteToolCalls(t *testing.T) {
	stub := &stubChatClient{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{
					Role: "assistant",
					ToolCalls: []openai.ToolCall{
						{
							ID:   "call_1",
							Type: openai.ToolTypeFunction,
							Function: openai.FunctionCall{
								Name:      "search",
								Arguments: `{"query":"weather"}`,
							},
						},
					},
				}},
			},
		},
	}
	client := NewOpenAIClientWith(stub, "gpt-4o-mini")

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []models.Message{models.UserMessage("weather?")},
		Tools: []models.ToolDefinition{{
			Name:        "search",
			Description: "web search",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"query": "weather"}, resp.ToolCalls[0].Parameters)

	require.Len(t, stub.lastRequest.Tools, 1)
	assert.Equal(t, "search", stub.lastRequest.Tools[0].Function.Name)
}

func TestOpenAICompleteMalformedArguments(t *testing.T) {
	stub := &stubChatClient{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{
					Role: "assistant",
					ToolCalls: []openai.ToolCall{{
						ID:       "call_1",
						Type:     openai.ToolTypeFunction,
						Function: openai.FunctionCall{Name: "search", Arguments: `{"broken`},
					}},
				}},
			},
		},
	}
	client := NewOpenAIClientWith(stub, "gpt-4o-mini")

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []models.Message{models.UserMessage("x")},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, map[string]any{"raw": `{"broken`}, resp.ToolCalls[0].Parameters)
}

func TestOpenAIEncodesToolHistory(t *testing.T) {
	stub := &stubChatClient{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "done"}},
			},
		},
	}
	client := NewOpenAIClientWith(stub, "gpt-4o-mini")

	_, err := client.Complete(context.Background(), &Request{
		Messages: []models.Message{
			models.UserMessage("go"),
			models.AssistantMessage("", models.ToolCall{
				ID: "call_1", Name: "search", Parameters: map[string]any{"query": "x"},
			}),
			models.ToolMessage("call_1", `{"hits":3}`),
		},
	})
	require.NoError(t, err)

	require.Len(t, stub.lastRequest.Messages, 3)
	assistant := stub.lastRequest.Messages[1]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"x"}`, assistant.ToolCalls[0].Function.Arguments)

	toolMsg := stub.lastRequest.Messages[2]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
}

func TestOpenAICompleteAPIError(t *testing.T) {
	stub := &stubChatClient{
		err: &openai.APIError{HTTPStatusCode: 429, Message: "rate limited"},
	}
	client := NewOpenAIClientWith(stub, "gpt-4o-mini")

	_, err := client.Complete(context.Background(), &Request{
		Messages: []models.Message{models.UserMessage("x")},
	})
	require.Error(t, err)

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, "openai", llmErr.Provider)
	assert.Equal(t, 429, llmErr.HTTPStatus())
}

func TestOpenAICompleteTransportError(t *testing.T) {
	stub := &stubChatClient{err: errors.New("connection refused")}
	client := NewOpenAIClientWith(stub, "gpt-4o-mini")

	_, err := client.Complete(context.Background(), &Request{
		Messages: []models.Message{models.UserMessage("x")},
	})
	require.Error(t, err)

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Zero(t, llmErr.HTTPStatus())
	assert.Contains(t, llmErr.Error(), "connection refused")
}

func TestOpenAICompleteRequiresMessages(t *testing.T) {
	client := NewOpenAIClientWith(&stubChatClient{}, "gpt-4o-mini")
	_, err := client.Complete(context.Background(), &Request{})
	require.Error(t, err)
}
