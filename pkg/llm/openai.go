package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomworks/loom/pkg/models"
)

// ChatClient captures the subset of the go-openai client used by the adapter,
// so tests can substitute a mock.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient implements Client via the OpenAI Chat Completions API.
type OpenAIClient struct {
	chat  ChatClient
	model string
}

// NewOpenAIClient builds an OpenAI-backed client.
func NewOpenAIClient(apiKey, defaultModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if defaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &OpenAIClient{chat: openai.NewClient(apiKey), model: defaultModel}, nil
}

// NewOpenAIClientWith builds a client around an existing ChatClient (tests).
func NewOpenAIClientWith(chat ChatClient, defaultModel string) *OpenAIClient {
	return &OpenAIClient{chat: chat, model: defaultModel}
}

func (c *OpenAIClient) Provider() string { return "openai" }
func (c *OpenAIClient) Model() string    { return c.model }

// Complete issues one chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, &Error{Provider: "openai", Message: "messages are required"}
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	request := openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: encodeOpenAIMessages(req.Messages),
		Tools:    encodeOpenAITools(req.Tools),
	}
	if req.Temperature != nil {
		request.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}

	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	return translateOpenAIResponse(resp), nil
}

func encodeOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		if m.Role == models.RoleTool {
			cm.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Parameters)
			if err != nil {
				args = []byte("{}")
			}
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func encodeOpenAITools(defs []models.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.Parameters)
		if err != nil {
			continue
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools
}

func translateOpenAIResponse(resp openai.ChatCompletionResponse) *Response {
	out := &Response{
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	msg := resp.Choices[0].Message
	out.Content = msg.Content
	for _, call := range msg.ToolCalls {
		params := map[string]any{}
		if call.Function.Arguments != "" {
			// Malformed arguments surface as a raw string so the tool layer
			// can reject them with a validation error instead of dropping
			// the call silently.
			if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
				params = map[string]any{"raw": call.Function.Arguments}
			}
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:         call.ID,
			Name:       call.Function.Name,
			Parameters: params,
		})
	}
	return out
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:   "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Message:    fmt.Sprintf("chat completion: %v", apiErr.Message),
			Err:        err,
		}
	}
	return &Error{Provider: "openai", Message: fmt.Sprintf("chat completion: %v", err), Err: err}
}
