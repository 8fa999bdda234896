package llm

import (
	"context"
	"encoding/json"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomworks/loom/pkg/models"
)

// defaultAnthropicMaxTokens caps completions when the request does not
// specify a limit; the Messages API requires an explicit value.
const defaultAnthropicMaxTokens = 4096

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. Satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client via the Anthropic Messages API.
type AnthropicClient struct {
	msg   MessagesClient
	model string
}

// NewAnthropicClient builds an Anthropic-backed client.
func NewAnthropicClient(apiKey, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &ac.Messages, model: defaultModel}, nil
}

// NewAnthropicClientWith builds a client around an existing MessagesClient (tests).
func NewAnthropicClientWith(msg MessagesClient, defaultModel string) *AnthropicClient {
	return &AnthropicClient{msg: msg, model: defaultModel}
}

func (c *AnthropicClient) Provider() string { return "anthropic" }
func (c *AnthropicClient) Model() string    { return c.model }

// Complete issues one Messages.New request.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, &Error{Provider: "anthropic", Message: "messages are required"}
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	conversation, system := encodeAnthropicMessages(req.Messages)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools := encodeAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}
	return translateAnthropicResponse(msg), nil
}

// encodeAnthropicMessages splits the conversation into the system blocks and
// the user/assistant turns the Messages API expects. Tool-role messages
// become tool_result blocks on a user turn; assistant tool calls become
// tool_use blocks.
func encodeAnthropicMessages(msgs []models.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	var conversation []sdk.MessageParam
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case models.RoleUser:
			if m.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case models.RoleAssistant:
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Parameters, tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case models.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	return conversation, system
}

func encodeAnthropicTools(defs []models.ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if def.Parameters != nil {
			schema.ExtraFields = def.Parameters
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools
}

func translateAnthropicResponse(msg *sdk.Message) *Response {
	out := &Response{
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			params := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &params); err != nil {
					params = map[string]any{"raw": string(block.Input)}
				}
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:         block.ID,
				Name:       block.Name,
				Parameters: params,
			})
		}
	}
	return out
}

func wrapAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			Message:    "messages.new: " + apiErr.Error(),
			Err:        err,
		}
	}
	return &Error{Provider: "anthropic", Message: "messages.new: " + err.Error(), Err: err}
}
