// Package openai implements model.Client against the OpenAI Chat Completions
// API via github.com/openai/openai-go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"

	"github.com/sopforge/orchestrator/model"
)

// CompletionsClient captures the subset of the OpenAI SDK used by the
// adapter, matching the real *openai.ChatCompletionService so tests can
// substitute a fake.
type CompletionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Completions  CompletionsClient
	DefaultModel string
	MaxTokens    int
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	completions  CompletionsClient
	defaultModel string
	maxTokens    int
}

// New builds an OpenAI-backed model.Client.
func New(opts Options) (*Client, error) {
	if opts.Completions == nil {
		return nil, errors.New("openai: completions client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{completions: opts.Completions, defaultModel: modelID, maxTokens: opts.MaxTokens}, nil
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Text))
		case model.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Text))
		default:
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.Schema != nil {
		schema, err := json.Marshal(req.Schema)
		if err != nil {
			return model.Response{}, fmt.Errorf("openai: marshal schema: %w", err)
		}
		var schemaMap map[string]any
		if err := json.Unmarshal(schema, &schemaMap); err != nil {
			return model.Response{}, fmt.Errorf("openai: decode schema: %w", err)
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "structured_output",
					Schema: schemaMap,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	resp, err := c.completions.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.Response{}, errors.New("openai: response has no choices")
	}
	return model.Response{
		Text: resp.Choices[0].Message.Content,
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}
