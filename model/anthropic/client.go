// Package anthropic implements model.Client against the Anthropic Claude
// Messages API via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sopforge/orchestrator/model"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, letting tests substitute a fake in place of *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures defaults applied when a model.Request leaves a field
// unset.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds an Anthropic-backed model.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens, temperature: opts.Temperature}, nil
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Text)
		switch m.Role {
		case model.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		default:
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}
	if temperature > 0 {
		params.Temperature = sdk.Float(temperature)
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Schema != nil {
		schemaText, err := renderSchemaInstruction(req.Schema)
		if err != nil {
			return model.Response{}, fmt.Errorf("anthropic: render schema instruction: %w", err)
		}
		params.System = append(params.System, sdk.TextBlockParam{Text: schemaText})
	}

	resp, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic: complete: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			text += block.Text
		}
	}
	return model.Response{
		Text: text,
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// renderSchemaInstruction asks the model to return JSON matching schema by
// appending it to the system prompt; Anthropic's Messages API has no native
// structured-output mode, so this is the idiomatic workaround.
func renderSchemaInstruction(schema map[string]any) (string, error) {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	return "Respond with a single JSON object matching this schema, and nothing else:\n" + string(encoded), nil
}
