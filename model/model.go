// Package model defines the provider-agnostic chat-completion contract used
// by the LLM executor (spec §4.3.1). Provider adapters (model/anthropic,
// model/bedrock, model/openai) implement Client against their own SDKs.
package model

import (
	"context"
	"errors"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in the conversation sent to the model.
type Message struct {
	Role Role
	Text string
}

// Request is a single completion request. When Schema is non-nil, the
// provider is asked for structured JSON output validated against it (the
// LLM executor uses this to bind a skill's produces contract directly to
// the model response, spec §4.3.1).
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	// Schema is a JSON Schema document (as a decoded map), forcing the
	// provider to emit an object matching the skill's produces contract.
	Schema map[string]any
	MaxTokens   int
	Temperature float64
}

// Usage reports token accounting for a completion, surfaced to telemetry
// (spec §4.3.1 executor metrics).
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a completed, non-streaming model turn.
type Response struct {
	Text  string
	Usage Usage
}

// Client is the provider-agnostic chat-completion contract. Implementations
// must be safe for concurrent use.
type Client interface {
	// Complete performs a single request/response completion.
	Complete(ctx context.Context, req Request) (Response, error)
}

// ErrUnsupportedSchema is returned by adapters that cannot honor a
// structured-output Schema request.
var ErrUnsupportedSchema = errors.New("model: provider does not support structured output schema")
