// Package llm implements the LLM executor kind (spec §4.3.1): it builds a
// message list carrying the SOP and the rendered input context, asks the
// model for structured output conforming to a schema derived from the
// skill's produces ∪ optional_produces, and maps the parsed result back
// onto the produces contract.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sopforge/orchestrator/executor"
	"github.com/sopforge/orchestrator/model"
	"github.com/sopforge/orchestrator/skill"
)

// hardSystemRule is prepended to every request regardless of the skill's
// own system prompt (spec §4.3.1).
const hardSystemRule = "Do not call tools unless explicitly instructed."

// Executor implements executor.Executor for skill.ExecutorLLM skills.
type Executor struct {
	registry *model.Registry
}

// New builds an LLM executor bound to a model registry (spec §4.6's
// "validate the LLM model against the model registry" uses the same
// registry at run-start time).
func New(registry *model.Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute implements executor.Executor.
func (e *Executor) Execute(ctx context.Context, sk *skill.Skill, input map[string]any, state map[string]any) (map[string]any, error) {
	if err := executor.CheckRequires(sk, input); err != nil {
		return nil, err
	}
	client, err := e.registry.Resolve(sk.LLMModel)
	if err != nil {
		return nil, fmt.Errorf("llm executor: %w", err)
	}

	schema, escaped, err := buildSchema(sk)
	if err != nil {
		return nil, fmt.Errorf("llm executor: build schema: %w", err)
	}

	sop, _ := state["sop"].(string)
	userMessage := renderUserMessage(sop, input)

	req := model.Request{
		Model:        sk.LLMModel,
		SystemPrompt: strings.TrimSpace(hardSystemRule + "\n" + sk.SystemPrompt),
		Messages:     []model.Message{{Role: model.RoleUser, Text: userMessage}},
		Schema:       schema,
	}

	resp, err := e.complete(ctx, client, req)
	if err != nil {
		return nil, fmt.Errorf("llm executor: skill %q: %w", sk.Name, err)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		// One bounded self-correction round: ask again with the parse
		// error appended, per the teacher's RetryHint idiom adapted to
		// structured-output repair (SPEC_FULL.md §10).
		req.Messages = append(req.Messages, model.Message{Role: model.RoleAssistant, Text: resp.Text})
		req.Messages = append(req.Messages, model.Message{
			Role: model.RoleUser,
			Text: fmt.Sprintf("Your previous response was not valid JSON (%v). Reply with only the JSON object.", err),
		})
		resp, err = e.complete(ctx, client, req)
		if err != nil {
			return nil, fmt.Errorf("llm executor: skill %q retry: %w", sk.Name, err)
		}
		if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
			return nil, fmt.Errorf("llm executor: skill %q: model did not return valid JSON after retry: %w", sk.Name, err)
		}
	}

	unescape(parsed, escaped)
	return executor.MapProduces(sk, parsed, nil)
}

func (e *Executor) complete(ctx context.Context, client model.Client, req model.Request) (model.Response, error) {
	return client.Complete(ctx, req)
}

// buildSchema derives a JSON Schema document from produces ∪
// optional_produces, escaping dot-bearing keys (spec §9 "Structured
// output for LLMs": a.b → a__b) since JSON Schema property names are
// plain object keys, not dot-paths. Returns the escaped→original key map
// so the result can be un-escaped after parsing.
func buildSchema(sk *skill.Skill) (map[string]any, map[string]string, error) {
	props := make(map[string]any)
	var required []string
	escaped := make(map[string]string)
	for _, key := range sk.Produces {
		esc := escapeKey(key)
		escaped[esc] = key
		props[esc] = map[string]any{"type": []string{"string", "number", "boolean", "object", "array", "null"}}
		required = append(required, esc)
	}
	for _, key := range sk.OptionalProduces {
		esc := escapeKey(key)
		escaped[esc] = key
		props[esc] = map[string]any{"type": []string{"string", "number", "boolean", "object", "array", "null"}}
	}
	document := map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": true,
	}
	// Validate the schema compiles, catching malformed produces/optional
	// produces sets early rather than at the provider boundary.
	raw, err := json.Marshal(document)
	if err != nil {
		return nil, nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", mustUnmarshal(raw)); err != nil {
		return nil, nil, err
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return nil, nil, err
	}
	return document, escaped, nil
}

func mustUnmarshal(raw []byte) any {
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

func escapeKey(key string) string {
	return strings.ReplaceAll(key, ".", "__")
}

func unescape(parsed map[string]any, escaped map[string]string) {
	for esc, orig := range escaped {
		if orig == esc {
			continue
		}
		if v, ok := parsed[esc]; ok {
			parsed[orig] = v
			delete(parsed, esc)
		}
	}
}

func renderUserMessage(sop string, input map[string]any) string {
	encoded, _ := json.MarshalIndent(input, "", "  ")
	return fmt.Sprintf("SOP:\n%s\n\nInput context:\n%s", sop, string(encoded))
}
