package openai

import (
	"context"
	"testing"

	openai "github.com/openai/openai-go"
	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/model"
)

type fakeCompletions struct {
	gotParams openai.ChatCompletionNewParams
	resp      *openai.ChatCompletion
}

func (f *fakeCompletions) New(_ context.Context, body openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	f.gotParams = body
	return f.resp, nil
}

func TestNewRejectsMissingDefaultModel(t *testing.T) {
	_, err := New(Options{Completions: &fakeCompletions{}})
	require.Error(t, err)
}

func TestCompleteReturnsFirstChoiceText(t *testing.T) {
	fake := &fakeCompletions{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "hi there"}}},
		Usage:   openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 4},
	}}
	c, err := New(Options{Completions: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Text)
	require.Equal(t, 10, resp.Usage.InputTokens)
	require.Equal(t, openai.ChatModel("gpt-4o"), fake.gotParams.Model)
}

func TestCompleteRequiresMessages(t *testing.T) {
	c, err := New(Options{Completions: &fakeCompletions{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), model.Request{})
	require.Error(t, err)
}
