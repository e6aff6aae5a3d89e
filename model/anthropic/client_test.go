package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/model"
)

var errBoom = errors.New("boom")

type fakeMessages struct {
	gotParams sdk.MessageNewParams
	resp      *sdk.Message
	err       error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.gotParams = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestNewRejectsMissingMessagesClient(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "claude-sonnet-4-5"})
	require.Error(t, err)
}

func TestNewRejectsMissingDefaultModel(t *testing.T) {
	_, err := New(&fakeMessages{}, Options{})
	require.Error(t, err)
}

func TestCompleteUsesDefaultModelAndMaxTokens(t *testing.T) {
	fake := &fakeMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "hello"}},
		Usage:   sdk.Usage{InputTokens: 3, OutputTokens: 5},
	}}
	c, err := New(fake, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 2048})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Equal(t, 3, resp.Usage.InputTokens)
	require.Equal(t, 5, resp.Usage.OutputTokens)
	require.Equal(t, sdk.Model("claude-sonnet-4-5"), fake.gotParams.Model)
	require.EqualValues(t, 2048, fake.gotParams.MaxTokens)
}

func TestCompleteAppendsSchemaInstructionToSystem(t *testing.T) {
	fake := &fakeMessages{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "{}"}}}}
	c, err := New(fake, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		SystemPrompt: "be terse",
		Messages:     []model.Message{{Role: model.RoleUser, Text: "hi"}},
		Schema:       map[string]any{"type": "object"},
	})
	require.NoError(t, err)
	require.Len(t, fake.gotParams.System, 2)
	require.Equal(t, "be terse", fake.gotParams.System[0].Text)
	require.Contains(t, fake.gotParams.System[1].Text, `"type":"object"`)
}

func TestCompleteWrapsProviderError(t *testing.T) {
	fake := &fakeMessages{err: errBoom}
	c, err := New(fake, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "hi"}},
	})
	require.Error(t, err)
}
