package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/model"
	"github.com/sopforge/orchestrator/skill"
)

type fakeClient struct {
	responses []string
	calls     int
}

func (f *fakeClient) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	resp := f.responses[f.calls]
	if f.calls < len(f.responses)-1 {
		f.calls++
	}
	return model.Response{Text: resp}, nil
}

func newRegistry(name string, c model.Client) *model.Registry {
	reg := model.NewRegistry()
	reg.Register(name, c)
	return reg
}

func TestExecuteMapsProducesFromStructuredOutput(t *testing.T) {
	sk := &skill.Skill{Name: "sum", Requires: []string{"x", "y"}, Produces: []string{"sum"}, LLMModel: "claude"}
	client := &fakeClient{responses: []string{`{"sum": 5}`}}
	e := New(newRegistry("claude", client))

	out, err := e.Execute(context.Background(), sk, map[string]any{"x": 2, "y": 3}, map[string]any{"sop": "add the numbers"})
	require.NoError(t, err)
	require.Equal(t, float64(5), out["sum"])
}

func TestExecuteUnescapesDotKeysFromSchema(t *testing.T) {
	sk := &skill.Skill{Name: "extract", Requires: []string{"doc"}, Produces: []string{"result.value"}, LLMModel: "claude"}
	client := &fakeClient{responses: []string{`{"result__value": 42}`}}
	e := New(newRegistry("claude", client))

	out, err := e.Execute(context.Background(), sk, map[string]any{"doc": "x"}, nil)
	require.NoError(t, err)
	require.Equal(t, float64(42), out["result.value"])
}

func TestExecuteRetriesOnceOnMalformedJSON(t *testing.T) {
	sk := &skill.Skill{Name: "sum", Requires: []string{"x"}, Produces: []string{"sum"}, LLMModel: "claude"}
	client := &fakeClient{responses: []string{"not json", `{"sum": 1}`}}
	e := New(newRegistry("claude", client))

	out, err := e.Execute(context.Background(), sk, map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, float64(1), out["sum"])
}

func TestExecuteFailsOnUnknownModel(t *testing.T) {
	sk := &skill.Skill{Name: "sum", Requires: []string{"x"}, Produces: []string{"sum"}, LLMModel: "missing"}
	e := New(model.NewRegistry())

	_, err := e.Execute(context.Background(), sk, map[string]any{"x": 1}, nil)
	require.Error(t, err)
}

func TestExecuteFailsWhenRequiredInputMissing(t *testing.T) {
	sk := &skill.Skill{Name: "sum", Requires: []string{"x", "y"}, Produces: []string{"sum"}, LLMModel: "claude"}
	e := New(newRegistry("claude", &fakeClient{responses: []string{`{"sum":1}`}}))

	_, err := e.Execute(context.Background(), sk, map[string]any{"x": 1}, nil)
	require.Error(t, err)
}
