package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/querymt/querymt/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDelegateTool(t *testing.T) {
	tl := NewDelegateTool("/tmp", nil)
	assert.NotNil(t, tl)
	assert.Equal(t, "delegate", tl.ID())
	assert.NotEmpty(t, tl.Description())
}

func TestDelegateTool_Parameters(t *testing.T) {
	tl := NewDelegateTool("/tmp", nil)
	params := tl.Parameters()

	var sch map[string]any
	require.NoError(t, json.Unmarshal(params, &sch))

	assert.Equal(t, "object", sch["type"])
	properties := sch["properties"].(map[string]any)
	assert.Contains(t, properties, "description")
	assert.Contains(t, properties, "task")
	assert.Contains(t, properties, "targetAgent")
}

func TestDelegateTool_Execute_MissingDispatcher(t *testing.T) {
	tl := NewDelegateTool("/tmp", agent.NewRegistry())
	input, _ := json.Marshal(DelegateInput{
		Description: "look something up",
		Task:        "find all usages of Foo",
		TargetAgent: "explore",
	})

	result, err := tl.Execute(context.Background(), input, &Context{SessionID: "sess1"})
	require.NoError(t, err)
	assert.Equal(t, "skipped", result.Metadata["status"])
}

func TestDelegateTool_Execute_UnknownTarget(t *testing.T) {
	tl := NewDelegateTool("/tmp", agent.NewRegistry())
	input, _ := json.Marshal(DelegateInput{
		Description: "x",
		Task:        "y",
		TargetAgent: "nope",
	})

	_, err := tl.Execute(context.Background(), input, &Context{SessionID: "sess1"})
	assert.Error(t, err)
}

func TestDelegateTool_Execute_NonDelegableTarget(t *testing.T) {
	tl := NewDelegateTool("/tmp", agent.NewRegistry())
	input, _ := json.Marshal(DelegateInput{
		Description: "x",
		Task:        "y",
		TargetAgent: "build",
	})

	_, err := tl.Execute(context.Background(), input, &Context{SessionID: "sess1"})
	assert.Error(t, err)
}

type fakeDispatcher struct {
	correlationID string
	err           error
}

func (f *fakeDispatcher) RequestDelegation(ctx context.Context, parentSessionID, targetAgent, task string) (string, error) {
	return f.correlationID, f.err
}

func TestDelegateTool_Execute_Dispatches(t *testing.T) {
	tl := NewDelegateTool("/tmp", agent.NewRegistry())
	tl.SetDispatcher(&fakeDispatcher{correlationID: "corr-1"})

	input, _ := json.Marshal(DelegateInput{
		Description: "explore",
		Task:        "find callers",
		TargetAgent: "explore",
	})

	result, err := tl.Execute(context.Background(), input, &Context{SessionID: "sess1"})
	require.NoError(t, err)
	assert.Equal(t, "pending", result.Metadata["status"])
	assert.Equal(t, "corr-1", result.Metadata["correlationID"])
}

func TestDelegateTool_GetAvailableAgents(t *testing.T) {
	tl := NewDelegateTool("/tmp", agent.NewRegistry())
	names := tl.GetAvailableAgents()
	assert.Contains(t, names, "general")
	assert.Contains(t, names, "explore")
}
