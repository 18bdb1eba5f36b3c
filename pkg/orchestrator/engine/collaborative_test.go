package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimesh-project/dim/pkg/types"
)

type fakeCaller struct {
	mu    sync.Mutex
	calls int
	fn    func(nodeID string, spec types.JobSpec) (map[string]any, error)
}

func (f *fakeCaller) SubmitAndAwait(ctx context.Context, nodeID string, spec types.JobSpec) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(nodeID, spec)
}

func TestCollaborativeValidateSpecRequiresModelAndTwoNodes(t *testing.T) {
	c := &Collaborative{}
	assert.Error(t, c.ValidateSpec(types.JobSpec{Config: types.JobConfig{Nodes: []string{"a"}}}))
	assert.Error(t, c.ValidateSpec(types.JobSpec{Config: types.JobConfig{ModelID: "m", Nodes: []string{"a"}}}))
	assert.NoError(t, c.ValidateSpec(types.JobSpec{Config: types.JobConfig{ModelID: "m", Nodes: []string{"a", "b"}}}))
}

func TestCollaborativeExecuteToleratesPartialFailure(t *testing.T) {
	c := &Collaborative{}
	caller := &fakeCaller{fn: func(nodeID string, spec types.JobSpec) (map[string]any, error) {
		if nodeID == "bad" {
			return nil, fmt.Errorf("node unreachable")
		}
		return map[string]any{"value": 1.0}, nil
	}}

	spec := types.JobSpec{
		Config: types.JobConfig{ModelID: "m", Nodes: []string{"good-1", "bad", "good-2"}},
	}
	results, err := c.Execute(context.Background(), "job-1", spec, caller)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 3, caller.calls)
}

func TestCollaborativeExecuteFailsWhenAllNodesFail(t *testing.T) {
	c := &Collaborative{}
	caller := &fakeCaller{fn: func(nodeID string, spec types.JobSpec) (map[string]any, error) {
		return nil, fmt.Errorf("boom")
	}}
	spec := types.JobSpec{Config: types.JobConfig{ModelID: "m", Nodes: []string{"a", "b"}}}
	_, err := c.Execute(context.Background(), "job-1", spec, caller)
	assert.Error(t, err)
}

func TestCollaborativeAggregateAveragesNumericValues(t *testing.T) {
	c := &Collaborative{}
	results := []SubResult{
		{NodeID: "a", Output: map[string]any{"value": 2.0}},
		{NodeID: "b", Output: map[string]any{"value": 4.0}},
	}
	res, err := c.Aggregate("job-1", results, types.JobSpec{})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Output["aggregated_output"])
	assert.ElementsMatch(t, []string{"a", "b"}, res.NodesUsed)
}
