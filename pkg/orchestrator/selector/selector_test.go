package selector

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dimesh-project/dim/pkg/types"
)

func node(id string, rep float64, status types.NodeStatus) types.NodeInfo {
	return types.NodeInfo{NodeID: id, Reputation: rep, Status: status}
}

func TestSelectExcludesInactiveAndLowReputation(t *testing.T) {
	nodes := []types.NodeInfo{
		node("a", 0.9, types.NodeActive),
		node("b", 0.9, types.NodeInactive),
		node("c", 0.1, types.NodeActive),
	}
	cfg := Config{MinReputation: 0.3}

	picked := Select(nodes, Requirements{Count: 3}, cfg, rand.New(rand.NewPCG(1, 1)))

	ids := idSet(picked)
	assert.True(t, ids["a"])
	assert.False(t, ids["b"])
	assert.False(t, ids["c"])
}

func TestSelectReturnsAllWhenEligibleBelowCount(t *testing.T) {
	nodes := []types.NodeInfo{
		node("a", 0.9, types.NodeActive),
		node("b", 0.5, types.NodeActive),
	}
	picked := Select(nodes, Requirements{Count: 5}, Config{}, rand.New(rand.NewPCG(1, 1)))
	assert.Len(t, picked, 2)
}

func TestSelectTopsUpDeterministicallyWhenSamplingComesUpShort(t *testing.T) {
	nodes := []types.NodeInfo{
		node("a", 1.0, types.NodeActive),
		node("b", 0.8, types.NodeActive),
		node("c", 0.6, types.NodeActive),
		node("d", 0.4, types.NodeActive),
	}
	picked := topUp(nil, nodes, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"}, idsInOrder(picked))
}

func TestSelectRespectsDataTypeFilter(t *testing.T) {
	nodes := []types.NodeInfo{
		{NodeID: "gpu-node", Reputation: 0.5, Status: types.NodeActive, DataTypes: []string{"image"}},
		{NodeID: "cpu-node", Reputation: 0.9, Status: types.NodeActive, DataTypes: []string{"text"}},
	}
	picked := Select(nodes, Requirements{Count: 1, DataTypes: []string{"image"}}, Config{}, rand.New(rand.NewPCG(1, 1)))

	require := assert.New(t)
	require.Len(picked, 1)
	require.Equal("gpu-node", picked[0].NodeID)
}

func idSet(nodes []types.NodeInfo) map[string]bool {
	out := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		out[n.NodeID] = true
	}
	return out
}

func idsInOrder(nodes []types.NodeInfo) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.NodeID
	}
	return out
}
