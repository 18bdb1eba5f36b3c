// Package selector implements node selection: filter by eligibility, sort
// by reputation, reputation-weighted sample without replacement, then
// deterministically top up from the sorted prefix if sampling came up
// short — grounded on the original implementation's node_selector.py
// weighted_random_selection, reworked into math/rand/v2 weighted picks.
package selector

import (
	"math/rand/v2"
	"sort"

	"github.com/dimesh-project/dim/pkg/types"
)

type Config struct {
	MinReputation float64
}

// Requirements narrows the eligible pool before weighted sampling.
type Requirements struct {
	Count      int
	DataTypes  []string
	Location   string
}

// Select returns up to req.Count nodes, preferring higher reputation but
// not restricted to only the single highest, per spec.md §4.9.
func Select(nodes []types.NodeInfo, req Requirements, cfg Config, rng *rand.Rand) []types.NodeInfo {
	eligible := filter(nodes, req, cfg)
	sortByReputationDesc(eligible)

	if len(eligible) <= req.Count {
		return eligible
	}

	picked := weightedSampleWithoutReplacement(eligible, req.Count, rng)
	if len(picked) < req.Count {
		picked = topUp(picked, eligible, req.Count)
	}
	return picked
}

func filter(nodes []types.NodeInfo, req Requirements, cfg Config) []types.NodeInfo {
	out := make([]types.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != types.NodeActive {
			continue
		}
		if n.Reputation < cfg.MinReputation {
			continue
		}
		if len(req.DataTypes) > 0 && !hasAny(n.DataTypes, req.DataTypes) {
			continue
		}
		if req.Location != "" && n.Location != req.Location {
			continue
		}
		out = append(out, n)
	}
	return out
}

func hasAny(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if set[w] {
			return true
		}
	}
	return false
}

func sortByReputationDesc(nodes []types.NodeInfo) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Reputation != nodes[j].Reputation {
			return nodes[i].Reputation > nodes[j].Reputation
		}
		return nodes[i].NodeID < nodes[j].NodeID // deterministic tie-break
	})
}

// weightedSampleWithoutReplacement draws count distinct nodes, weighted
// by reputation. Nodes with zero reputation get a small floor weight so
// they remain selectable, matching random.choices' behavior on an
// all-zero weight vector being otherwise undefined.
func weightedSampleWithoutReplacement(nodes []types.NodeInfo, count int, rng *rand.Rand) []types.NodeInfo {
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	pool := append([]types.NodeInfo(nil), nodes...)
	picked := make([]types.NodeInfo, 0, count)

	for len(picked) < count && len(pool) > 0 {
		total := 0.0
		weights := make([]float64, len(pool))
		for i, n := range pool {
			w := n.Reputation
			if w <= 0 {
				w = 0.01
			}
			weights[i] = w
			total += w
		}
		r := rng.Float64() * total
		idx := 0
		cum := 0.0
		for i, w := range weights {
			cum += w
			if r <= cum {
				idx = i
				break
			}
		}
		picked = append(picked, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return picked
}

// topUp fills out picked to count by walking the reputation-sorted
// prefix of eligible in order, skipping anything already picked. This is
// deterministic given the same eligible/picked inputs.
func topUp(picked, eligible []types.NodeInfo, count int) []types.NodeInfo {
	already := make(map[string]bool, len(picked))
	for _, p := range picked {
		already[p.NodeID] = true
	}
	for _, n := range eligible {
		if len(picked) >= count {
			break
		}
		if already[n.NodeID] {
			continue
		}
		picked = append(picked, n)
		already[n.NodeID] = true
	}
	return picked
}
