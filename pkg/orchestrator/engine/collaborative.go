package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dimesh-project/dim/pkg/types"
)

// Collaborative runs the same model on each of config.Nodes' own data
// (data-parallel), then aggregates. Grounded on the original
// CollaborativeEngine: fan out, gather with partial-failure tolerance,
// aggregate by configured method.
type Collaborative struct{}

func (c *Collaborative) ValidateSpec(spec types.JobSpec) error {
	cfg := spec.Config
	if cfg.ModelID == "" {
		return fmt.Errorf("collaborative requires config.model_id")
	}
	if len(cfg.Nodes) < 2 {
		return fmt.Errorf("collaborative requires at least 2 nodes")
	}
	return nil
}

func (c *Collaborative) Execute(ctx context.Context, jobID string, spec types.JobSpec, caller NodeCaller) ([]SubResult, error) {
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	results := make([]SubResult, len(spec.Config.Nodes))
	var wg sync.WaitGroup
	for i, nodeID := range spec.Config.Nodes {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			subCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			subSpec := types.JobSpec{
				JobID:   fmt.Sprintf("%s-%s", jobID, nodeID),
				Pattern: types.PatternCollaborative,
				Config: types.JobConfig{
					ModelID:          spec.Config.ModelID,
					DataRequirements: spec.Config.DataRequirements,
				},
				Timeout: timeout,
			}
			output, err := caller.SubmitAndAwait(subCtx, nodeID, subSpec)
			results[i] = SubResult{NodeID: nodeID, Output: output, Err: err}
		}(i, nodeID)
	}
	wg.Wait()

	successes := make([]SubResult, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			successes = append(successes, r)
		}
	}
	if len(successes) == 0 {
		return nil, fmt.Errorf("collaborative job %s: all %d nodes failed", jobID, len(results))
	}
	return successes, nil
}

func (c *Collaborative) Aggregate(jobID string, results []SubResult, spec types.JobSpec) (types.Result, error) {
	method := spec.Config.Aggregation.Method
	if method == "" {
		method = "federated_averaging"
	}

	agg, err := aggregate(method, results)
	if err != nil {
		return types.Result{}, err
	}

	nodesUsed := make([]string, len(results))
	for i, r := range results {
		nodesUsed[i] = r.NodeID
	}

	return types.Result{
		JobID:     jobID,
		Pattern:   types.PatternCollaborative,
		Output:    agg,
		NodesUsed: nodesUsed,
	}, nil
}
