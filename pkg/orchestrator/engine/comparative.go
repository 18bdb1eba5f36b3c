package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dimesh-project/dim/pkg/types"
)

// Comparative runs config.ModelIDs concurrently on a single node
// (model-parallel) and reaches a consensus output across them.
type Comparative struct{}

func (c *Comparative) ValidateSpec(spec types.JobSpec) error {
	cfg := spec.Config
	if cfg.NodeID == "" {
		return fmt.Errorf("comparative requires a node_id")
	}
	if len(cfg.ModelIDs) < 2 {
		return fmt.Errorf("comparative requires at least 2 model_ids")
	}
	return nil
}

func (c *Comparative) Execute(ctx context.Context, jobID string, spec types.JobSpec, caller NodeCaller) ([]SubResult, error) {
	nodeID := spec.Config.NodeID
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	results := make([]SubResult, len(spec.Config.ModelIDs))
	var wg sync.WaitGroup
	for i, modelID := range spec.Config.ModelIDs {
		wg.Add(1)
		go func(i int, modelID string) {
			defer wg.Done()
			subCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			subSpec := types.JobSpec{
				JobID:   fmt.Sprintf("%s-%s", jobID, modelID),
				Pattern: types.PatternComparative,
				Config:  types.JobConfig{ModelID: modelID},
				Timeout: timeout,
			}
			output, err := caller.SubmitAndAwait(subCtx, nodeID, subSpec)
			results[i] = SubResult{NodeID: nodeID, ModelID: modelID, Output: output, Err: err}
		}(i, modelID)
	}
	wg.Wait()

	successes := make([]SubResult, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			successes = append(successes, r)
		}
	}
	if len(successes) == 0 {
		return nil, fmt.Errorf("comparative job %s: all %d models failed", jobID, len(results))
	}
	return successes, nil
}

func (c *Comparative) Aggregate(jobID string, results []SubResult, spec types.JobSpec) (types.Result, error) {
	method := spec.Config.Consensus.Method
	if method == "" {
		method = "majority_vote"
	}
	minAgreement := spec.Config.Consensus.MinAgreement

	votes := make(map[string]int)
	for _, r := range results {
		votes[fmt.Sprintf("%v", r.Output["value"])]++
	}

	plurality, pluralityCount := pluralityVote(votes)
	agreement := float64(pluralityCount) / float64(len(results))

	perModel := make([]map[string]any, len(results))
	for i, r := range results {
		perModel[i] = map[string]any{"model_id": r.ModelID, "output": r.Output}
	}

	output := map[string]any{
		"method":          method,
		"agreement_level": agreement,
		"consensus_value": plurality,
		"per_model_results": perModel,
	}
	if minAgreement > 0 && agreement < minAgreement {
		output["fallback"] = "expert_review"
	}

	return types.Result{
		JobID:   jobID,
		Pattern: types.PatternComparative,
		Output:  output,
	}, nil
}

func pluralityVote(votes map[string]int) (string, int) {
	var best string
	var bestCount int
	for v, c := range votes {
		if c > bestCount {
			best, bestCount = v, c
		}
	}
	return best, bestCount
}
