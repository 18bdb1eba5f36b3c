package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dimesh-project/dim/pkg/types"
)

// Chained runs config.Pipeline steps strictly sequentially, each step's
// output feeding the next step's input. rollback_and_retry retries the
// failing step with its original input (invariant #7): a retry never
// sees output mutated by a prior failed attempt.
type Chained struct{}

func (c *Chained) ValidateSpec(spec types.JobSpec) error {
	if len(spec.Config.Pipeline) == 0 {
		return fmt.Errorf("chained requires a non-empty pipeline")
	}
	for i, step := range spec.Config.Pipeline {
		if step.NodeID == "" || step.ModelID == "" {
			return fmt.Errorf("chained pipeline step %d missing node_id or model_id", i)
		}
	}
	return nil
}

func (c *Chained) Execute(ctx context.Context, jobID string, spec types.JobSpec, caller NodeCaller) ([]SubResult, error) {
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	onError := spec.Config.OnError
	if onError == "" {
		onError = "fail_fast"
	}
	maxRetries := spec.Config.MaxRetries
	if onError == "rollback_and_retry" && maxRetries == 0 {
		maxRetries = 1
	}

	results := make([]SubResult, 0, len(spec.Config.Pipeline))
	var carry map[string]any

	for _, step := range spec.Config.Pipeline {
		input := carry
		if step.Input != nil {
			input = make(map[string]any, len(step.Input))
			for k, v := range step.Input {
				input[k] = v
			}
		}

		var result SubResult
		var lastErr error
		attempts := 1
		if onError == "rollback_and_retry" {
			attempts = maxRetries + 1
		}

		for attempt := 0; attempt < attempts; attempt++ {
			subCtx, cancel := context.WithTimeout(ctx, timeout)
			subSpec := types.JobSpec{
				JobID:   fmt.Sprintf("%s-%s", jobID, step.StepID),
				Pattern: types.PatternChained,
				Config:  types.JobConfig{ModelID: step.ModelID, Input: input},
				Timeout: timeout,
			}
			// rollback_and_retry reuses `input` unchanged across attempts —
			// it is only reassigned once per step, after the loop exits.
			output, err := caller.SubmitAndAwait(subCtx, step.NodeID, subSpec)
			cancel()

			result = SubResult{NodeID: step.NodeID, ModelID: step.ModelID, StepID: step.StepID, Output: output, Err: err}
			lastErr = err
			if err == nil {
				break
			}
			// rollback_and_retry: next attempt reuses the same original
			// `input`, never the failed attempt's partial output.
		}

		results = append(results, result)
		if lastErr != nil {
			return results, fmt.Errorf("chained job %s: step %s failed after retries: %w", jobID, step.StepID, lastErr)
		}
		carry = result.Output
	}

	return results, nil
}

// Aggregate surfaces the last step's own output fields directly at the top
// level (callers read a chained result the same way they'd read the last
// step's raw output), plus pipeline_trace (every step's record) and
// steps_completed (how many steps actually ran, including a fail_fast
// job's partial run).
func (c *Chained) Aggregate(jobID string, results []SubResult, spec types.JobSpec) (types.Result, error) {
	trace := make([]map[string]any, len(results))
	for i, r := range results {
		trace[i] = map[string]any{
			"step_id":  r.StepID,
			"node_id":  r.NodeID,
			"model_id": r.ModelID,
			"output":   r.Output,
		}
	}

	output := map[string]any{
		"pipeline_trace":  trace,
		"steps_completed": len(results),
	}
	if len(results) > 0 {
		for k, v := range results[len(results)-1].Output {
			output[k] = v
		}
	}

	nodesUsed := make([]string, len(results))
	for i, r := range results {
		nodesUsed[i] = r.NodeID
	}

	return types.Result{
		JobID:     jobID,
		Pattern:   types.PatternChained,
		Output:    output,
		NodesUsed: nodesUsed,
	}, nil
}
