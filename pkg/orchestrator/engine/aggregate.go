package engine

import (
	"sort"
)

// aggregate resolves Open Question #3: the original implementation left
// aggregation math as a placeholder ('mock_aggregated_result'). This
// defines it concretely for numeric sub-results; non-numeric outputs are
// passed through unaggregated under per_node_results so the caller still
// gets every node's answer even when there's nothing to average.
func aggregate(method string, results []SubResult) (map[string]any, error) {
	values, numeric := extractNumeric(results)

	var output any
	switch method {
	case "federated_averaging", "weighted_average":
		if numeric {
			output = mean(values)
		}
	case "median":
		if numeric {
			output = median(values)
		}
	default:
		if numeric {
			output = mean(values)
		}
	}

	perNode := make([]map[string]any, len(results))
	for i, r := range results {
		perNode[i] = map[string]any{"node_id": r.NodeID, "output": r.Output}
	}

	nodesUsed := make([]string, 0, len(results))
	for _, r := range results {
		if r.NodeID != "" {
			nodesUsed = append(nodesUsed, r.NodeID)
		}
	}

	out := map[string]any{
		"method":           method,
		"node_count":       len(results),
		"nodes_used":       nodesUsed,
		"per_node_results": perNode,
	}
	if numeric {
		out["aggregated_output"] = output
	}
	return out, nil
}

// extractNumeric looks for a conventional "value" field in each
// sub-result's output and reports whether every sub-result carried one.
func extractNumeric(results []SubResult) ([]float64, bool) {
	values := make([]float64, 0, len(results))
	for _, r := range results {
		v, ok := r.Output["value"]
		if !ok {
			return nil, false
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, false
		}
		values = append(values, f)
	}
	return values, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
