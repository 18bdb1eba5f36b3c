package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJobSpecRoundTripsByteIdentical guards invariant #11: decoding and
// re-encoding a JobSpec must not reorder or drop fields. Config uses
// slices rather than maps anywhere ordering matters, so this must hold
// regardless of map iteration order elsewhere in the process.
func TestJobSpecRoundTripsByteIdentical(t *testing.T) {
	original := JobSpec{
		JobID:    "job-1",
		UserID:   "user-1",
		Pattern:  PatternChained,
		Priority: PriorityHigh,
		Config: JobConfig{
			Pipeline: []PipelineStep{
				{StepID: "s1", NodeID: "n1", ModelID: "m1", Input: map[string]string{"k": "v"}},
				{StepID: "s2", NodeID: "n2", ModelID: "m2"},
			},
			OnError:    "rollback_and_retry",
			MaxRetries: 3,
		},
		Timeout:   30 * time.Second,
		MaxCost:   1.5,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	first, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded JobSpec
	require.NoError(t, json.Unmarshal(first, &decoded))

	second, err := json.Marshal(decoded)
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, first, second, "re-encoding a decoded JobSpec must be byte-identical")
}

func TestJobConfigOmitsEmptyFields(t *testing.T) {
	spec := JobSpec{JobID: "job-1", Pattern: PatternCollaborative}
	data, err := json.Marshal(spec)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	config, ok := raw["config"].(map[string]any)
	require.True(t, ok)
	assert.Empty(t, config, "zero-value JobConfig should marshal to an empty object")
}
