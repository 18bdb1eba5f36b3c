package types

import "time"

// Pattern is the composition pattern a JobSpec requests.
type Pattern string

const (
	PatternCollaborative Pattern = "collaborative"
	PatternComparative   Pattern = "comparative"
	PatternChained       Pattern = "chained"
)

// JobState is a node in the job lifecycle state machine. Transitions are
// validated centrally in state.go; nothing outside that file should mutate
// a JobStatus.State directly.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Priority bands accepted by the daemon's JobQueue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// JobSpec is the canonical submission payload for both the orchestrator
// (pattern jobs) and the daemon (single-node jobs dispatched by a pattern
// engine). Config is pattern-specific and decoded lazily by the engine
// that owns Pattern, so JobSpec itself stays pattern-agnostic.
type JobSpec struct {
	JobID     string          `json:"job_id"`
	UserID    string          `json:"user_id"`
	Pattern   Pattern         `json:"pattern"`
	Priority  Priority        `json:"priority"`
	Config    JobConfig       `json:"config"`
	Timeout   time.Duration   `json:"timeout"`
	MaxCost   float64         `json:"max_cost,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// JobConfig holds every field any pattern engine might read. Using a flat
// struct instead of map[string]any keeps JSON round-trips byte-stable
// (slices instead of maps preserve field order across marshal/unmarshal).
type JobConfig struct {
	ModelID          string            `json:"model_id,omitempty"`
	ModelIDs         []string          `json:"model_ids,omitempty"`
	NodeID           string            `json:"node_id,omitempty"` // required by the comparative pattern: one node, many models
	Nodes            []string          `json:"nodes,omitempty"`
	DataRequirements map[string]string `json:"data_requirements,omitempty"`
	Aggregation      AggregationConfig `json:"aggregation,omitzero"`
	Consensus        ConsensusConfig   `json:"consensus,omitzero"`
	Pipeline         []PipelineStep    `json:"pipeline,omitempty"`
	OnError          string            `json:"on_error,omitempty"` // "fail_fast" | "rollback_and_retry"
	MaxRetries       int               `json:"max_retries,omitempty"`
	Input            map[string]any    `json:"input,omitempty"`
}

type AggregationConfig struct {
	Method string `json:"method,omitempty"`
}

type ConsensusConfig struct {
	Method       string  `json:"method,omitempty"`
	MinAgreement float64 `json:"min_agreement,omitempty"`
}

type PipelineStep struct {
	StepID  string            `json:"step_id"`
	NodeID  string            `json:"node_id,omitempty"`
	ModelID string            `json:"model_id"`
	Input   map[string]string `json:"input,omitempty"`
}

// JobProgress is a structured progress readout: how many of the job's
// sub-units (pipeline steps, fanned-out nodes/models) have finished.
type JobProgress struct {
	CompletedSteps int     `json:"completed_steps"`
	TotalSteps     int     `json:"total_steps"`
	Percent        float64 `json:"percent"`
}

// JobStatus is the externally visible lifecycle record for a submitted job.
type JobStatus struct {
	JobID         string              `json:"job_id"`
	UserID        string              `json:"user_id"`
	Pattern       Pattern             `json:"pattern"`
	Spec          JobSpec             `json:"spec"`
	State         JobState            `json:"state"`
	Progress      JobProgress         `json:"progress"`
	NodeStatuses  map[string]JobState `json:"node_statuses,omitempty"`
	EstimatedCost float64             `json:"estimated_cost,omitempty"`
	Error         string              `json:"error,omitempty"`
	SubmittedAt   time.Time           `json:"submitted_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	CompletedAt   time.Time           `json:"completed_at,omitempty"`
}

// Result is the final, pattern-specific output of a completed job.
type Result struct {
	JobID     string         `json:"job_id"`
	Pattern   Pattern        `json:"pattern"`
	Output    map[string]any `json:"output"`
	NodesUsed []string       `json:"nodes_used,omitempty"`
}
