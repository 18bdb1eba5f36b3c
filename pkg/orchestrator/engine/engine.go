// Package engine implements the three pattern engines — collaborative,
// comparative, chained — as a closed tagged-variant dispatch table rather
// than an open plugin interface, per the design note that classes with
// dynamic polymorphism in the original map onto capability abstractions
// in Go.
package engine

import (
	"context"
	"fmt"

	"github.com/dimesh-project/dim/pkg/types"
)

// SubResult is one node/model/step's contribution to a pattern job,
// before aggregation.
type SubResult struct {
	NodeID  string
	ModelID string
	StepID  string
	Output  map[string]any
	Err     error
}

// NodeCaller is the seam to the daemon RPC client. Engines never dial a
// daemon directly, which is what makes them unit-testable against a fake.
type NodeCaller interface {
	SubmitAndAwait(ctx context.Context, nodeID string, spec types.JobSpec) (map[string]any, error)
}

// Engine is implemented by Collaborative, Comparative, and Chained.
type Engine interface {
	ValidateSpec(spec types.JobSpec) error
	Execute(ctx context.Context, jobID string, spec types.JobSpec, caller NodeCaller) ([]SubResult, error)
	Aggregate(jobID string, results []SubResult, spec types.JobSpec) (types.Result, error)
}

// Registry is the closed dispatch table keyed by pattern, built once at
// startup and never mutated at runtime.
type Registry struct {
	engines map[types.Pattern]Engine
}

func NewRegistry() *Registry {
	return &Registry{
		engines: map[types.Pattern]Engine{
			types.PatternCollaborative: &Collaborative{},
			types.PatternComparative:   &Comparative{},
			types.PatternChained:       &Chained{},
		},
	}
}

func (r *Registry) For(pattern types.Pattern) (Engine, error) {
	e, ok := r.engines[pattern]
	if !ok {
		return nil, fmt.Errorf("unknown pattern: %s", pattern)
	}
	return e, nil
}
