// Package orchestrator wires the pattern engines, node registry,
// selector, and coordinator into the orchestrator-side job lifecycle:
// SubmitJob, GetJobStatus, CancelJob, GetJobResult, ListJobs.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dimesh-project/dim/pkg/dimerr"
	"github.com/dimesh-project/dim/pkg/orchestrator/coordinator"
	"github.com/dimesh-project/dim/pkg/orchestrator/engine"
	"github.com/dimesh-project/dim/pkg/orchestrator/selector"
	"github.com/dimesh-project/dim/pkg/types"
)

const baseUnitCost = 0.01

// Store is the object-store seam the orchestrator needs for persisting
// job status/results, independent of the registry's own Store seam.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, cid string) ([]byte, error)
	NamePublish(ctx context.Context, name, cid string) error
	NameResolve(ctx context.Context, name string) (string, error)
	Publish(ctx context.Context, topic string, data []byte) error
}

// JobUpdateTopic is the pub/sub topic job lifecycle events are published
// to, per the external-interfaces topic table.
const JobUpdateTopic = "dim.jobs.updates"

// jobUpdateEvent is the payload published to JobUpdateTopic on completion
// or failure.
type jobUpdateEvent struct {
	JobID     string         `json:"job_id"`
	EventType string         `json:"event_type"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Registry is the subset of *registry.Registry the orchestrator needs.
type Registry interface {
	Snapshot(ctx context.Context) ([]types.NodeInfo, error)
	UpdateReputation(ctx context.Context, nodeID string, success bool) error
}

type Config struct {
	MinReputation float64
}

// Orchestrator composes the object store, node registry, node selector,
// the pattern-engine dispatch table, and the peer coordinator into the
// request-driven job lifecycle. Unlike the daemon there is no single
// control loop here: each SubmitJob spawns its own goroutine, tracked by
// wg for graceful shutdown.
type Orchestrator struct {
	cfg       Config
	store     Store
	nodes     Registry
	engines   *engine.Registry
	coord     *coordinator.Coordinator
	caller    engine.NodeCaller
	logger    *slog.Logger

	mu       sync.RWMutex
	statuses map[string]*types.JobStatus
	results  map[string]types.Result

	wg sync.WaitGroup
}

func New(cfg Config, store Store, nodes Registry, caller engine.NodeCaller, coord *coordinator.Coordinator, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		nodes:    nodes,
		engines:  engine.NewRegistry(),
		coord:    coord,
		caller:   caller,
		logger:   logger,
		statuses: make(map[string]*types.JobStatus),
		results:  make(map[string]types.Result),
	}
}

// SubmitJob validates spec, then — and only on success — allocates a
// job_id and persists initial status. Invariant #8: validation runs
// strictly before any side effect, so a rejected spec leaves no trace.
func (o *Orchestrator) SubmitJob(ctx context.Context, spec types.JobSpec) (types.JobStatus, error) {
	eng, err := o.engines.For(spec.Pattern)
	if err != nil {
		return types.JobStatus{}, dimerr.New(dimerr.InvalidSpec, err.Error())
	}
	if err := eng.ValidateSpec(spec); err != nil {
		return types.JobStatus{}, dimerr.New(dimerr.InvalidSpec, err.Error())
	}

	if spec.Config.Nodes != nil || spec.Config.ModelIDs != nil {
		if err := o.ensureNodesEligible(ctx, spec); err != nil {
			return types.JobStatus{}, err
		}
	}

	jobID := spec.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	spec.JobID = jobID
	spec.CreatedAt = time.Now()

	// Above the coordinator's load threshold, hand the job to the
	// least-loaded known peer instead of running it locally. A publish
	// failure (or no known peers) falls through to local execution.
	if o.coord != nil && o.coord.ShouldReassign() {
		if peer, ok := o.coord.LeastLoadedPeer(); ok {
			if reassignErr := o.coord.Reassign(ctx, jobID, spec, peer); reassignErr == nil {
				status := newJobStatus(spec)
				o.mu.Lock()
				o.statuses[jobID] = status
				o.mu.Unlock()
				if err := o.persistStatus(ctx, *status); err != nil {
					o.logger.Warn("failed to persist initial job status", "job_id", jobID, "error", err)
				}
				o.logger.Info("reassigned job to peer orchestrator", "job_id", jobID, "peer", peer)
				return *status, nil
			} else {
				o.logger.Warn("reassignment publish failed, running locally", "job_id", jobID, "peer", peer, "error", reassignErr)
			}
		}
	}

	status := newJobStatus(spec)
	status.EstimatedCost = estimateCost(spec)

	o.mu.Lock()
	o.statuses[jobID] = status
	o.mu.Unlock()

	if err := o.persistStatus(ctx, *status); err != nil {
		o.logger.Warn("failed to persist initial job status", "job_id", jobID, "error", err)
	}

	o.wg.Add(1)
	go o.run(spec, eng)

	return *status, nil
}

// AcceptAssignment is the coordinator's AssignmentHandler: it runs a job
// handed off by a peer orchestrator exactly as if it had been submitted
// locally, skipping re-validation and eligibility checks since the sending
// peer already performed them.
func (o *Orchestrator) AcceptAssignment(ctx context.Context, spec types.JobSpec) error {
	eng, err := o.engines.For(spec.Pattern)
	if err != nil {
		return dimerr.New(dimerr.InvalidSpec, err.Error())
	}

	status := newJobStatus(spec)
	o.mu.Lock()
	o.statuses[spec.JobID] = status
	o.mu.Unlock()

	if err := o.persistStatus(ctx, *status); err != nil {
		o.logger.Warn("failed to persist assigned job status", "job_id", spec.JobID, "error", err)
	}

	o.wg.Add(1)
	go o.run(spec, eng)
	return nil
}

// ActiveJobCount reports jobs in a non-terminal state, fed to the
// coordinator's load reporting.
func (o *Orchestrator) ActiveJobCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, s := range o.statuses {
		if !types.IsTerminal(s.State) {
			n++
		}
	}
	return n
}

// newJobStatus builds the initial Pending status record for a validated,
// job_id-assigned spec.
func newJobStatus(spec types.JobSpec) *types.JobStatus {
	return &types.JobStatus{
		JobID:       spec.JobID,
		UserID:      spec.UserID,
		Pattern:     spec.Pattern,
		Spec:        spec,
		State:       types.JobPending,
		Progress:    types.JobProgress{TotalSteps: estimateTotalSteps(spec)},
		SubmittedAt: spec.CreatedAt,
		UpdatedAt:   spec.CreatedAt,
	}
}

// estimateTotalSteps counts the job's sub-units for progress reporting:
// pipeline steps for chained jobs, models for comparative jobs, and nodes
// for everything else (collaborative fan-out).
func estimateTotalSteps(spec types.JobSpec) int {
	switch spec.Pattern {
	case types.PatternChained:
		return len(spec.Config.Pipeline)
	case types.PatternComparative:
		return len(spec.Config.ModelIDs)
	default:
		return len(spec.Config.Nodes)
	}
}

func (o *Orchestrator) ensureNodesEligible(ctx context.Context, spec types.JobSpec) error {
	if len(spec.Config.Nodes) == 0 {
		return nil
	}
	snapshot, err := o.nodes.Snapshot(ctx)
	if err != nil {
		return dimerr.Wrap(dimerr.InternalError, "fetch node registry", err)
	}
	known := make(map[string]bool, len(snapshot))
	for _, n := range snapshot {
		known[n.NodeID] = true
	}
	for _, id := range spec.Config.Nodes {
		if !known[id] {
			return dimerr.New(dimerr.InvalidSpec, fmt.Sprintf("unknown node: %s", id))
		}
	}
	return nil
}

func estimateCost(spec types.JobSpec) float64 {
	units := len(spec.Config.Nodes) + len(spec.Config.ModelIDs) + len(spec.Config.Pipeline)
	if units == 0 {
		units = 1
	}
	return float64(units) * baseUnitCost
}

// run executes the job's pattern engine end to end and records the
// terminal status/result. It owns the goroutine started by SubmitJob.
func (o *Orchestrator) run(spec types.JobSpec, eng engine.Engine) {
	defer o.wg.Done()
	ctx := context.Background()

	o.transition(ctx, spec.JobID, types.JobRunning)

	subResults, err := eng.Execute(ctx, spec.JobID, spec, o.caller)
	// recordProgress runs even on a fail_fast error: partial subResults
	// (e.g. chained's completed-so-far steps) still carry real node
	// outcomes worth folding into reputation and node_statuses.
	o.recordProgress(ctx, spec.JobID, subResults)
	// A job cancelled while its engine ran keeps its cancelled state: no
	// result is stored and no completed/failed event is published.
	o.mu.RLock()
	cancelled := o.statuses[spec.JobID] != nil && o.statuses[spec.JobID].State == types.JobCancelled
	o.mu.RUnlock()
	if cancelled {
		return
	}
	if err != nil {
		o.fail(ctx, spec.JobID, err)
		o.publishUpdate(ctx, spec.JobID, "failed", nil, err.Error())
		return
	}

	result, err := eng.Aggregate(spec.JobID, subResults, spec)
	if err != nil {
		o.fail(ctx, spec.JobID, err)
		o.publishUpdate(ctx, spec.JobID, "failed", nil, err.Error())
		return
	}

	o.mu.Lock()
	o.results[spec.JobID] = result
	o.mu.Unlock()

	if err := o.persistResult(ctx, result); err != nil {
		o.logger.Warn("failed to persist job result", "job_id", spec.JobID, "error", err)
	}

	o.transition(ctx, spec.JobID, types.JobCompleted)
	o.publishUpdate(ctx, spec.JobID, "completed", result.Output, "")
}

// recordProgress folds each sub-result's outcome into the node registry's
// reputation signal and updates the job's per-node status/progress
// counters, regardless of whether the overall job ultimately succeeds.
func (o *Orchestrator) recordProgress(ctx context.Context, jobID string, subResults []engine.SubResult) {
	completed := 0
	nodeStatuses := make(map[string]types.JobState, len(subResults))
	for _, r := range subResults {
		if r.NodeID == "" {
			continue
		}
		if err := o.nodes.UpdateReputation(ctx, r.NodeID, r.Err == nil); err != nil {
			o.logger.Warn("failed to update node reputation", "node_id", r.NodeID, "error", err)
		}
		if r.Err == nil {
			nodeStatuses[r.NodeID] = types.JobCompleted
			completed++
		} else {
			nodeStatuses[r.NodeID] = types.JobFailed
		}
	}

	o.mu.Lock()
	if status, ok := o.statuses[jobID]; ok {
		status.NodeStatuses = nodeStatuses
		status.Progress.CompletedSteps = completed
		if status.Progress.TotalSteps > 0 {
			status.Progress.Percent = 100 * float64(completed) / float64(status.Progress.TotalSteps)
		}
	}
	o.mu.Unlock()
}

// transition advances a job's state and persists the resulting status to
// the object store so GetJobStatus's fallback path (and any reader outside
// this process) sees it, not just this in-memory map.
func (o *Orchestrator) transition(ctx context.Context, jobID string, to types.JobState) {
	o.mu.Lock()
	status, ok := o.statuses[jobID]
	if !ok {
		o.mu.Unlock()
		return
	}
	if err := types.Transition(status, to); err != nil {
		o.logger.Warn("illegal job state transition", "job_id", jobID, "error", err)
		o.mu.Unlock()
		return
	}
	status.UpdatedAt = time.Now()
	if types.IsTerminal(to) {
		status.CompletedAt = status.UpdatedAt
		status.Progress.Percent = 100
		if status.Progress.TotalSteps > 0 {
			status.Progress.CompletedSteps = status.Progress.TotalSteps
		}
	}
	snapshot := *status
	o.mu.Unlock()

	if err := o.persistStatus(ctx, snapshot); err != nil {
		o.logger.Warn("failed to persist job status", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, err error) {
	o.mu.Lock()
	status, ok := o.statuses[jobID]
	if !ok {
		o.mu.Unlock()
		return
	}
	if tErr := types.Transition(status, types.JobFailed); tErr != nil {
		o.mu.Unlock()
		return
	}
	status.Error = err.Error()
	status.UpdatedAt = time.Now()
	status.CompletedAt = status.UpdatedAt
	snapshot := *status
	o.mu.Unlock()

	if pErr := o.persistStatus(ctx, snapshot); pErr != nil {
		o.logger.Warn("failed to persist job status", "job_id", jobID, "error", pErr)
	}
}

func (o *Orchestrator) persistStatus(ctx context.Context, status types.JobStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	cidStr, err := o.store.Put(ctx, data)
	if err != nil {
		return err
	}
	return o.store.NamePublish(ctx, jobStatusName(status.JobID), cidStr)
}

func jobStatusName(jobID string) string { return "dim/jobs/" + jobID + "/status" }

func (o *Orchestrator) persistResult(ctx context.Context, result types.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	cidStr, err := o.store.Put(ctx, data)
	if err != nil {
		return err
	}
	return o.store.NamePublish(ctx, jobResultName(result.JobID), cidStr)
}

func jobResultName(jobID string) string { return "dim/jobs/" + jobID + "/result" }

// publishUpdate emits a job lifecycle event on JobUpdateTopic. Failures are
// logged, not returned: a dropped notification never blocks the job's own
// terminal state transition, which is the source of truth.
func (o *Orchestrator) publishUpdate(ctx context.Context, jobID, eventType string, result map[string]any, errMsg string) {
	event := jobUpdateEvent{
		JobID:     jobID,
		EventType: eventType,
		Result:    result,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		o.logger.Warn("failed to marshal job update event", "job_id", jobID, "error", err)
		return
	}
	if err := o.store.Publish(ctx, JobUpdateTopic, data); err != nil {
		o.logger.Warn("failed to publish job update event", "job_id", jobID, "error", err)
	}
}

// GetJobStatus returns the job status from the in-memory tracking table
// first (this process's own jobs), falling back to the object store's
// mutable-name record for a job this process never ran itself — e.g. one
// a peer orchestrator accepted via reassignment, or a status survivng
// this process's own restart.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (types.JobStatus, error) {
	o.mu.RLock()
	status, ok := o.statuses[jobID]
	if ok {
		defer o.mu.RUnlock()
		return *status, nil
	}
	o.mu.RUnlock()

	var fallback types.JobStatus
	if err := o.resolveNamed(ctx, jobStatusName(jobID), &fallback); err != nil {
		return types.JobStatus{}, dimerr.New(dimerr.InvalidSpec, fmt.Sprintf("unknown job: %s", jobID))
	}
	return fallback, nil
}

// GetJobResult returns the final result of a completed job, falling back
// to the object store the same way GetJobStatus does.
func (o *Orchestrator) GetJobResult(ctx context.Context, jobID string) (types.Result, error) {
	o.mu.RLock()
	result, ok := o.results[jobID]
	if ok {
		o.mu.RUnlock()
		return result, nil
	}
	o.mu.RUnlock()

	var fallback types.Result
	if err := o.resolveNamed(ctx, jobResultName(jobID), &fallback); err != nil {
		return types.Result{}, dimerr.New(dimerr.InvalidSpec, fmt.Sprintf("no result for job: %s", jobID))
	}
	return fallback, nil
}

// resolveNamed resolves a mutable name to its blob and decodes it into v.
func (o *Orchestrator) resolveNamed(ctx context.Context, name string, v any) error {
	cidStr, err := o.store.NameResolve(ctx, name)
	if err != nil {
		return err
	}
	data, err := o.store.Get(ctx, cidStr)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// CancelJob transitions a pending or running job to cancelled. It cannot
// interrupt in-flight RPCs to daemons (the engine's sub-jobs run to their
// own timeout) but stops the job from being reported as anything but
// cancelled once this returns.
//
// userID enforces ownership: a non-empty userID must match the job's
// owner or the job is reported as unknown (not "forbidden", so cancelling
// someone else's job id can't be used to confirm it exists). An empty
// userID is the admin/internal-caller override and skips the check.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID, userID string) error {
	o.mu.Lock()
	status, ok := o.statuses[jobID]
	if !ok {
		o.mu.Unlock()
		return dimerr.New(dimerr.InvalidSpec, fmt.Sprintf("unknown job: %s", jobID))
	}
	if userID != "" && status.UserID != "" && status.UserID != userID {
		o.mu.Unlock()
		return dimerr.New(dimerr.InvalidSpec, fmt.Sprintf("unknown job: %s", jobID))
	}
	if err := types.Transition(status, types.JobCancelled); err != nil {
		o.mu.Unlock()
		return dimerr.Wrap(dimerr.InvalidSpec, "cancel job", err)
	}
	status.UpdatedAt = time.Now()
	status.CompletedAt = status.UpdatedAt
	snapshot := *status
	o.mu.Unlock()

	if err := o.persistStatus(ctx, snapshot); err != nil {
		o.logger.Warn("failed to persist job status", "job_id", jobID, "error", err)
	}
	return nil
}

// ListJobs returns every tracked job status, most recently submitted first.
func (o *Orchestrator) ListJobs() []types.JobStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]types.JobStatus, 0, len(o.statuses))
	for _, s := range o.statuses {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Wait blocks until every in-flight SubmitJob goroutine has finished,
// used during graceful shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// SelectNodes is exposed so API handlers / coordinator reassignment logic
// can reuse the orchestrator's registry snapshot + selector pipeline
// without duplicating it. rng may be nil to use the selector's default.
func (o *Orchestrator) SelectNodes(ctx context.Context, req selector.Requirements, rng *rand.Rand) ([]types.NodeInfo, error) {
	snapshot, err := o.nodes.Snapshot(ctx)
	if err != nil {
		return nil, dimerr.Wrap(dimerr.InternalError, "fetch node registry", err)
	}
	return selector.Select(snapshot, req, selector.Config{MinReputation: o.cfg.MinReputation}, rng), nil
}
