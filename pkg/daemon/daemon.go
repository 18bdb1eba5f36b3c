// Package daemon implements the node-local daemon core: a single
// dispatcher goroutine pulling from the job queue, admitting work
// through the resource manager, resolving the model via the model
// cache, and running it through the agent supervisor.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dimesh-project/dim/pkg/daemon/agent"
	"github.com/dimesh-project/dim/pkg/daemon/jobqueue"
	"github.com/dimesh-project/dim/pkg/daemon/modelcache"
	"github.com/dimesh-project/dim/pkg/daemon/resource"
	"github.com/dimesh-project/dim/pkg/dimerr"
	"github.com/dimesh-project/dim/pkg/types"
)

type Config struct {
	MaxQueueSize int
}

// Daemon composes the model cache, agent supervisor, resource manager,
// and job queue behind a single dispatcher loop (run), per spec.md §4.3:
// one goroutine pulls jobs off the queue, admits them, resolves the
// model, and hands execution to the agent supervisor — never more than
// one job dispatched at a time from this loop (concurrency, if any,
// happens inside Execute via the pattern engines on the orchestrator
// side; the daemon's own admission loop is intentionally serial).
type Daemon struct {
	cache     *modelcache.Cache
	agents    *agent.Supervisor
	resources *resource.Manager
	queue     *jobqueue.Queue
	prewarmer *modelcache.Prewarmer // optional: nil disables access tracking
	logger    *slog.Logger

	mu       sync.RWMutex
	statuses map[string]*types.JobStatus
	results  map[string]types.Result

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config, cache *modelcache.Cache, agents *agent.Supervisor, resources *resource.Manager, prewarmer *modelcache.Prewarmer, logger *slog.Logger) *Daemon {
	return &Daemon{
		cache:     cache,
		agents:    agents,
		resources: resources,
		queue:     jobqueue.New(cfg.MaxQueueSize),
		prewarmer: prewarmer,
		logger:    logger,
		statuses:  make(map[string]*types.JobStatus),
		results:   make(map[string]types.Result),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the dispatcher loop in its own goroutine.
func (d *Daemon) Start() {
	go d.run()
}

// Stop closes the queue (unblocking Dequeue) and waits for run to exit.
func (d *Daemon) Stop() {
	close(d.stopCh)
	d.queue.Close()
	<-d.doneCh
}

// SubmitJob enqueues a single-node job and returns its initial status.
// QUEUE_FULL propagates as a dimerr so callers can surface it to the RPC
// layer as-is.
func (d *Daemon) SubmitJob(spec types.JobSpec) (types.JobStatus, error) {
	if spec.Config.ModelID == "" {
		return types.JobStatus{}, dimerr.New(dimerr.InvalidSpec, "model_id is required")
	}

	status := &types.JobStatus{
		JobID:       spec.JobID,
		UserID:      spec.UserID,
		Pattern:     spec.Pattern,
		Spec:        spec,
		State:       types.JobPending,
		Progress:    types.JobProgress{TotalSteps: 1},
		SubmittedAt: time.Now(),
		UpdatedAt:   time.Now(),
	}

	d.mu.Lock()
	d.statuses[spec.JobID] = status
	d.mu.Unlock()

	if err := d.queue.Enqueue(jobqueue.Item{JobID: spec.JobID, Spec: spec}); err != nil {
		d.mu.Lock()
		delete(d.statuses, spec.JobID)
		d.mu.Unlock()
		return types.JobStatus{}, err
	}
	return *status, nil
}

func (d *Daemon) run() {
	defer close(d.doneCh)
	for {
		item, ok := d.queue.Dequeue()
		if !ok {
			return
		}
		select {
		case <-d.stopCh:
			return
		default:
		}
		d.dispatch(item)
	}
}

func (d *Daemon) dispatch(item jobqueue.Item) {
	d.transition(item.JobID, types.JobRunning)

	canAccept, err := d.resources.CanAcceptJob()
	if err != nil {
		d.fail(item.JobID, dimerr.Wrap(dimerr.InternalError, "resource check", err))
		return
	}
	if !canAccept {
		d.fail(item.JobID, dimerr.New(dimerr.InsufficientResources, "node at capacity"))
		return
	}

	d.resources.Reserve()
	defer d.resources.Release()

	ctx := context.Background()
	if d.prewarmer != nil {
		d.prewarmer.RecordAccess(item.Spec.Config.ModelID)
	}
	modelPath, err := d.cache.Get(ctx, item.Spec.Config.ModelID)
	if err != nil {
		d.fail(item.JobID, dimerr.Wrap(dimerr.ModelUnavailable, "resolve model", err))
		return
	}

	timeout := item.Spec.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	input := map[string]any{
		"job_id":     item.JobID,
		"model_path": modelPath,
		"model_id":   item.Spec.Config.ModelID,
		"input":      item.Spec.Config.Input,
	}
	output, err := d.agents.Run(ctx, input, timeout)
	if err != nil {
		d.fail(item.JobID, dimerr.Wrap(dimerr.AgentCrashed, "agent run", err))
		return
	}

	d.mu.Lock()
	d.results[item.JobID] = types.Result{JobID: item.JobID, Output: output}
	d.mu.Unlock()

	d.transition(item.JobID, types.JobCompleted)
}

func (d *Daemon) transition(jobID string, to types.JobState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, ok := d.statuses[jobID]
	if !ok {
		return
	}
	if err := types.Transition(status, to); err != nil {
		d.logger.Warn("illegal job state transition", "job_id", jobID, "error", err)
		return
	}
	status.UpdatedAt = time.Now()
	if types.IsTerminal(to) {
		status.CompletedAt = status.UpdatedAt
		status.Progress.Percent = 100
		status.Progress.CompletedSteps = status.Progress.TotalSteps
	}
}

func (d *Daemon) fail(jobID string, err error) {
	d.mu.Lock()
	status, ok := d.statuses[jobID]
	if ok {
		if tErr := types.Transition(status, types.JobFailed); tErr == nil {
			status.Error = err.Error()
			status.UpdatedAt = time.Now()
			status.CompletedAt = status.UpdatedAt
		}
	}
	d.mu.Unlock()
	d.logger.Warn("job failed", "job_id", jobID, "error", err)
}

func (d *Daemon) GetJobStatus(jobID string) (types.JobStatus, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	status, ok := d.statuses[jobID]
	if !ok {
		return types.JobStatus{}, dimerr.New(dimerr.InvalidSpec, fmt.Sprintf("unknown job: %s", jobID))
	}
	return *status, nil
}

func (d *Daemon) GetJobResult(jobID string) (types.Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result, ok := d.results[jobID]
	if !ok {
		return types.Result{}, dimerr.New(dimerr.InvalidSpec, fmt.Sprintf("no result for job: %s", jobID))
	}
	return result, nil
}

// CancelJob marks a pending job cancelled. A job already picked up by the
// dispatcher (Running) cannot be interrupted mid-agent-run; CancelJob
// still records the caller's intent but the agent runs to completion or
// its own timeout.
func (d *Daemon) CancelJob(jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, ok := d.statuses[jobID]
	if !ok {
		return dimerr.New(dimerr.InvalidSpec, fmt.Sprintf("unknown job: %s", jobID))
	}
	if err := types.Transition(status, types.JobCancelled); err != nil {
		return dimerr.Wrap(dimerr.InvalidSpec, "cancel job", err)
	}
	status.UpdatedAt = time.Now()
	status.CompletedAt = status.UpdatedAt
	return nil
}

// Health is the daemon's self-reported health for the RPC surface.
type Health struct {
	QueueStats    jobqueue.Stats  `json:"queue_stats"`
	ResourceStatus resource.Status `json:"resource_status"`
}

func (d *Daemon) GetHealth() (Health, error) {
	status, err := d.resources.GetStatus()
	if err != nil {
		return Health{}, dimerr.Wrap(dimerr.InternalError, "resource status", err)
	}
	return Health{QueueStats: d.queue.GetStats(), ResourceStatus: status}, nil
}

// Stats bundles the daemon's queue, cache, and resource counters for the
// /stats RPC endpoint.
type Stats struct {
	Queue    jobqueue.Stats       `json:"queue"`
	Cache    modelcache.Stats     `json:"cache"`
	Resource resource.Status      `json:"resource"`
}

func (d *Daemon) GetStats() (Stats, error) {
	resStatus, err := d.resources.GetStatus()
	if err != nil {
		return Stats{}, dimerr.Wrap(dimerr.InternalError, "resource status", err)
	}
	return Stats{
		Queue:    d.queue.GetStats(),
		Cache:    d.cache.GetCacheStats(),
		Resource: resStatus,
	}, nil
}
