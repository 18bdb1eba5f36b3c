// Package coordinator implements the OrchestratorCoordinator: peer
// heartbeat exchange between orchestrator replicas and fire-and-forget
// job reassignment above a load threshold. There is no ACK protocol
// (Open Question #4) — reassignment publishes are idempotent on job_id
// so a duplicate delivery is harmless, but a dropped delivery is a
// silent gap, documented in DESIGN.md rather than papered over here.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dimesh-project/dim/pkg/objectstore"
	"github.com/dimesh-project/dim/pkg/types"
)

// HeartbeatTopic carries peer-orchestrator load reports.
const HeartbeatTopic = "dim.orchestrators.heartbeat"

// AssignmentTopic carries fire-and-forget job reassignments.
const AssignmentTopic = "dim.orchestrators.job_assignment"

// PubSub is the subset of objectstore.Store the coordinator depends on.
type PubSub interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan objectstore.Message, func(), error)
}

type Config struct {
	OrchestratorID     string
	HeartbeatInterval  time.Duration
	PeerTTL            time.Duration
	LoadThreshold      float64 // active jobs / capacity above which peers take reassignments
}

func DefaultConfig(orchestratorID string) Config {
	return Config{
		OrchestratorID:    orchestratorID,
		HeartbeatInterval: 10 * time.Second,
		PeerTTL:           30 * time.Second,
		LoadThreshold:     0.8,
	}
}

// PeerLoad is one orchestrator's self-reported load.
type PeerLoad struct {
	OrchestratorID string    `json:"orchestrator_id"`
	ActiveJobs     int       `json:"active_jobs"`
	Capacity       int       `json:"capacity"`
	ReportedAt     time.Time `json:"reported_at"`
}

func (p PeerLoad) ratio() float64 {
	if p.Capacity <= 0 {
		return 1
	}
	return float64(p.ActiveJobs) / float64(p.Capacity)
}

// Assignment is a fire-and-forget job handoff to a peer.
type Assignment struct {
	JobID  string        `json:"job_id"`
	Spec   types.JobSpec `json:"spec"`
	FromID string        `json:"from_id"`
}

// AssignmentHandler is invoked once per distinct job_id ingested from the
// assignment topic; the coordinator itself dedupes repeats.
type AssignmentHandler func(ctx context.Context, a Assignment) error

type Coordinator struct {
	cfg    Config
	pubsub PubSub
	logger *slog.Logger

	mu       sync.RWMutex
	peers    map[string]PeerLoad
	selfLoad PeerLoad
	seen     map[string]bool // job_ids already ingested, for idempotent assignment handling

	onAssignment AssignmentHandler
}

func New(cfg Config, pubsub PubSub, logger *slog.Logger, onAssignment AssignmentHandler) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		pubsub:       pubsub,
		logger:       logger,
		peers:        make(map[string]PeerLoad),
		seen:         make(map[string]bool),
		onAssignment: onAssignment,
	}
}

// SetOnAssignment installs the assignment handler after construction,
// breaking the circular dependency between Coordinator and Orchestrator:
// the orchestrator needs a live *Coordinator to submit jobs through, and
// the coordinator needs a handler that calls back into the orchestrator.
func (c *Coordinator) SetOnAssignment(h AssignmentHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAssignment = h
}

// ReportLoad updates this orchestrator's own load, used on the next
// heartbeat publish.
func (c *Coordinator) ReportLoad(activeJobs, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfLoad = PeerLoad{
		OrchestratorID: c.cfg.OrchestratorID,
		ActiveJobs:     activeJobs,
		Capacity:       capacity,
		ReportedAt:     time.Now(),
	}
}

// PublishHeartbeat broadcasts this orchestrator's current load.
func (c *Coordinator) PublishHeartbeat(ctx context.Context) error {
	c.mu.RLock()
	load := c.selfLoad
	load.ReportedAt = time.Now()
	c.mu.RUnlock()

	data, err := json.Marshal(load)
	if err != nil {
		return fmt.Errorf("encode peer load: %w", err)
	}
	return c.pubsub.Publish(ctx, HeartbeatTopic, data)
}

// Run subscribes to both topics and drives the heartbeat ticker until ctx
// is cancelled. Intended to run in its own goroutine for the lifetime of
// the orchestrator process.
func (c *Coordinator) Run(ctx context.Context) error {
	heartbeats, unsubHB, err := c.pubsub.Subscribe(ctx, HeartbeatTopic)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat topic: %w", err)
	}
	defer unsubHB()

	assignments, unsubAssign, err := c.pubsub.Subscribe(ctx, AssignmentTopic)
	if err != nil {
		return fmt.Errorf("subscribe assignment topic: %w", err)
	}
	defer unsubAssign()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.PublishHeartbeat(ctx); err != nil {
				c.logger.Warn("heartbeat publish failed", "error", err)
			}
			c.sweepStalePeers()
		case msg, ok := <-heartbeats:
			if !ok {
				return nil
			}
			c.ingestHeartbeat(msg.Payload)
		case msg, ok := <-assignments:
			if !ok {
				return nil
			}
			c.ingestAssignment(ctx, msg.Payload)
		}
	}
}

func (c *Coordinator) ingestHeartbeat(payload []byte) {
	var load PeerLoad
	if err := json.Unmarshal(payload, &load); err != nil {
		c.logger.Warn("discarding malformed peer heartbeat", "error", err)
		return
	}
	if load.OrchestratorID == c.cfg.OrchestratorID {
		return
	}
	c.mu.Lock()
	c.peers[load.OrchestratorID] = load
	c.mu.Unlock()
}

func (c *Coordinator) ingestAssignment(ctx context.Context, payload []byte) {
	var a Assignment
	if err := json.Unmarshal(payload, &a); err != nil {
		c.logger.Warn("discarding malformed assignment", "error", err)
		return
	}
	if a.FromID == c.cfg.OrchestratorID {
		return // echo of our own publish
	}

	c.mu.Lock()
	if c.seen[a.JobID] {
		c.mu.Unlock()
		return // idempotent: already handled this job_id
	}
	c.seen[a.JobID] = true
	handler := c.onAssignment
	c.mu.Unlock()

	if handler == nil {
		return
	}
	if err := handler(ctx, a); err != nil {
		c.logger.Error("assignment handler failed", "job_id", a.JobID, "error", err)
	}
}

func (c *Coordinator) sweepStalePeers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.cfg.PeerTTL)
	for id, p := range c.peers {
		if p.ReportedAt.Before(cutoff) {
			delete(c.peers, id)
		}
	}
}

// ShouldReassign reports whether this orchestrator's self-reported load
// exceeds the configured threshold, meaning new jobs should be handed off
// to a less-loaded peer rather than accepted locally.
func (c *Coordinator) ShouldReassign() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfLoad.ratio() > c.cfg.LoadThreshold
}

// LeastLoadedPeer returns the id of the least-loaded known peer, or false
// if no peers are known (caller should keep the job locally).
func (c *Coordinator) LeastLoadedPeer() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.peers) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := c.peers[ids[i]], c.peers[ids[j]]
		if pi.ratio() != pj.ratio() {
			return pi.ratio() < pj.ratio()
		}
		return ids[i] < ids[j] // deterministic tie-break
	})
	return ids[0], true
}

// Reassign fire-and-forget publishes a job to a peer. No ACK is awaited;
// idempotent ingest on the receiving side is the only safety net.
func (c *Coordinator) Reassign(ctx context.Context, jobID string, spec types.JobSpec, toPeer string) error {
	a := Assignment{JobID: jobID, Spec: spec, FromID: c.cfg.OrchestratorID}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode assignment: %w", err)
	}
	c.logger.Info("reassigning job", "job_id", jobID, "to_peer", toPeer)
	return c.pubsub.Publish(ctx, AssignmentTopic, data)
}
