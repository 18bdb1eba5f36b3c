// Package registry implements the NodeRegistry and NodeDiscovery
// components: a mutable-name-backed roster with a 30s read cache,
// heartbeat-driven liveness, and a stale sweeper that marks nodes
// inactive after a configurable timeout.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dimesh-project/dim/pkg/objectstore"
	"github.com/dimesh-project/dim/pkg/types"
)

const registryName = "dim/registry/nodes"

// HeartbeatTopic is where nodes publish NodeInfo heartbeats.
const HeartbeatTopic = "dim.nodes.heartbeat"

// Store is the subset of objectstore.Store the registry depends on,
// declared here so tests can substitute an in-memory fake instead of a
// live Postgres/Redis pair.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, cid string) ([]byte, error)
	NamePublish(ctx context.Context, name, cid string) error
	NameResolve(ctx context.Context, name string) (string, error)
}

type Config struct {
	CacheTTL       time.Duration
	HeartbeatTTL   time.Duration
	RepublishEvery time.Duration
}

func DefaultConfig() Config {
	return Config{CacheTTL: 30 * time.Second, HeartbeatTTL: 120 * time.Second, RepublishEvery: 30 * time.Second}
}

// Registry is the orchestrator's live view of the node roster. Reads are
// served from an in-memory cache refreshed at most once per CacheTTL;
// writes (from heartbeat ingestion) update the in-memory map directly and
// republish the mutable name at most once per RepublishEvery.
type Registry struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	mu           sync.RWMutex
	nodes        map[string]types.NodeInfo
	lastFetched  time.Time
	lastPublish  time.Time
}

func New(cfg Config, store Store, logger *slog.Logger) *Registry {
	return &Registry{cfg: cfg, store: store, logger: logger, nodes: make(map[string]types.NodeInfo)}
}

// Snapshot returns the current roster, refreshing from the mutable name
// if the in-memory cache is older than CacheTTL.
func (r *Registry) Snapshot(ctx context.Context) ([]types.NodeInfo, error) {
	r.mu.RLock()
	fresh := time.Since(r.lastFetched) < r.cfg.CacheTTL
	if fresh {
		nodes := r.copyNodes()
		r.mu.RUnlock()
		return nodes, nil
	}
	r.mu.RUnlock()

	if err := r.refresh(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyNodes(), nil
}

func (r *Registry) copyNodes() []types.NodeInfo {
	out := make([]types.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

func (r *Registry) refresh(ctx context.Context) error {
	cidStr, err := r.store.NameResolve(ctx, registryName)
	if err != nil {
		if err == objectstore.ErrNotFound {
			r.mu.Lock()
			r.lastFetched = time.Now()
			r.mu.Unlock()
			return nil // no roster published yet
		}
		return fmt.Errorf("resolve registry name: %w", err)
	}

	data, err := r.store.Get(ctx, cidStr)
	if err != nil {
		return fmt.Errorf("fetch registry blob: %w", err)
	}

	var snapshot types.NodeRegistry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]types.NodeInfo, len(snapshot.Nodes))
	for _, n := range snapshot.Nodes {
		r.nodes[n.NodeID] = n
	}
	r.lastFetched = time.Now()
	return nil
}

// initialReputation seeds a never-before-seen node with a neutral score so
// it immediately clears a selector's MinReputation floor; reputation then
// moves from real job outcomes via UpdateReputation.
const initialReputation = 0.8

// IngestHeartbeat upserts a node's self-reported liveness and resource
// snapshot. A heartbeat only ever carries the fields the daemon resamples
// every interval (status, resource availability, cached models, queue
// depth); identity and reputation fields set at registration — or updated
// out of band by UpdateReputation — are preserved across every later
// heartbeat rather than being blown away by a zero value.
func (r *Registry) IngestHeartbeat(ctx context.Context, info types.NodeInfo) error {
	info.Status = types.NodeActive
	info.LastSeen = time.Now()

	r.mu.Lock()
	if existing, ok := r.nodes[info.NodeID]; ok {
		info.Reputation = existing.Reputation
		info.RegisteredAt = existing.RegisteredAt
		if info.NodeType == "" {
			info.NodeType = existing.NodeType
		}
		if info.Address == "" {
			info.Address = existing.Address
		}
		if info.Location == "" {
			info.Location = existing.Location
		}
		if len(info.DataTypes) == 0 {
			info.DataTypes = existing.DataTypes
		}
		if len(info.Capabilities) == 0 {
			info.Capabilities = existing.Capabilities
		}
	} else {
		info.Reputation = initialReputation
		info.RegisteredAt = time.Now()
	}
	r.nodes[info.NodeID] = info
	shouldPublish := time.Since(r.lastPublish) >= r.cfg.RepublishEvery
	r.mu.Unlock()

	if shouldPublish {
		return r.Publish(ctx)
	}
	return nil
}

// reputationSmoothing is the exponential moving average weight given to
// each new job outcome; 0.1 means ~10 outcomes to substantially move a
// node's score, damping a single bad job from tanking it outright.
const reputationSmoothing = 0.1

// UpdateReputation folds one job outcome into a node's reputation score.
// Unknown node ids are a no-op: a node that vanished mid-job before its
// result came back isn't worth tracking a score for anymore.
func (r *Registry) UpdateReputation(ctx context.Context, nodeID string, success bool) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	n.Reputation = n.Reputation*(1-reputationSmoothing) + outcome*reputationSmoothing
	r.nodes[nodeID] = n
	r.mu.Unlock()
	return nil
}

// SweepStale marks every node whose LastSeen exceeds HeartbeatTTL as
// inactive. Callers run this on a ticker (invariant #9).
func (r *Registry) SweepStale(ctx context.Context) error {
	r.mu.Lock()
	cutoff := time.Now().Add(-r.cfg.HeartbeatTTL)
	changed := false
	for id, n := range r.nodes {
		if n.Status == types.NodeActive && n.LastSeen.Before(cutoff) {
			n.Status = types.NodeInactive
			r.nodes[id] = n
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		return r.Publish(ctx)
	}
	return nil
}

// Publish writes the current in-memory roster as a fresh blob and binds
// the registry mutable name to it.
func (r *Registry) Publish(ctx context.Context) error {
	r.mu.Lock()
	snapshot := types.NodeRegistry{Nodes: r.copyNodes(), UpdatedAt: time.Now()}
	r.lastPublish = time.Now()
	r.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	cidStr, err := r.store.Put(ctx, data)
	if err != nil {
		return fmt.Errorf("put registry blob: %w", err)
	}
	if err := r.store.NamePublish(ctx, registryName, cidStr); err != nil {
		return fmt.Errorf("publish registry name: %w", err)
	}
	return nil
}
