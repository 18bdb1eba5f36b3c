package types

import "time"

// NodeStatus tracks heartbeat-derived liveness, not admission eligibility.
type NodeStatus string

const (
	NodeActive   NodeStatus = "active"
	NodeInactive NodeStatus = "inactive"
)

// NodeInfo is the roster entry published and resolved through the
// ObjectStore's mutable-name facility (see pkg/objectstore), and also the
// shape of a single `dim.nodes.heartbeat` message (the heartbeat carries
// the resource/status subset; identity fields are filled in once at
// registration and preserved by the registry across later heartbeats).
type NodeInfo struct {
	NodeID            string            `json:"node_id"`
	Address           string            `json:"address"` // multiaddr, dialed via pkg/p2p
	Status            NodeStatus        `json:"status"`
	Reputation        float64           `json:"reputation"`
	NodeType          string            `json:"node_type,omitempty"`
	DataTypes         []string          `json:"data_types,omitempty"`
	Location          string            `json:"location,omitempty"`
	Capabilities      map[string]string `json:"capabilities,omitempty"`
	CachedModels      []string          `json:"cached_models,omitempty"`
	CPUAvailable      float64           `json:"cpu_available"`
	MemoryAvailableGB float64           `json:"memory_available_gb"`
	GPUAvailable      bool              `json:"gpu_available"`
	ActiveJobs        int               `json:"active_jobs"`
	QueuedJobs        int               `json:"queued_jobs"`
	LastSeen          time.Time         `json:"last_seen"`
	RegisteredAt      time.Time         `json:"registered_at,omitempty"`
}

// NodeRegistry is the decoded form of the roster mutable-name value.
type NodeRegistry struct {
	Nodes     []NodeInfo `json:"nodes"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ModelCacheEntry describes one model resident in a daemon's local cache.
type ModelCacheEntry struct {
	ModelID  string    `json:"model_id"`
	CID      string    `json:"cid"`
	Path     string    `json:"path"`
	SizeGB   float64   `json:"size_gb"`
	LastUsed time.Time `json:"last_used"`
}
