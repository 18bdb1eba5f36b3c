// Package resource implements the daemon's admission control: active-job
// count, memory, and CPU thresholds gate whether a new job may start.
package resource

import "sync"

// Config mirrors the daemon's resource_manager.* configuration table.
type Config struct {
	MaxConcurrentJobs int     `yaml:"max_concurrent_jobs"`
	MaxMemoryGB       float64 `yaml:"max_memory_gb"`
	MaxCPUPercent     float64 `yaml:"max_cpu_percent"`
}

func DefaultConfig() Config {
	return Config{MaxConcurrentJobs: 10, MaxMemoryGB: 64, MaxCPUPercent: 80}
}

// memoryThresholdFraction mirrors the 90%-of-limit admission margin used
// throughout the system (ModelCache eviction uses the same fraction).
const memoryThresholdFraction = 0.9

// Sampler reports current host resource usage. Production wires
// *HostSampler (sampler.go); tests use a fake.
type Sampler interface {
	MemoryUsedGB() (float64, error)
	CPUPercent() (float64, error)
}

// Manager is the daemon's admission gate, exactly spec.md §4.7.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	sampler    Sampler
	activeJobs int
}

func New(cfg Config, sampler Sampler) *Manager {
	return &Manager{cfg: cfg, sampler: sampler}
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	ActiveJobs       int     `json:"active_jobs"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
	MemoryUsedGB     float64 `json:"memory_used_gb"`
	MemoryAvailableGB float64 `json:"memory_available_gb"`
	MemoryPercent    float64 `json:"memory_percent"`
	CPUPercent       float64 `json:"cpu_percent"`
}

// CanAcceptJob reports whether a new job may be admitted right now. It
// does not reserve anything — callers that decide to proceed must call
// Reserve immediately after to avoid a race against a concurrent admit.
func (m *Manager) CanAcceptJob() (bool, error) {
	m.mu.Lock()
	activeJobs := m.activeJobs
	m.mu.Unlock()

	if activeJobs >= m.cfg.MaxConcurrentJobs {
		return false, nil
	}

	memGB, err := m.sampler.MemoryUsedGB()
	if err != nil {
		return false, err
	}
	if memGB >= m.cfg.MaxMemoryGB*memoryThresholdFraction {
		return false, nil
	}

	cpuPct, err := m.sampler.CPUPercent()
	if err != nil {
		return false, err
	}
	if cpuPct >= m.cfg.MaxCPUPercent {
		return false, nil
	}

	return true, nil
}

// Reserve increments the active-job count. Call only after CanAcceptJob
// returned true, with no intervening unlock that would let another job
// slip in ahead of it — callers must hold their own serialization around
// the check-then-reserve pair (pkg/daemon.Daemon.run does this by running
// admission on its single dispatcher goroutine).
func (m *Manager) Reserve() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeJobs++
}

// Release decrements the active-job count, guarding against going
// negative if Release is ever called without a matching Reserve.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeJobs > 0 {
		m.activeJobs--
	}
}

func (m *Manager) GetStatus() (Status, error) {
	m.mu.Lock()
	activeJobs := m.activeJobs
	m.mu.Unlock()

	memGB, err := m.sampler.MemoryUsedGB()
	if err != nil {
		return Status{}, err
	}
	cpuPct, err := m.sampler.CPUPercent()
	if err != nil {
		return Status{}, err
	}

	return Status{
		ActiveJobs:        activeJobs,
		MaxConcurrentJobs: m.cfg.MaxConcurrentJobs,
		MemoryUsedGB:      memGB,
		MemoryAvailableGB: m.cfg.MaxMemoryGB - memGB,
		MemoryPercent:     memGB / m.cfg.MaxMemoryGB * 100,
		CPUPercent:        cpuPct,
	}, nil
}
