package modelcache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PrewarmerConfig mirrors the daemon's prewarming.* configuration table,
// grounded on the original implementation's model_prewarmer.py.
type PrewarmerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	AccessWindow    time.Duration `yaml:"access_window"`
	MinAccessCount  int           `yaml:"min_access_count"`
}

func DefaultPrewarmerConfig() PrewarmerConfig {
	return PrewarmerConfig{
		Enabled:        true,
		CheckInterval:  10 * time.Minute,
		AccessWindow:   24 * time.Hour,
		MinAccessCount: 3,
	}
}

// Prewarmer periodically fetches models whose recent access count crosses
// MinAccessCount into the cache ahead of the next request, so a popular
// model's first caller after eviction doesn't pay the full fetch latency.
type Prewarmer struct {
	cfg    PrewarmerConfig
	cache  *Cache
	logger *slog.Logger

	mu      sync.Mutex
	access  map[string][]time.Time
	stopCh  chan struct{}
}

func NewPrewarmer(cfg PrewarmerConfig, cache *Cache, logger *slog.Logger) *Prewarmer {
	return &Prewarmer{
		cfg:    cfg,
		cache:  cache,
		logger: logger,
		access: make(map[string][]time.Time),
		stopCh: make(chan struct{}),
	}
}

// RecordAccess should be called by the daemon every time a job requests
// model_id, whether or not it was already cached.
func (p *Prewarmer) RecordAccess(modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.access[modelID] = append(p.access[modelID], time.Now())
}

func (p *Prewarmer) popularModels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.AccessWindow)
	popular := []string{}
	for modelID, times := range p.access {
		count := 0
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
				count++
			}
		}
		p.access[modelID] = kept
		if count >= p.cfg.MinAccessCount {
			popular = append(popular, modelID)
		}
	}
	return popular
}

// Run blocks, prewarming on CheckInterval until ctx is cancelled or Stop
// is called.
func (p *Prewarmer) Run(ctx context.Context) {
	if !p.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, modelID := range p.popularModels() {
				if _, err := p.cache.Get(ctx, modelID); err != nil {
					p.logger.Warn("prewarm fetch failed", "model_id", modelID, "error", err)
				}
			}
		}
	}
}

func (p *Prewarmer) Stop() {
	close(p.stopCh)
}
