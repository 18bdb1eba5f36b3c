// Package modelcache implements the daemon's LRU-bounded, single-flight
// model cache: concurrent requests for the same model_id share one fetch,
// and the cache evicts least-recently-used entries down to 90% of its
// size limit whenever a fetch would otherwise exceed it.
package modelcache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dimesh-project/dim/pkg/dimerr"
	"github.com/dimesh-project/dim/pkg/types"
)

const evictionTargetFraction = 0.9

// Fetcher resolves a model_id to its cid and downloads its bytes,
// fulfilled in this repo by pkg/objectstore.Store.Get plus a name lookup
// (model_id -> cid) the caller performs before invoking Fetch.
type Fetcher interface {
	Resolve(ctx context.Context, modelID string) (cid string, err error)
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

type entry struct {
	types.ModelCacheEntry
}

// Cache is the daemon's local model cache, keyed by model_id.
type Cache struct {
	mu         sync.Mutex
	dir        string
	maxBytes   int64
	entries    map[string]*entry
	inflight   map[string]*call
	fetcher    Fetcher
	currentSz  int64
}

type call struct {
	done chan struct{}
	path string
	err  error
}

func New(cacheDir string, maxCacheGB float64, fetcher Fetcher) *Cache {
	return &Cache{
		dir:      cacheDir,
		maxBytes: int64(maxCacheGB * 1e9),
		entries:  make(map[string]*entry),
		inflight: make(map[string]*call),
		fetcher:  fetcher,
	}
}

// Get returns the local path of model_id, fetching it on a cache miss.
// Concurrent Get calls for the same model_id block on one fetch
// (single-flight) rather than downloading the model N times.
func (c *Cache) Get(ctx context.Context, modelID string) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[modelID]; ok {
		if _, err := os.Stat(e.Path); err == nil {
			e.LastUsed = time.Now()
			path := e.Path
			c.mu.Unlock()
			return path, nil
		}
		// File vanished out from under us; treat as a miss and refetch.
		delete(c.entries, modelID)
		c.currentSz -= int64(e.SizeGB * 1e9)
	}

	if inflight, ok := c.inflight[modelID]; ok {
		c.mu.Unlock()
		<-inflight.done
		if inflight.err != nil {
			return "", inflight.err
		}
		return inflight.path, nil
	}

	call := &call{done: make(chan struct{})}
	c.inflight[modelID] = call
	c.mu.Unlock()

	path, err := c.fetchAndStore(ctx, modelID)
	call.path, call.err = path, err
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, modelID)
	c.mu.Unlock()

	return path, err
}

func (c *Cache) fetchAndStore(ctx context.Context, modelID string) (string, error) {
	cid, err := c.fetcher.Resolve(ctx, modelID)
	if err != nil {
		return "", dimerr.Wrap(dimerr.ModelUnavailable, "resolve model "+modelID, err)
	}
	data, err := c.fetcher.Fetch(ctx, cid)
	if err != nil {
		return "", dimerr.Wrap(dimerr.ModelUnavailable, "download model "+modelID, err)
	}

	path := fmt.Sprintf("%s/%s", c.dir, cid)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", dimerr.Wrap(dimerr.InternalError, "write model to cache dir", err)
	}

	size := int64(len(data))
	c.mu.Lock()
	c.entries[modelID] = &entry{types.ModelCacheEntry{
		ModelID: modelID, CID: cid, Path: path,
		SizeGB: float64(size) / 1e9, LastUsed: time.Now(),
	}}
	c.currentSz += size
	c.mu.Unlock()

	c.evictIfNeeded()
	return path, nil
}

// evictIfNeeded removes least-recently-used entries until the cache is at
// or below 90% of its configured size limit, matching the daemon's
// model_cache eviction margin elsewhere in the system.
func (c *Cache) evictIfNeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentSz <= c.maxBytes {
		return
	}

	target := int64(float64(c.maxBytes) * evictionTargetFraction)

	ordered := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		ordered = append(ordered, e)
	}
	sortByLastUsedAsc(ordered)

	for _, e := range ordered {
		if c.currentSz <= target {
			break
		}
		os.Remove(e.Path)
		delete(c.entries, e.ModelID)
		c.currentSz -= int64(e.SizeGB * 1e9)
	}
}

func sortByLastUsedAsc(entries []*entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].LastUsed.Before(entries[j-1].LastUsed); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// GetCachedModels lists every model currently resident.
func (c *Cache) GetCachedModels() []types.ModelCacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ModelCacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.ModelCacheEntry)
	}
	return out
}

// Stats is the cache's summary, reported in the daemon's /stats response.
type Stats struct {
	EntryCount  int     `json:"entry_count"`
	UsedBytes   int64   `json:"used_bytes"`
	MaxBytes    int64   `json:"max_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

func (c *Cache) GetCacheStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	pct := 0.0
	if c.maxBytes > 0 {
		pct = float64(c.currentSz) / float64(c.maxBytes) * 100
	}
	return Stats{
		EntryCount:  len(c.entries),
		UsedBytes:   c.currentSz,
		MaxBytes:    c.maxBytes,
		UsedPercent: pct,
	}
}
