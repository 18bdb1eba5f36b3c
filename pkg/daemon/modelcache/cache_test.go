package modelcache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu       sync.Mutex
	fetches  int32
	resolved map[string]string
	payload  []byte
}

func newFakeFetcher(payloadSize int) *fakeFetcher {
	return &fakeFetcher{resolved: make(map[string]string), payload: make([]byte, payloadSize)}
}

func (f *fakeFetcher) Resolve(ctx context.Context, modelID string) (string, error) {
	return "cid-" + modelID, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, cid string) ([]byte, error) {
	atomic.AddInt32(&f.fetches, 1)
	return f.payload, nil
}

func TestGetCachesAfterFirstFetch(t *testing.T) {
	dir := t.TempDir()
	fetcher := newFakeFetcher(1024)
	c := New(dir, 1, fetcher)

	path1, err := c.Get(context.Background(), "model-a")
	require.NoError(t, err)
	path2, err := c.Get(context.Background(), "model-a")
	require.NoError(t, err)

	assert.Equal(t, path1, path2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.fetches))
}

func TestGetSingleFlightsConcurrentFetches(t *testing.T) {
	dir := t.TempDir()
	fetcher := newFakeFetcher(1024)
	c := New(dir, 1, fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "shared-model")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.fetches))
}

func TestEvictionKeepsCacheAtOrBelow90Percent(t *testing.T) {
	dir := t.TempDir()
	// 1 GB limit, 200MB payloads: the 6th fetch (1.2GB raw) must trigger eviction.
	fetcher := newFakeFetcher(200_000_000)
	c := New(dir, 1, fetcher)

	for i := 0; i < 6; i++ {
		_, err := c.Get(context.Background(), fmt.Sprintf("model-%d", i))
		require.NoError(t, err)
	}

	stats := c.GetCacheStats()
	assert.LessOrEqual(t, stats.UsedBytes, int64(float64(stats.MaxBytes)*evictionTargetFraction)+1)
}

func TestGetRefetchesIfCachedFileWasRemoved(t *testing.T) {
	dir := t.TempDir()
	fetcher := newFakeFetcher(1024)
	c := New(dir, 1, fetcher)

	path, err := c.Get(context.Background(), "model-a")
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	_, err = c.Get(context.Background(), "model-a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetcher.fetches))
}
