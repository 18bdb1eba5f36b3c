package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimesh-project/dim/pkg/objectstore"
	"github.com/dimesh-project/dim/pkg/types"
)

type fakePubSub struct {
	mu   sync.Mutex
	subs map[string][]chan objectstore.Message
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{subs: make(map[string][]chan objectstore.Message)}
}

func (f *fakePubSub) Publish(ctx context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		ch <- objectstore.Message{Topic: topic, Payload: append([]byte(nil), data...)}
	}
	return nil
}

func (f *fakePubSub) Subscribe(ctx context.Context, topic string) (<-chan objectstore.Message, func(), error) {
	ch := make(chan objectstore.Message, 16)
	f.mu.Lock()
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch, func() {}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIngestHeartbeatTracksPeerLoad(t *testing.T) {
	ps := newFakePubSub()
	a := New(DefaultConfig("orch-a"), ps, discardLogger(), nil)
	b := New(DefaultConfig("orch-b"), ps, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let Subscribe register before Publish

	b.ReportLoad(9, 10)
	require.NoError(t, b.PublishHeartbeat(ctx))
	time.Sleep(20 * time.Millisecond)

	peer, ok := a.LeastLoadedPeer()
	assert.True(t, ok)
	assert.Equal(t, "orch-b", peer)
}

func TestReassignIsIdempotentOnJobID(t *testing.T) {
	ps := newFakePubSub()
	var mu sync.Mutex
	handled := 0
	b := New(DefaultConfig("orch-b"), ps, discardLogger(), func(ctx context.Context, a Assignment) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})
	a := New(DefaultConfig("orch-a"), ps, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	spec := types.JobSpec{JobID: "job-1", Pattern: types.PatternCollaborative}
	require.NoError(t, a.Reassign(ctx, "job-1", spec, "orch-b"))
	require.NoError(t, a.Reassign(ctx, "job-1", spec, "orch-b")) // duplicate delivery
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, handled, "duplicate assignment for the same job_id must be handled once")
}

func TestShouldReassignCrossesThreshold(t *testing.T) {
	ps := newFakePubSub()
	c := New(DefaultConfig("orch-a"), ps, discardLogger(), nil)
	c.cfg.LoadThreshold = 0.8

	c.ReportLoad(5, 10)
	assert.False(t, c.ShouldReassign())

	c.ReportLoad(9, 10)
	assert.True(t, c.ShouldReassign())
}

func TestLeastLoadedPeerFalseWithNoPeers(t *testing.T) {
	ps := newFakePubSub()
	c := New(DefaultConfig("orch-a"), ps, discardLogger(), nil)
	_, ok := c.LeastLoadedPeer()
	assert.False(t, ok)
}

func TestSweepStalePeersRemovesExpired(t *testing.T) {
	ps := newFakePubSub()
	c := New(DefaultConfig("orch-a"), ps, discardLogger(), nil)
	c.cfg.PeerTTL = 10 * time.Millisecond
	c.peers["orch-b"] = PeerLoad{OrchestratorID: "orch-b", ReportedAt: time.Now().Add(-time.Second)}

	c.sweepStalePeers()

	_, ok := c.LeastLoadedPeer()
	assert.False(t, ok)
}
