package orchestrator

import (
	"context"
	"fmt"
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

type fakeStore struct {
	mu        sync.Mutex
	puts      int
	blobs     map[string][]byte
	names     map[string]string
	published []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: make(map[string][]byte), names: make(map[string]string)}
}

func (f *fakeStore) Publish(ctx context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return nil
}

func (f *fakeStore) Put(ctx context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	cid := fmt.Sprintf("cid-%d", f.puts)
	f.blobs[cid] = data
	return cid, nil
}

func (f *fakeStore) Get(ctx context.Context, cid string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[cid]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) NamePublish(ctx context.Context, name, cid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[name] = cid
	return nil
}

func (f *fakeStore) NameResolve(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cid, ok := f.names[name]
	if !ok {
		return "", objectstore.ErrNotFound
	}
	return cid, nil
}

type fakeRegistry struct {
	nodes []types.NodeInfo
}

func (f *fakeRegistry) Snapshot(ctx context.Context) ([]types.NodeInfo, error) {
	return f.nodes, nil
}

func (f *fakeRegistry) UpdateReputation(ctx context.Context, nodeID string, success bool) error {
	return nil
}

type fakeCaller struct {
	fn func(nodeID string, spec types.JobSpec) (map[string]any, error)
}

func (f *fakeCaller) SubmitAndAwait(ctx context.Context, nodeID string, spec types.JobSpec) (map[string]any, error) {
	return f.fn(nodeID, spec)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForTerminal(t *testing.T, o *Orchestrator, jobID string) types.JobStatus {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		status, err := o.GetJobStatus(context.Background(), jobID)
		require.NoError(t, err)
		if types.IsTerminal(status.State) {
			return status
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return types.JobStatus{}
}

func TestSubmitJobRejectsInvalidSpecWithoutSideEffects(t *testing.T) {
	store := newFakeStore()
	caller := &fakeCaller{fn: func(string, types.JobSpec) (map[string]any, error) { return nil, nil }}
	o := New(Config{}, store, &fakeRegistry{}, caller, nil, discardLogger())

	_, err := o.SubmitJob(context.Background(), types.JobSpec{Pattern: types.PatternCollaborative})
	assert.Error(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Zero(t, store.puts, "invalid spec must not write to the object store")
	assert.Empty(t, o.ListJobs(), "invalid spec must not register a tracked job")
}

func TestSubmitJobRejectsUnknownNode(t *testing.T) {
	store := newFakeStore()
	caller := &fakeCaller{fn: func(string, types.JobSpec) (map[string]any, error) { return nil, nil }}
	o := New(Config{}, store, &fakeRegistry{nodes: []types.NodeInfo{{NodeID: "n1", Status: types.NodeActive}}}, caller, nil, discardLogger())

	spec := types.JobSpec{
		Pattern: types.PatternCollaborative,
		Config:  types.JobConfig{ModelID: "m1", Nodes: []string{"n1", "ghost"}},
	}
	_, err := o.SubmitJob(context.Background(), spec)
	assert.Error(t, err)
}

func TestSubmitJobRunsToCompletion(t *testing.T) {
	store := newFakeStore()
	caller := &fakeCaller{fn: func(nodeID string, spec types.JobSpec) (map[string]any, error) {
		return map[string]any{"value": 1.0}, nil
	}}
	reg := &fakeRegistry{nodes: []types.NodeInfo{
		{NodeID: "n1", Status: types.NodeActive},
		{NodeID: "n2", Status: types.NodeActive},
	}}
	o := New(Config{}, store, reg, caller, nil, discardLogger())

	spec := types.JobSpec{
		Pattern: types.PatternCollaborative,
		Config:  types.JobConfig{ModelID: "m1", Nodes: []string{"n1", "n2"}},
	}
	status, err := o.SubmitJob(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, status.State)

	final := waitForTerminal(t, o, status.JobID)
	assert.Equal(t, types.JobCompleted, final.State)

	result, err := o.GetJobResult(context.Background(), status.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Output["aggregated_output"])

	store.mu.Lock()
	assert.Contains(t, store.published, JobUpdateTopic)
	store.mu.Unlock()
}

func TestSubmitJobFailsWhenAllNodesFail(t *testing.T) {
	store := newFakeStore()
	caller := &fakeCaller{fn: func(string, types.JobSpec) (map[string]any, error) {
		return nil, fmt.Errorf("node unreachable")
	}}
	reg := &fakeRegistry{nodes: []types.NodeInfo{
		{NodeID: "n1", Status: types.NodeActive},
		{NodeID: "n2", Status: types.NodeActive},
	}}
	o := New(Config{}, store, reg, caller, nil, discardLogger())

	spec := types.JobSpec{
		Pattern: types.PatternCollaborative,
		Config:  types.JobConfig{ModelID: "m1", Nodes: []string{"n1", "n2"}},
	}
	status, err := o.SubmitJob(context.Background(), spec)
	require.NoError(t, err)

	final := waitForTerminal(t, o, status.JobID)
	assert.Equal(t, types.JobFailed, final.State)
	assert.NotEmpty(t, final.Error)
}

func TestCancelJobTransitionsToCancelled(t *testing.T) {
	store := newFakeStore()
	block := make(chan struct{})
	caller := &fakeCaller{fn: func(string, types.JobSpec) (map[string]any, error) {
		<-block
		return map[string]any{"value": 1.0}, nil
	}}
	reg := &fakeRegistry{nodes: []types.NodeInfo{
		{NodeID: "n1", Status: types.NodeActive},
		{NodeID: "n2", Status: types.NodeActive},
	}}
	o := New(Config{}, store, reg, caller, nil, discardLogger())

	spec := types.JobSpec{
		Pattern: types.PatternCollaborative,
		Config:  types.JobConfig{ModelID: "m1", Nodes: []string{"n1", "n2"}},
	}
	status, err := o.SubmitJob(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, o.CancelJob(context.Background(), status.JobID, ""))
	got, err := o.GetJobStatus(context.Background(), status.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.State)
	close(block)
}

func TestCancelJobRejectsNonOwner(t *testing.T) {
	store := newFakeStore()
	block := make(chan struct{})
	caller := &fakeCaller{fn: func(string, types.JobSpec) (map[string]any, error) {
		<-block
		return map[string]any{"value": 1.0}, nil
	}}
	reg := &fakeRegistry{nodes: []types.NodeInfo{
		{NodeID: "n1", Status: types.NodeActive},
		{NodeID: "n2", Status: types.NodeActive},
	}}
	o := New(Config{}, store, reg, caller, nil, discardLogger())

	spec := types.JobSpec{
		UserID:  "alice",
		Pattern: types.PatternCollaborative,
		Config:  types.JobConfig{ModelID: "m1", Nodes: []string{"n1", "n2"}},
	}
	status, err := o.SubmitJob(context.Background(), spec)
	require.NoError(t, err)

	err = o.CancelJob(context.Background(), status.JobID, "mallory")
	assert.Error(t, err, "a different user must not be able to cancel alice's job")

	require.NoError(t, o.CancelJob(context.Background(), status.JobID, "alice"), "the owner can cancel their own job")
	close(block)
}

func TestCancelJobAdminOverrideIgnoresOwnership(t *testing.T) {
	store := newFakeStore()
	block := make(chan struct{})
	caller := &fakeCaller{fn: func(string, types.JobSpec) (map[string]any, error) {
		<-block
		return map[string]any{"value": 1.0}, nil
	}}
	reg := &fakeRegistry{nodes: []types.NodeInfo{
		{NodeID: "n1", Status: types.NodeActive},
		{NodeID: "n2", Status: types.NodeActive},
	}}
	o := New(Config{}, store, reg, caller, nil, discardLogger())

	spec := types.JobSpec{
		UserID:  "alice",
		Pattern: types.PatternCollaborative,
		Config:  types.JobConfig{ModelID: "m1", Nodes: []string{"n1", "n2"}},
	}
	status, err := o.SubmitJob(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, o.CancelJob(context.Background(), status.JobID, ""))
	close(block)
}

func TestListJobsReturnsAllTrackedJobs(t *testing.T) {
	store := newFakeStore()
	caller := &fakeCaller{fn: func(string, types.JobSpec) (map[string]any, error) { return map[string]any{"value": 1.0}, nil }}
	reg := &fakeRegistry{nodes: []types.NodeInfo{
		{NodeID: "n1", Status: types.NodeActive},
		{NodeID: "n2", Status: types.NodeActive},
	}}
	o := New(Config{}, store, reg, caller, nil, discardLogger())

	for i := 0; i < 3; i++ {
		spec := types.JobSpec{
			Pattern: types.PatternCollaborative,
			Config:  types.JobConfig{ModelID: "m1", Nodes: []string{"n1", "n2"}},
		}
		_, err := o.SubmitJob(context.Background(), spec)
		require.NoError(t, err)
	}
	assert.Len(t, o.ListJobs(), 3)
}
