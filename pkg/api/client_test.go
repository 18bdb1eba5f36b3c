package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimesh-project/dim/pkg/transport"
	"github.com/dimesh-project/dim/pkg/types"
)

type fakeResolver struct {
	nodes []types.NodeInfo
}

func (f *fakeResolver) Snapshot(ctx context.Context) ([]types.NodeInfo, error) {
	return f.nodes, nil
}

func TestSubmitAndAwaitRejectsUnknownNode(t *testing.T) {
	c := NewNodeClient(&fakeResolver{}, transport.NewPool())
	_, err := c.SubmitAndAwait(context.Background(), "ghost", types.JobSpec{})
	assert.Error(t, err)
}

func TestSubmitAndAwaitRejectsInactiveNode(t *testing.T) {
	resolver := &fakeResolver{nodes: []types.NodeInfo{{NodeID: "n1", Status: types.NodeInactive}}}
	c := NewNodeClient(resolver, transport.NewPool())
	_, err := c.SubmitAndAwait(context.Background(), "n1", types.JobSpec{})
	assert.Error(t, err)
}

func TestSubmitAndAwaitRoundTrip(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/jobs":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(jobStatusResponse{JobID: "job-1", State: types.JobPending})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/jobs/job-1":
			polls++
			state := types.JobRunning
			if polls >= 2 {
				state = types.JobCompleted
			}
			json.NewEncoder(w).Encode(jobStatusResponse{JobID: "job-1", State: state})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/jobs/job-1/result":
			json.NewEncoder(w).Encode(map[string]any{"output": map[string]any{"value": 42.0}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	resolver := &fakeResolver{nodes: []types.NodeInfo{{NodeID: "n1", Status: types.NodeActive, Address: srv.Listener.Addr().String()}}}
	c := NewNodeClient(resolver, transport.NewPool())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.SubmitAndAwait(ctx, "n1", types.JobSpec{JobID: "job-1", Config: types.JobConfig{ModelID: "m1"}})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out["value"])
}

func TestSubmitAndAwaitPropagatesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(jobStatusResponse{JobID: "job-2", State: types.JobPending})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(jobStatusResponse{JobID: "job-2", State: types.JobFailed, Error: "agent crashed"})
		}
	}))
	defer srv.Close()

	resolver := &fakeResolver{nodes: []types.NodeInfo{{NodeID: "n1", Status: types.NodeActive, Address: srv.Listener.Addr().String()}}}
	c := NewNodeClient(resolver, transport.NewPool())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.SubmitAndAwait(ctx, "n1", types.JobSpec{JobID: "job-2", Config: types.JobConfig{ModelID: "m1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent crashed")
}
