package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimesh-project/dim/pkg/daemon"
	"github.com/dimesh-project/dim/pkg/daemon/jobqueue"
	"github.com/dimesh-project/dim/pkg/daemon/resource"
	"github.com/dimesh-project/dim/pkg/dimerr"
	"github.com/dimesh-project/dim/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDaemon struct {
	submitted types.JobSpec
	status    types.JobStatus
	result    types.Result
	cancelErr error
}

func (f *fakeDaemon) SubmitJob(spec types.JobSpec) (types.JobStatus, error) {
	f.submitted = spec
	return types.JobStatus{JobID: spec.JobID, State: types.JobPending}, nil
}

func (f *fakeDaemon) GetJobStatus(jobID string) (types.JobStatus, error) {
	if jobID != f.status.JobID {
		return types.JobStatus{}, dimerr.New(dimerr.InvalidSpec, "unknown job")
	}
	return f.status, nil
}

func (f *fakeDaemon) GetJobResult(jobID string) (types.Result, error) {
	return f.result, nil
}

func (f *fakeDaemon) CancelJob(jobID string) error { return f.cancelErr }

func (f *fakeDaemon) GetHealth() (daemon.Health, error) {
	return daemon.Health{QueueStats: jobqueue.Stats{}, ResourceStatus: resource.Status{}}, nil
}

func (f *fakeDaemon) GetStats() (daemon.Stats, error) {
	return daemon.Stats{}, nil
}

func newTestDaemonServer(d *fakeDaemon) *DaemonServer {
	return NewDaemonServer(d, "node-1", discardLogger())
}

func TestDaemonServerSubmitJob(t *testing.T) {
	d := &fakeDaemon{}
	s := newTestDaemonServer(d)

	body, _ := json.Marshal(submitDaemonJobRequest{JobID: "job-1", Config: types.JobConfig{ModelID: "m1"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "job-1", d.submitted.JobID)
}

func TestDaemonServerGetJobStatusUnknown(t *testing.T) {
	s := newTestDaemonServer(&fakeDaemon{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/ghost", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDaemonServerHealth(t *testing.T) {
	s := newTestDaemonServer(&fakeDaemon{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "node-1", body["node_id"])
}

func TestDaemonServerCancelJob(t *testing.T) {
	d := &fakeDaemon{}
	s := newTestDaemonServer(d)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
