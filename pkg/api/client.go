package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dimesh-project/dim/pkg/dimerr"
	"github.com/dimesh-project/dim/pkg/transport"
	"github.com/dimesh-project/dim/pkg/types"
)

const (
	nodeRPCScheme  = "http"
	pollInterval   = 200 * time.Millisecond
	daemonJobsPath = "/api/v1/jobs"
)

// AddressResolver maps a node's registry entry to its dialable RPC
// address. Satisfied by *registry.Registry's Snapshot method.
type AddressResolver interface {
	Snapshot(ctx context.Context) ([]types.NodeInfo, error)
}

// NodeClient implements engine.NodeCaller over HTTP: it submits a JobSpec
// to a daemon's RPC surface, polls GetJobStatus until the job reaches a
// terminal state, then fetches the result. One NodeClient is shared by
// every pattern engine invocation; per-endpoint connections are reused
// via the transport pool.
type NodeClient struct {
	resolver AddressResolver
	pool     *transport.Pool
}

func NewNodeClient(resolver AddressResolver, pool *transport.Pool) *NodeClient {
	return &NodeClient{resolver: resolver, pool: pool}
}

type submitJobRequest struct {
	JobID    string          `json:"job_id"`
	UserID   string          `json:"user_id"`
	Pattern  types.Pattern   `json:"pattern"`
	Priority types.Priority  `json:"priority"`
	Config   types.JobConfig `json:"config"`
	Timeout  time.Duration   `json:"timeout"`
}

type jobStatusResponse struct {
	JobID  string         `json:"job_id"`
	State  types.JobState `json:"state"`
	Error  string         `json:"error,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// SubmitAndAwait dials the node identified by nodeID, submits spec as a
// single-node job, and blocks until the daemon reports a terminal state.
func (c *NodeClient) SubmitAndAwait(ctx context.Context, nodeID string, spec types.JobSpec) (map[string]any, error) {
	addr, err := c.nodeAddress(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	base := transport.Endpoint(nodeRPCScheme, addr)
	client := c.pool.Get(base)

	jobID, err := c.submit(ctx, client, base, spec)
	if err != nil {
		return nil, dimerr.Wrap(dimerr.RPCUnavailable, fmt.Sprintf("submit job to node %s", nodeID), err)
	}

	return c.awaitResult(ctx, client, base, jobID)
}

func (c *NodeClient) nodeAddress(ctx context.Context, nodeID string) (string, error) {
	nodes, err := c.resolver.Snapshot(ctx)
	if err != nil {
		return "", dimerr.Wrap(dimerr.InternalError, "resolve node address", err)
	}
	for _, n := range nodes {
		if n.NodeID == nodeID {
			if n.Status != types.NodeActive {
				return "", dimerr.New(dimerr.RPCUnavailable, fmt.Sprintf("node %s is not active", nodeID))
			}
			return n.Address, nil
		}
	}
	return "", dimerr.New(dimerr.InvalidSpec, fmt.Sprintf("unknown node: %s", nodeID))
}

func (c *NodeClient) submit(ctx context.Context, client *http.Client, base string, spec types.JobSpec) (string, error) {
	body := submitJobRequest{
		JobID:    spec.JobID,
		UserID:   spec.UserID,
		Pattern:  spec.Pattern,
		Priority: spec.Priority,
		Config:   spec.Config,
		Timeout:  spec.Timeout,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+daemonJobsPath, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(data))
	}

	var status jobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", err
	}
	if status.JobID == "" {
		return "", fmt.Errorf("daemon response missing job_id")
	}
	return status.JobID, nil
}

func (c *NodeClient) awaitResult(ctx context.Context, client *http.Client, base, jobID string) (map[string]any, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			status, err := c.fetchStatus(ctx, client, base, jobID)
			if err != nil {
				return nil, err
			}
			switch status.State {
			case types.JobCompleted:
				return c.fetchResult(ctx, client, base, jobID)
			case types.JobFailed:
				return nil, dimerr.New(dimerr.AgentCrashed, status.Error)
			case types.JobCancelled:
				return nil, dimerr.New(dimerr.Timeout, "job was cancelled before completion")
			}
		}
	}
}

func (c *NodeClient) fetchStatus(ctx context.Context, client *http.Client, base, jobID string) (jobStatusResponse, error) {
	var status jobStatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s%s/%s", base, daemonJobsPath, jobID), nil)
	if err != nil {
		return status, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return status, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, err
	}
	return status, nil
}

func (c *NodeClient) fetchResult(ctx context.Context, client *http.Client, base, jobID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s%s/%s/result", base, daemonJobsPath, jobID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		Output map[string]any `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Output, nil
}
