// Package agent spawns the model-inference agent as a separate OS process
// and supervises it: a wall-clock timeout enforced by SIGTERM, a SIGKILL
// escalation after a grace period, and a Wait() that always runs so the
// child is reaped even when it is killed.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/dimesh-project/dim/pkg/dimerr"
)

// killGrace is how long Run waits after SIGTERM before escalating to
// SIGKILL.
const killGrace = 5 * time.Second

// Supervisor spawns one agent binary per Run call.
type Supervisor struct {
	binaryPath string
	args       []string
}

func New(binaryPath string, args ...string) *Supervisor {
	return &Supervisor{binaryPath: binaryPath, args: args}
}

// Run writes input as a single JSON line to the agent's stdin and reads
// one JSON line of output from its stdout, enforcing timeout as a
// wall-clock deadline on the whole call.
func (s *Supervisor) Run(ctx context.Context, input map[string]any, timeout time.Duration) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(s.binaryPath, s.args...)
	// Bound how long Wait keeps draining stdout/stderr once the agent has
	// exited: a grandchild still holding the pipes must not stall reaping.
	cmd.WaitDelay = time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, dimerr.Wrap(dimerr.InternalError, "open agent stdin", err)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, dimerr.Wrap(dimerr.AgentCrashed, "start agent process", err)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, dimerr.Wrap(dimerr.InternalError, "marshal agent input", err)
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, dimerr.Wrap(dimerr.AgentCrashed, "write agent input", err)
	}
	stdin.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return s.parseResult(err, stdout.Bytes(), stderr.Bytes())
	case <-runCtx.Done():
		return nil, s.killAndReap(cmd, done)
	}
}

// killAndReap sends SIGTERM, gives the process killGrace to exit, and
// sends SIGKILL if it hasn't. It always blocks on the done channel so the
// process is reaped and never left a zombie, regardless of which signal
// finally stopped it.
func (s *Supervisor) killAndReap(cmd *exec.Cmd, done chan error) error {
	cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-done:
		return dimerr.New(dimerr.Timeout, "agent exceeded wall-clock timeout")
	case <-time.After(killGrace):
		cmd.Process.Signal(syscall.SIGKILL)
		<-done // always reap
		return dimerr.New(dimerr.Timeout, "agent exceeded wall-clock timeout; killed after grace period")
	}
}

func (s *Supervisor) parseResult(waitErr error, stdout, stderr []byte) (map[string]any, error) {
	if waitErr != nil {
		return nil, dimerr.Wrap(dimerr.AgentCrashed, fmt.Sprintf("agent exited: %s", stderr), waitErr)
	}

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return nil, dimerr.New(dimerr.AgentCrashed, "agent produced no output")
	}

	var result map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &result); err != nil {
		return nil, dimerr.Wrap(dimerr.AgentCrashed, "parse agent output", err)
	}
	if errMsg, ok := result["error"]; ok {
		return nil, dimerr.New(dimerr.AgentCrashed, fmt.Sprintf("%v", errMsg))
	}
	return result, nil
}
