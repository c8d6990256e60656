package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/synapsefleet/synapse/internal/types"
)

// fsTaskStore reads and writes the task document directly off the
// local filesystem -- the Supervisor and the WorkerAgent share the
// same workspace volume, so no RPC is needed from inside the sandbox.
type fsTaskStore struct {
	path string
}

func newFSTaskStore(workspaceRoot string) *fsTaskStore {
	return &fsTaskStore{path: filepath.Join(workspaceRoot, "task.json")}
}

func (s *fsTaskStore) Load(_ context.Context) (*types.Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *fsTaskStore) Save(_ context.Context, t *types.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// shellVerifyRunner executes a task's verify_command through the
// shell in the workspace directory and parses its trimmed stdout as a
// float, per the Goal.VerifyCommand contract.
type shellVerifyRunner struct {
	workspaceRoot string
	timeout       time.Duration
}

func newShellVerifyRunner(workspaceRoot string) *shellVerifyRunner {
	return &shellVerifyRunner{workspaceRoot: workspaceRoot, timeout: 60 * time.Second}
}

func (r *shellVerifyRunner) Verify(ctx context.Context, command string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.workspaceRoot
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("verify command: %w: %s%s", err, out.String(), errOut.String())
	}

	metric, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("verify command did not print a number: %w", err)
	}
	return metric, nil
}
