package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/synapsefleet/synapse/internal/apperror"
	"github.com/synapsefleet/synapse/internal/ids"
)

// Fake is an in-memory Sandbox used by workeragent and supervisor
// tests, standing in for a real container runtime. volumes models the
// named per-project workspace volume DockerSandbox attaches: it
// survives a Destroy(removeVolume=false)+Create cycle, keyed by
// project rather than container ID, so tests can assert that a
// restart preserves workspace contents.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	volumes    map[string]map[string]string
	ExecFunc   func(id string, argv []string) ExecResult
}

type fakeContainer struct {
	destroyed bool
	ip        string
	project   string
}

// NewFake returns a ready-to-use Fake sandbox.
func NewFake() *Fake {
	return &Fake{containers: make(map[string]*fakeContainer), volumes: make(map[string]map[string]string)}
}

func (f *Fake) Create(_ context.Context, opts CreateOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := ids.New()
	f.containers[id] = &fakeContainer{ip: "10.88.0." + fmt.Sprint(len(f.containers)+2), project: opts.Project}
	if opts.Project != "" {
		if _, ok := f.volumes[opts.Project]; !ok {
			f.volumes[opts.Project] = make(map[string]string)
		}
	}
	return id, nil
}

func (f *Fake) Destroy(_ context.Context, id, project string, removeVolume bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil
	}
	c.destroyed = true
	if removeVolume && project != "" {
		delete(f.volumes, project)
	}
	return nil
}

// WriteWorkspaceFile simulates a file written inside project's
// /workspace, for tests asserting restart-preserves-workspace
// behavior.
func (f *Fake) WriteWorkspaceFile(project, name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vol, ok := f.volumes[project]
	if !ok {
		vol = make(map[string]string)
		f.volumes[project] = vol
	}
	vol[name] = content
}

// ReadWorkspaceFile reads back a simulated workspace file.
func (f *Fake) ReadWorkspaceFile(project, name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vol, ok := f.volumes[project]
	if !ok {
		return "", false
	}
	content, ok := vol[name]
	return content, ok
}

func (f *Fake) Exec(_ context.Context, id string, argv []string, _ int) (ExecResult, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	f.mu.Unlock()
	if !ok || c.destroyed {
		return ExecResult{}, apperror.New(apperror.NotFound, "sandbox container not found")
	}
	if f.ExecFunc != nil {
		return f.ExecFunc(id, argv), nil
	}
	return ExecResult{ExitCode: 0, Stdout: "", Stderr: ""}, nil
}

func (f *Fake) IP(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || c.destroyed {
		return "", apperror.New(apperror.NotFound, "sandbox container not found")
	}
	return c.ip, nil
}

func (f *Fake) Health(_ context.Context, id string) (HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return HealthStatus{}, apperror.New(apperror.NotFound, "sandbox container not found")
	}
	if c.destroyed {
		return HealthStatus{Alive: false, Message: "destroyed"}, nil
	}
	return HealthStatus{Alive: true, Message: "running"}, nil
}

func (f *Fake) Close() error { return nil }

var _ Sandbox = (*Fake)(nil)
