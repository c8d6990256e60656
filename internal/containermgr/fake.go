package containermgr

import (
	"context"
	"sync"

	"github.com/synapsefleet/synapse/internal/ids"
	"github.com/synapsefleet/synapse/internal/sandbox"
	"github.com/synapsefleet/synapse/internal/types"
)

// FakeWorkerClient is an in-memory WorkerClient for tests, standing in
// for a real WorkerAgent over the network.
type FakeWorkerClient struct {
	mu         sync.Mutex
	sandboxIDs map[string]string // instance ID -> sandbox ID
	tasks      map[string][]byte // instance ID -> last task document
	CreateErr  error
	ExecFunc   func(argv []string) sandbox.ExecResult
}

// NewFakeWorkerClient returns a ready-to-use FakeWorkerClient.
func NewFakeWorkerClient() *FakeWorkerClient {
	return &FakeWorkerClient{sandboxIDs: make(map[string]string)}
}

func (f *FakeWorkerClient) CreateContainer(_ context.Context, w *types.Worker, _ map[string]string, _ float64, _ int64) (string, error) {
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "sbx-" + ids.New()[:8]
	f.sandboxIDs[w.InstanceID] = id
	return id, nil
}

func (f *FakeWorkerClient) RestartContainer(ctx context.Context, w *types.Worker, env map[string]string, cpus float64, memMB int64) (string, error) {
	return f.CreateContainer(ctx, w, env, cpus, memMB)
}

func (f *FakeWorkerClient) DestroyContainer(_ context.Context, w *types.Worker, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sandboxIDs, w.InstanceID)
	return nil
}

func (f *FakeWorkerClient) Exec(_ context.Context, w *types.Worker, argv []string, _ int) (sandbox.ExecResult, error) {
	f.mu.Lock()
	_, ok := f.sandboxIDs[w.InstanceID]
	f.mu.Unlock()
	if !ok {
		return sandbox.ExecResult{}, nil
	}
	if f.ExecFunc != nil {
		return f.ExecFunc(argv), nil
	}
	return sandbox.ExecResult{ExitCode: 0}, nil
}

// FakeGatewayHealth reports healthy once the given IP has been marked
// so, letting tests control exactly when a local sandbox's health
// retry succeeds.
type FakeGatewayHealth struct {
	mu      sync.Mutex
	healthy map[string]bool
}

// NewFakeGatewayHealth returns a ready-to-use FakeGatewayHealth.
func NewFakeGatewayHealth() *FakeGatewayHealth {
	return &FakeGatewayHealth{healthy: make(map[string]bool)}
}

func (f *FakeGatewayHealth) CheckHealthy(_ context.Context, ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[ip]
}

func (f *FakeGatewayHealth) MarkHealthy(ip string) {
	f.mu.Lock()
	f.healthy[ip] = true
	f.mu.Unlock()
}

func (f *FakeWorkerClient) PutTask(_ context.Context, w *types.Worker, doc []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sandboxIDs[w.InstanceID]; !ok {
		return nil
	}
	if f.tasks == nil {
		f.tasks = make(map[string][]byte)
	}
	f.tasks[w.InstanceID] = append([]byte(nil), doc...)
	return nil
}

func (f *FakeWorkerClient) GetMemory(_ context.Context, _ *types.Worker) (map[string]string, error) {
	return map[string]string{"short_term_memory": "", "long_term_memory": "", "plan": ""}, nil
}

func (f *FakeWorkerClient) GetLogs(_ context.Context, _ *types.Worker, _ int) (string, error) {
	return "", nil
}

func (f *FakeWorkerClient) SupervisorControl(_ context.Context, _ *types.Worker, _ string) error {
	return nil
}

func (f *FakeWorkerClient) Message(_ context.Context, _ *types.Worker, _ string) error {
	return nil
}

var _ WorkerClient = (*FakeWorkerClient)(nil)
var _ GatewayHealth = (*FakeGatewayHealth)(nil)
