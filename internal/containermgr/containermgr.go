// Package containermgr decides, for every sandbox operation a project
// needs, whether to act on a local container directly or delegate to
// that project's dedicated WorkerAgent, purely from Store state:
// worker exists and status=ready means remote. It also owns the
// deterministic env-map composition every sandbox is created with.
package containermgr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synapsefleet/synapse/internal/apperror"
	"github.com/synapsefleet/synapse/internal/clock"
	"github.com/synapsefleet/synapse/internal/config"
	"github.com/synapsefleet/synapse/internal/directive"
	"github.com/synapsefleet/synapse/internal/ids"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/sandbox"
	"github.com/synapsefleet/synapse/internal/secretbox"
	"github.com/synapsefleet/synapse/internal/types"
)

// workspacePath is the fixed in-sandbox path injected as WORKSPACE,
// matching the workeragent's own workspaceRoot convention.
const workspacePath = "/workspace"

const (
	healthRetryTimeout  = 120 * time.Second
	healthRetryInterval = 2 * time.Second
)

// defaultImage is the sandbox image used when a project doesn't
// override it. There is no per-project image override, so this is
// the one constant every Create call uses.
const defaultImage = "synapse/worker-base"

// gatewayPort is the fixed port the in-sandbox gateway listens on,
// reachable directly from the control plane for local-mode sandboxes
// since they share the control plane's Docker network.
const gatewayPort = "8900"

// ProjectStore is the narrow persistence surface ContainerManager
// needs, satisfied directly by *store.Store.
type ProjectStore interface {
	GetProject(name string) (*types.Project, error)
	UpdateProject(p *types.Project) error
	GetSecret(project, key string) (*types.Secret, error)
	ListSecretKeys(project string) ([]string, error)
	GetWorkerForProject(project string) (*types.Worker, error)
}

// WorkerClient is how ContainerManager delegates sandbox operations to
// a project's dedicated WorkerAgent, over the HTTP surface
// internal/workeragent exposes.
type WorkerClient interface {
	CreateContainer(ctx context.Context, w *types.Worker, env map[string]string, cpus float64, memMB int64) (sandboxID string, err error)
	RestartContainer(ctx context.Context, w *types.Worker, env map[string]string, cpus float64, memMB int64) (sandboxID string, err error)
	DestroyContainer(ctx context.Context, w *types.Worker, removeVolume bool) error
	Exec(ctx context.Context, w *types.Worker, argv []string, timeout int) (sandbox.ExecResult, error)
	PutTask(ctx context.Context, w *types.Worker, doc []byte) error
	GetMemory(ctx context.Context, w *types.Worker) (map[string]string, error)
	GetLogs(ctx context.Context, w *types.Worker, lines int) (string, error)
	SupervisorControl(ctx context.Context, w *types.Worker, action string) error
	Message(ctx context.Context, w *types.Worker, content string) error
}

// GatewayHealth probes the in-sandbox gateway's own /health endpoint,
// reachable once the local sandbox has an IP. Remote mode doesn't need
// this: the WorkerAgent already performs its own create/restart health
// retry before answering.
type GatewayHealth interface {
	CheckHealthy(ctx context.Context, ip string) bool
}

// httpGatewayHealth is the production GatewayHealth, probing the fixed
// in-sandbox gateway port the same way workeragent's own
// waitForGatewayHealth does.
type httpGatewayHealth struct{ client *http.Client }

func (h httpGatewayHealth) CheckHealthy(ctx context.Context, ip string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ip+":8900/health", nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// NewHTTPGatewayHealth returns the production GatewayHealth prober.
func NewHTTPGatewayHealth() GatewayHealth {
	return httpGatewayHealth{client: &http.Client{Timeout: 5 * time.Second}}
}

// Manager routes sandbox operations for every project between a local
// Sandbox and a remote WorkerAgent.
type Manager struct {
	store   ProjectStore
	local   sandbox.Sandbox
	worker  WorkerClient
	health  GatewayHealth
	secrets *secretbox.Box
	cfg     *config.Control
	log     *logging.Logger
	clk     clock.Clock

	mu             sync.Mutex
	localSandboxID map[string]string // project name -> sandbox ID, local mode only
}

// New constructs a Manager.
func New(store ProjectStore, local sandbox.Sandbox, worker WorkerClient, health GatewayHealth, secrets *secretbox.Box, cfg *config.Control, log *logging.Logger, clk clock.Clock) *Manager {
	return &Manager{
		store:          store,
		local:          local,
		worker:         worker,
		health:         health,
		secrets:        secrets,
		cfg:            cfg,
		log:            log,
		clk:            clk,
		localSandboxID: make(map[string]string),
	}
}

// isRemote decides local-vs-remote purely from Store state: a worker
// record exists and has reached ready.
func (m *Manager) isRemote(project string) (*types.Worker, bool) {
	w, err := m.store.GetWorkerForProject(project)
	if err != nil || w == nil {
		return nil, false
	}
	return w, w.Status == types.WorkerReady
}

// instanceCapability is the sizing ceiling a given instance type (or,
// absent one, the configured defaults) implies: a small deterministic
// heuristic in the same spirit as internal/provisioner's
// disk-size-by-family table. Bigger size suffixes get proportionally
// more of both resources.
func (m *Manager) instanceCapability(instanceType string) (cpus int, memMB int64) {
	if instanceType == "" {
		return m.cfg.DefaultInstanceCPUs(), int64(m.cfg.DefaultInstanceMemoryMB())
	}
	idx := instanceSizeIndex(instanceType)
	if idx < 1 {
		idx = 1
	}
	return idx * 2, int64(idx) * 4096
}

// instanceSizeIndex extracts the leading integer from an instance
// type's size suffix, e.g. "m5.24xlarge" -> 24, "m5.large" -> 1.
func instanceSizeIndex(instanceType string) int {
	dot := -1
	for i, r := range instanceType {
		if r == '.' {
			dot = i
			break
		}
	}
	if dot < 0 || dot+1 >= len(instanceType) {
		return 0
	}
	suffix := instanceType[dot+1:]
	n, i := 0, 0
	for i < len(suffix) && suffix[i] >= '0' && suffix[i] <= '9' {
		n = n*10 + int(suffix[i]-'0')
		i++
	}
	if i == 0 {
		return 1
	}
	return n
}

// composeEnv builds the sandbox environment map deterministically,
// with a fixed field list and ordering, and returns the effective
// CPU/memory ceiling for this create/restart call.
func (m *Manager) composeEnv(project *types.Project, worker *types.Worker) (map[string]string, float64, int64, error) {
	env := map[string]string{
		"PROJECT_NAME": project.Name,
		"WORKSPACE":    workspacePath,
	}

	if project.EncryptedCred != "" {
		key, err := m.secrets.OpenString(project.EncryptedCred)
		if err != nil {
			return nil, 0, 0, apperror.Wrap(apperror.Integrity, "decrypt llm credential", err)
		}
		env["LLM_API_KEY"] = key
	}

	mcpJSON, err := json.Marshal(project.MCPServers)
	if err != nil {
		return nil, 0, 0, apperror.Wrap(apperror.Validation, "marshal mcp servers", err)
	}
	env["MCP_SERVERS"] = string(mcpJSON)

	keys, err := m.store.ListSecretKeys(project.Name)
	if err != nil {
		return nil, 0, 0, apperror.Wrap(apperror.Integrity, "list project secrets", err)
	}
	for _, k := range keys {
		sec, err := m.store.GetSecret(project.Name, k)
		if err != nil {
			return nil, 0, 0, apperror.Wrap(apperror.Integrity, fmt.Sprintf("load secret %q", k), err)
		}
		plain, err := m.secrets.OpenString(sec.Value)
		if err != nil {
			return nil, 0, 0, apperror.Wrap(apperror.Integrity, fmt.Sprintf("decrypt secret %q", k), err)
		}
		env[k] = plain
	}

	if project.EncryptedExtraEnv != "" {
		blob, err := m.secrets.OpenString(project.EncryptedExtraEnv)
		if err != nil {
			return nil, 0, 0, apperror.Wrap(apperror.Integrity, "decrypt extra env", err)
		}
		var extra map[string]string
		if err := json.Unmarshal([]byte(blob), &extra); err != nil {
			return nil, 0, 0, apperror.Wrap(apperror.Integrity, "parse extra env blob", err)
		}
		for k, v := range extra {
			env[k] = v
		}
	}

	capCPUs, capMemMB := m.instanceCapability(project.InstanceType)

	var cpus float64
	var memMB int64
	remote := worker != nil
	if remote {
		cpus = float64(capCPUs)
		memMB = int64(float64(capMemMB) * 0.9)
	} else {
		cpus = float64(min(m.cfg.DefaultInstanceCPUs(), capCPUs))
		memMB = int64(min(m.cfg.DefaultInstanceMemoryMB(), int(capMemMB)))
	}

	env["INSTANCE_TYPE"] = project.InstanceType
	env["INSTANCE_CPUS"] = fmt.Sprint(int(cpus))
	env["INSTANCE_MEMORY_MB"] = fmt.Sprint(memMB)
	env["HOST_CPUS"] = fmt.Sprint(capCPUs)
	env["HOST_MEMORY_MB"] = fmt.Sprint(capMemMB)

	return env, cpus, memMB, nil
}

// Create stands up a sandbox for project, in local or remote mode
// according to Store state, and waits for the in-sandbox gateway to
// answer /health before returning. Failure marks the project
// status=error.
func (m *Manager) Create(ctx context.Context, project string) error {
	p, err := m.store.GetProject(project)
	if err != nil || p == nil {
		return apperror.New(apperror.NotFound, "project not found")
	}
	worker, remote := m.isRemote(project)

	env, cpus, memMB, err := m.composeEnv(p, worker)
	if err != nil {
		m.markError(p)
		return err
	}

	if remote {
		if _, err := m.worker.CreateContainer(ctx, worker, env, cpus, memMB); err != nil {
			m.markError(p)
			return apperror.Wrap(apperror.TransientUpstream, "create remote container", err)
		}
		return nil
	}

	id, err := m.local.Create(ctx, sandbox.CreateOpts{Image: defaultImage, Env: env, CPULimit: cpus, MemLimitMB: memMB, Project: project})
	if err != nil {
		m.markError(p)
		return apperror.Wrap(apperror.TransientUpstream, "create local sandbox", err)
	}
	if err := m.awaitLocalGatewayHealth(ctx, id); err != nil {
		_ = m.local.Destroy(context.Background(), id, project, false)
		m.markError(p)
		return err
	}

	m.mu.Lock()
	m.localSandboxID[project] = id
	m.mu.Unlock()
	return nil
}

// Restart preserves the workspace volume and recreates the sandbox
// with the project's current env.
func (m *Manager) Restart(ctx context.Context, project string) error {
	p, err := m.store.GetProject(project)
	if err != nil || p == nil {
		return apperror.New(apperror.NotFound, "project not found")
	}
	worker, remote := m.isRemote(project)

	env, cpus, memMB, err := m.composeEnv(p, worker)
	if err != nil {
		m.markError(p)
		return err
	}

	if remote {
		if _, err := m.worker.RestartContainer(ctx, worker, env, cpus, memMB); err != nil {
			m.markError(p)
			return apperror.Wrap(apperror.TransientUpstream, "restart remote container", err)
		}
		return nil
	}

	m.mu.Lock()
	oldID := m.localSandboxID[project]
	m.mu.Unlock()
	if oldID != "" {
		if err := m.local.Destroy(ctx, oldID, project, false); err != nil {
			m.markError(p)
			return apperror.Wrap(apperror.TransientUpstream, "destroy old local sandbox", err)
		}
	}

	id, err := m.local.Create(ctx, sandbox.CreateOpts{Image: defaultImage, Env: env, CPULimit: cpus, MemLimitMB: memMB, Project: project})
	if err != nil {
		m.markError(p)
		return apperror.Wrap(apperror.TransientUpstream, "recreate local sandbox", err)
	}
	if err := m.awaitLocalGatewayHealth(ctx, id); err != nil {
		_ = m.local.Destroy(context.Background(), id, project, false)
		m.markError(p)
		return err
	}

	m.mu.Lock()
	m.localSandboxID[project] = id
	m.mu.Unlock()
	return nil
}

// Destroy tears down project's sandbox. removeVolume also drops the
// workspace volume.
func (m *Manager) Destroy(ctx context.Context, project string, removeVolume bool) error {
	worker, remote := m.isRemote(project)
	if remote {
		return m.worker.DestroyContainer(ctx, worker, removeVolume)
	}

	m.mu.Lock()
	id := m.localSandboxID[project]
	delete(m.localSandboxID, project)
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	return m.local.Destroy(ctx, id, project, removeVolume)
}

// Exec runs a one-shot command in project's sandbox and returns the
// combined output.
func (m *Manager) Exec(ctx context.Context, project string, argv []string, timeout int) (sandbox.ExecResult, error) {
	worker, remote := m.isRemote(project)
	if remote {
		return m.worker.Exec(ctx, worker, argv, timeout)
	}

	m.mu.Lock()
	id := m.localSandboxID[project]
	m.mu.Unlock()
	if id == "" {
		return sandbox.ExecResult{}, apperror.New(apperror.Conflict, "no sandbox created yet")
	}
	return m.local.Exec(ctx, id, argv, timeout)
}

// canonicalMemoryFiles are the three canonical workspace files
// GET .../memory returns.
var canonicalMemoryFiles = map[string]string{
	"short_term_memory": "/workspace/memory/short_term.md",
	"long_term_memory":  "/workspace/memory/long_term.md",
	"plan":              "/workspace/plan.md",
}

// PutTask writes the task document verbatim for project's sandbox.
// Remote mode delegates to the WorkerAgent's own /task handler; local
// mode writes the file directly through a shell exec, the same
// destination path the agent uses (/workspace/task.json).
func (m *Manager) PutTask(ctx context.Context, project string, doc []byte) error {
	if !json.Valid(doc) {
		return apperror.New(apperror.Validation, "task document must be valid JSON")
	}
	worker, remote := m.isRemote(project)
	if remote {
		return m.worker.PutTask(ctx, worker, doc)
	}

	id, err := m.requireLocalSandbox(project)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(doc)
	argv := []string{"sh", "-c", "printf '%s' " + encoded + " | base64 -d > /workspace/task.json"}
	res, err := m.local.Exec(ctx, id, argv, 10)
	if err != nil {
		return apperror.Wrap(apperror.TransientUpstream, "write task document", err)
	}
	if res.ExitCode != 0 {
		return apperror.New(apperror.TransientUpstream, "write task document: "+res.Stderr)
	}
	return nil
}

// GetTask reads and parses the current task document, or nil if none
// has been created yet.
func (m *Manager) GetTask(ctx context.Context, project string) (*types.Task, error) {
	res, err := m.Exec(ctx, project, []string{"cat", "/workspace/task.json"}, 10)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 || res.Stdout == "" {
		return nil, nil
	}
	var t types.Task
	if err := json.Unmarshal([]byte(res.Stdout), &t); err != nil {
		return nil, apperror.Wrap(apperror.Integrity, "parse task document", err)
	}
	return &t, nil
}

// Memory reads the three canonical workspace files, best-effort: a
// missing file reads as an empty string rather than an error.
func (m *Manager) Memory(ctx context.Context, project string) (map[string]string, error) {
	worker, remote := m.isRemote(project)
	if remote {
		return m.worker.GetMemory(ctx, worker)
	}

	id, err := m.requireLocalSandbox(project)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(canonicalMemoryFiles))
	for field, path := range canonicalMemoryFiles {
		res, err := m.local.Exec(ctx, id, []string{"cat", path}, 10)
		if err != nil || res.ExitCode != 0 {
			out[field] = ""
			continue
		}
		out[field] = res.Stdout
	}
	return out, nil
}

// Logs tails the supervisor's log file.
func (m *Manager) Logs(ctx context.Context, project string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	worker, remote := m.isRemote(project)
	if remote {
		return m.worker.GetLogs(ctx, worker, lines)
	}

	id, err := m.requireLocalSandbox(project)
	if err != nil {
		return "", err
	}
	res, err := m.local.Exec(ctx, id, []string{"tail", "-n", strconv.Itoa(lines), "/workspace/logs/supervisor.log"}, 10)
	if err != nil {
		return "", apperror.Wrap(apperror.TransientUpstream, "tail logs", err)
	}
	return res.Stdout, nil
}

// SupervisorControl forwards a pause/resume/stop/restart action to the
// in-sandbox Supervisor via its gateway's /supervisor/control route.
func (m *Manager) SupervisorControl(ctx context.Context, project, action string) error {
	worker, remote := m.isRemote(project)
	if remote {
		return m.worker.SupervisorControl(ctx, worker, action)
	}

	ip, err := m.localGatewayIP(ctx, project)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"action": action})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+ip+":"+gatewayPort+"/supervisor/control", bytes.NewReader(body))
	if err != nil {
		return apperror.Wrap(apperror.TransientUpstream, "build supervisor control request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return apperror.Wrap(apperror.TransientUpstream, "gateway unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return apperror.New(apperror.TransientUpstream, "supervisor control failed: "+string(b))
	}
	return nil
}

// Message delivers a single chat message to the in-sandbox gateway, the
// same short-lived-connection shape workeragent.handleMessage uses.
func (m *Manager) Message(ctx context.Context, project, content string) error {
	worker, remote := m.isRemote(project)
	if remote {
		return m.worker.Message(ctx, worker, content)
	}

	ip, err := m.localGatewayIP(ctx, project)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+ip+":"+gatewayPort+"/ws", nil)
	if err != nil {
		return apperror.Wrap(apperror.TransientUpstream, "dial gateway", err)
	}
	defer conn.Close()
	frame := map[string]any{"type": "user_message", "content": content}
	if err := conn.WriteJSON(frame); err != nil {
		return apperror.Wrap(apperror.TransientUpstream, "send message", err)
	}
	return nil
}

// ChatDialTarget returns the WS URL ControlAPI's chat relay should dial
// for project, local or remote, so the relay handler stays mode-
// agnostic. Remote mode dials the WorkerAgent's own relay endpoint
// (which itself bridges to the gateway); local mode dials the gateway
// directly since it's reachable from the control plane.
func (m *Manager) ChatDialTarget(ctx context.Context, project string) (url string, header http.Header, err error) {
	worker, remote := m.isRemote(project)
	if remote {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+worker.WorkerToken)
		return "ws://" + worker.PrivateIP + ":" + workerAgentPort + "/gateway", h, nil
	}

	ip, err := m.localGatewayIP(ctx, project)
	if err != nil {
		return "", nil, err
	}
	return "ws://" + ip + ":" + gatewayPort + "/ws", nil, nil
}

const directivesPath = "/workspace/directives.json"

// ListDirectives reads the operator-directive list, the same workspace
// file internal/supervisor's prompt assembly reads. Uses the already
// mode-agnostic Exec rather than a dedicated route, since this is a
// plain read of a small JSON file. Directives whose cron expiry has
// passed are pruned lazily here rather than via a background sweep.
func (m *Manager) ListDirectives(ctx context.Context, project string) ([]types.Directive, error) {
	res, err := m.Exec(ctx, project, []string{"cat", directivesPath}, 10)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 || res.Stdout == "" {
		return nil, nil
	}
	var stored []types.Directive
	if err := json.Unmarshal([]byte(res.Stdout), &stored); err != nil {
		return nil, apperror.Wrap(apperror.Integrity, "parse directives file", err)
	}

	live := stored[:0]
	pruned := false
	for _, d := range stored {
		expired, err := directive.Expired(d.Expiry, d.CreatedAt, m.clk.Now())
		if err != nil || expired {
			pruned = true
			continue
		}
		live = append(live, d)
	}
	if pruned {
		if err := m.writeDirectives(ctx, project, live); err != nil {
			return nil, err
		}
	}
	return live, nil
}

func (m *Manager) writeDirectives(ctx context.Context, project string, directives []types.Directive) error {
	data, err := json.Marshal(directives)
	if err != nil {
		return apperror.Wrap(apperror.Validation, "marshal directives", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	argv := []string{"sh", "-c", "printf '%s' " + encoded + " | base64 -d > " + directivesPath}
	res, err := m.Exec(ctx, project, argv, 10)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperror.New(apperror.TransientUpstream, "write directives file: "+res.Stderr)
	}
	return nil
}

// AddDirective appends a new operator directive and returns it. expiry
// is an optional cron expression (internal/directive); after its first
// occurrence following creation, ListDirectives prunes the directive.
func (m *Manager) AddDirective(ctx context.Context, project, text, expiry string) (types.Directive, error) {
	if err := directive.Validate(expiry); err != nil {
		return types.Directive{}, apperror.Wrap(apperror.Validation, "directive expiry", err)
	}
	directives, err := m.ListDirectives(ctx, project)
	if err != nil {
		return types.Directive{}, err
	}
	d := types.Directive{ID: ids.New(), Text: text, Expiry: expiry, CreatedAt: m.clk.Now()}
	directives = append(directives, d)
	if err := m.writeDirectives(ctx, project, directives); err != nil {
		return types.Directive{}, err
	}
	return d, nil
}

// RemoveDirective deletes a directive by ID. Idempotent: removing an
// already-absent ID is not an error.
func (m *Manager) RemoveDirective(ctx context.Context, project, id string) error {
	directives, err := m.ListDirectives(ctx, project)
	if err != nil {
		return err
	}
	out := directives[:0]
	for _, d := range directives {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return m.writeDirectives(ctx, project, out)
}

func (m *Manager) requireLocalSandbox(project string) (string, error) {
	m.mu.Lock()
	id := m.localSandboxID[project]
	m.mu.Unlock()
	if id == "" {
		return "", apperror.New(apperror.Conflict, "no sandbox created yet")
	}
	return id, nil
}

func (m *Manager) localGatewayIP(ctx context.Context, project string) (string, error) {
	id, err := m.requireLocalSandbox(project)
	if err != nil {
		return "", err
	}
	ip, err := m.local.IP(ctx, id)
	if err != nil {
		return "", apperror.Wrap(apperror.TransientUpstream, "resolve sandbox IP", err)
	}
	return ip, nil
}

func (m *Manager) markError(p *types.Project) {
	p.Status = types.ProjectError
	_ = m.store.UpdateProject(p)
}

// awaitLocalGatewayHealth retries the in-sandbox gateway's /health
// probe for up to 120s at 2s intervals.
func (m *Manager) awaitLocalGatewayHealth(ctx context.Context, sandboxID string) error {
	deadline := m.clk.Now().Add(healthRetryTimeout)
	for {
		ip, err := m.local.IP(ctx, sandboxID)
		if err == nil && m.health.CheckHealthy(ctx, ip) {
			return nil
		}
		if m.clk.Now().After(deadline) {
			return apperror.New(apperror.Timeout, "in-sandbox gateway did not become healthy")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clk.After(healthRetryInterval):
		}
	}
}
