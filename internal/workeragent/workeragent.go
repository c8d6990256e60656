// Package workeragent is the HTTP+WS server that runs on each compute
// instance, owns that instance's Sandbox, and heartbeats to the
// control plane. It authenticates every request (except /health)
// against its own worker_token with a constant-time comparison.
package workeragent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/synapsefleet/synapse/internal/auth"
	"github.com/synapsefleet/synapse/internal/clock"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/sandbox"
)

// Dependencies are the narrow interfaces the agent needs, so tests can
// substitute fakes without touching a real container runtime.
type Dependencies struct {
	Sandbox     sandbox.Sandbox
	Log         *logging.Logger
	Clock       clock.Clock
	WorkerToken string

	// ControlPlaneURL, Project and InstanceID address the control
	// plane's heartbeat endpoint; empty ControlPlaneURL disables
	// heartbeating (used in tests).
	ControlPlaneURL string
	Project         string
	InstanceID      string

	// HeartbeatDelay and HeartbeatInterval default to 10s/60s when
	// zero.
	HeartbeatDelay    time.Duration
	HeartbeatInterval time.Duration

	// GatewayHealthCheckTimeout bounds how long handleContainerCreate
	// waits for the in-sandbox gateway to answer /health. Defaults to
	// 120s when zero.
	GatewayHealthCheckTimeout time.Duration
}

// HostCapability is the clamp ceiling read from the running instance.
type HostCapability struct {
	CPUs     int
	MemoryMB int64
}

// Agent is the per-instance worker agent server.
type Agent struct {
	deps Dependencies
	mux  *http.ServeMux

	mu        sync.Mutex
	sandboxID string
	gatewayIP string
	host      HostCapability
}

// New constructs an Agent and registers its routes.
func New(deps Dependencies) *Agent {
	a := &Agent{
		deps: deps,
		mux:  http.NewServeMux(),
		host: probeHostCapability(),
	}
	a.registerRoutes()
	return a
}

func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *Agent) registerRoutes() {
	a.mux.HandleFunc("GET /health", a.handleHealth)

	authed := auth.RequireWorkerToken(a.deps.WorkerToken)
	a.mux.Handle("POST /container/create", authed(http.HandlerFunc(a.handleContainerCreate)))
	a.mux.Handle("POST /container/restart", authed(http.HandlerFunc(a.handleContainerRestart)))
	a.mux.Handle("POST /container/destroy", authed(http.HandlerFunc(a.handleContainerDestroy)))
	a.mux.Handle("POST /exec", authed(http.HandlerFunc(a.handleExec)))
	a.mux.Handle("POST /task", authed(http.HandlerFunc(a.handleTask)))
	a.mux.Handle("GET /memory", authed(http.HandlerFunc(a.handleMemory)))
	a.mux.Handle("GET /logs", authed(http.HandlerFunc(a.handleLogs)))
	a.mux.Handle("POST /supervisor/control", authed(http.HandlerFunc(a.handleSupervisorControl)))
	a.mux.Handle("POST /message", authed(http.HandlerFunc(a.handleMessage)))
	a.mux.Handle("GET /gateway", authed(http.HandlerFunc(a.handleGatewayRelay)))
}

// probeHostCapability reads runtime.NumCPU() and a best-effort memory
// probe. Memory probing is platform-specific and best-effort elsewhere
// in this module (e.g. /proc/meminfo on Linux); in the absence of a
// readable probe a conservative 4 GiB default is assumed.
func probeHostCapability() HostCapability {
	mem, err := readHostMemoryMB()
	if err != nil || mem <= 0 {
		mem = 4096
	}
	return HostCapability{CPUs: runtime.NumCPU(), MemoryMB: mem}
}

// clampResources clamps a requested allocation to host capability
// minus ~10% memory headroom, with a floor of 1 CPU and 1 GiB.
func clampResources(host HostCapability, reqCPUs float64, reqMemMB int64) (cpus float64, memMB int64) {
	maxMem := int64(float64(host.MemoryMB) * 0.9)
	if maxMem < 1024 {
		maxMem = 1024
	}
	memMB = reqMemMB
	if memMB <= 0 || memMB > maxMem {
		memMB = maxMem
	}

	maxCPUs := float64(host.CPUs)
	if maxCPUs < 1 {
		maxCPUs = 1
	}
	cpus = reqCPUs
	if cpus <= 0 || cpus > maxCPUs {
		cpus = maxCPUs
	}
	return cpus, memMB
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StartHeartbeatLoop posts a heartbeat to the control plane every
// ~60s, after a 10s initial delay, until ctx is cancelled.
func (a *Agent) StartHeartbeatLoop(ctx context.Context) {
	if a.deps.ControlPlaneURL == "" {
		return
	}
	delay := a.deps.HeartbeatDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	interval := a.deps.HeartbeatInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-a.deps.Clock.After(delay):
		}
		a.sendHeartbeat(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.deps.Clock.After(interval):
				a.sendHeartbeat(ctx)
			}
		}
	}()
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	body, _ := json.Marshal(map[string]any{
		"instance_id": a.deps.InstanceID,
		"timestamp":   a.deps.Clock.Now().UTC(),
	})
	url := a.deps.ControlPlaneURL + "/api/workers/" + a.deps.Project + "/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		a.deps.Log.Error("build heartbeat request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.deps.WorkerToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.deps.Log.Warn("heartbeat failed", "error", err)
		return
	}
	_ = resp.Body.Close()
}
