package workeragent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synapsefleet/synapse/internal/apperror"
	"github.com/synapsefleet/synapse/internal/sandbox"
)

// workspaceRoot is the fixed in-sandbox path the agent reads/writes
// curated files under. Overridden in tests.
var workspaceRoot = "/workspace"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleHealth never requires auth; it reports whether the agent's
// sandbox and in-sandbox gateway are reachable.
func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	sandboxID := a.sandboxID
	a.mu.Unlock()

	resp := map[string]any{"ok": true, "container_running": false, "gateway": nil}
	if sandboxID != "" {
		h, err := a.deps.Sandbox.Health(r.Context(), sandboxID)
		resp["container_running"] = err == nil && h.Alive
		if err == nil {
			resp["gateway"] = a.probeGatewayHealth(r.Context())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *Agent) probeGatewayHealth(ctx context.Context) map[string]any {
	a.mu.Lock()
	ip := a.gatewayIP
	a.mu.Unlock()
	if ip == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ip+":8900/health", nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return body
}

type containerCreateRequest struct {
	Env      map[string]string `json:"env"`
	CPUs     float64           `json:"cpus"`
	MemoryMB int64             `json:"memory_mb"`
}

// handleContainerCreate creates the Sandbox and waits for the
// in-sandbox gateway to answer /health; on timeout the sandbox is
// torn down.
func (a *Agent) handleContainerCreate(w http.ResponseWriter, r *http.Request) {
	var req containerCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cpus, memMB := clampResources(a.host, req.CPUs, req.MemoryMB)
	a.deps.Log.Info("clamped sandbox resources", "requested_cpus", req.CPUs, "applied_cpus", cpus,
		"requested_memory_mb", req.MemoryMB, "applied_memory_mb", memMB)

	id, err := a.deps.Sandbox.Create(r.Context(), sandbox.CreateOpts{
		Env:        req.Env,
		CPULimit:   cpus,
		MemLimitMB: memMB,
		Project:    a.deps.Project,
	})
	if err != nil {
		writeError(w, apperror.StatusFor(apperror.KindOf(err)), err.Error())
		return
	}

	healthTimeout := a.deps.GatewayHealthCheckTimeout
	if healthTimeout <= 0 {
		healthTimeout = 120 * time.Second
	}
	ip, err := a.waitForGatewayHealth(r.Context(), id, healthTimeout)
	if err != nil {
		_ = a.deps.Sandbox.Destroy(context.Background(), id, a.deps.Project, false)
		writeError(w, http.StatusGatewayTimeout, "in-sandbox gateway did not become healthy: "+err.Error())
		return
	}

	a.mu.Lock()
	a.sandboxID = id
	a.gatewayIP = ip
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"sandbox_id": id})
}

func (a *Agent) waitForGatewayHealth(ctx context.Context, sandboxID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		ip, err := a.deps.Sandbox.IP(ctx, sandboxID)
		if err == nil {
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ip+":8900/health", nil)
			if resp, err := http.DefaultClient.Do(req); err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return ip, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return "", apperror.New(apperror.Timeout, "gateway health check timed out")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// handleContainerRestart destroys without removing the workspace
// volume, then recreates with the same env, preserving workspace.
func (a *Agent) handleContainerRestart(w http.ResponseWriter, r *http.Request) {
	var req containerCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a.mu.Lock()
	oldID := a.sandboxID
	a.mu.Unlock()
	if oldID != "" {
		if err := a.deps.Sandbox.Destroy(r.Context(), oldID, a.deps.Project, false); err != nil {
			writeError(w, apperror.StatusFor(apperror.KindOf(err)), err.Error())
			return
		}
	}

	a.handleContainerCreate(w, r)
}

type containerDestroyRequest struct {
	RemoveVolume bool `json:"remove_volume"`
}

// handleContainerDestroy is idempotent: destroying an already-gone
// sandbox succeeds.
func (a *Agent) handleContainerDestroy(w http.ResponseWriter, r *http.Request) {
	var req containerDestroyRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	a.mu.Lock()
	id := a.sandboxID
	a.sandboxID = ""
	a.gatewayIP = ""
	a.mu.Unlock()

	if id == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already destroyed"})
		return
	}
	if err := a.deps.Sandbox.Destroy(r.Context(), id, a.deps.Project, req.RemoveVolume); err != nil {
		writeError(w, apperror.StatusFor(apperror.KindOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

type execRequest struct {
	Argv    []string `json:"argv"`
	Timeout int      `json:"timeout"`
}

func (a *Agent) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a.mu.Lock()
	id := a.sandboxID
	a.mu.Unlock()
	if id == "" {
		writeError(w, http.StatusConflict, "no sandbox created yet")
		return
	}

	res, err := a.deps.Sandbox.Exec(r.Context(), id, req.Argv, req.Timeout)
	if err != nil {
		writeError(w, apperror.StatusFor(apperror.KindOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTask writes the task document verbatim into the workspace at
// a fixed path, for the in-sandbox Supervisor to read.
func (a *Agent) handleTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "task document must be valid JSON")
		return
	}
	path := filepath.Join(workspaceRoot, "task.json")
	if err := os.WriteFile(path, body, 0600); err != nil {
		writeError(w, http.StatusInternalServerError, "write task document: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

// handleMemory reads the three canonical workspace files the Supervisor
// curates. A missing file reads as an empty string rather than failing
// the whole request.
func (a *Agent) handleMemory(w http.ResponseWriter, r *http.Request) {
	files := map[string]string{
		"short_term_memory": filepath.Join(workspaceRoot, "memory", "short_term.md"),
		"long_term_memory":  filepath.Join(workspaceRoot, "memory", "long_term.md"),
		"plan":              filepath.Join(workspaceRoot, "plan.md"),
	}
	out := make(map[string]string, len(files))
	for field, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			out[field] = ""
			continue
		}
		out[field] = string(data)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Agent) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	a.mu.Lock()
	id := a.sandboxID
	a.mu.Unlock()
	if id == "" {
		writeError(w, http.StatusConflict, "no sandbox created yet")
		return
	}
	res, err := a.deps.Sandbox.Exec(r.Context(), id, []string{"tail", "-n", strconv.Itoa(lines), "/workspace/logs/supervisor.log"}, 10)
	if err != nil {
		writeError(w, apperror.StatusFor(apperror.KindOf(err)), err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.Stdout))
}

type supervisorControlRequest struct {
	Action string `json:"action"`
}

// handleSupervisorControl proxies the action to the in-sandbox
// gateway's own /supervisor/control endpoint.
func (a *Agent) handleSupervisorControl(w http.ResponseWriter, r *http.Request) {
	var req supervisorControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a.mu.Lock()
	ip := a.gatewayIP
	a.mu.Unlock()
	if ip == "" {
		writeError(w, http.StatusConflict, "gateway not connected yet")
		return
	}

	body, _ := json.Marshal(req)
	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost, "http://"+ip+":8900/supervisor/control", nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	upstream.Body = io.NopCloser(bytes.NewReader(body))
	upstream.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(upstream)
	if err != nil {
		writeError(w, http.StatusBadGateway, "gateway unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

type messageRequest struct {
	Content string `json:"content"`
}

// handleMessage opens a short-lived WS to the in-sandbox gateway,
// delivers a single user_message frame, and closes.
func (a *Agent) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a.mu.Lock()
	ip := a.gatewayIP
	a.mu.Unlock()
	if ip == "" {
		writeError(w, http.StatusConflict, "gateway not connected yet")
		return
	}

	conn, _, err := websocket.DefaultDialer.DialContext(r.Context(), "ws://"+ip+":8900/ws", nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, "dial gateway: "+err.Error())
		return
	}
	defer conn.Close()

	frame := map[string]any{"type": "user_message", "content": req.Content}
	if err := conn.WriteJSON(frame); err != nil {
		writeError(w, http.StatusBadGateway, "send message: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

// handleGatewayRelay bridges a client WebSocket to the in-sandbox
// gateway's own WS endpoint, piping frames in both directions.
func (a *Agent) handleGatewayRelay(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	ip := a.gatewayIP
	a.mu.Unlock()
	if ip == "" {
		writeError(w, http.StatusConflict, "gateway not connected yet")
		return
	}

	upstream, _, err := websocket.DefaultDialer.DialContext(r.Context(), "ws://"+ip+":8900/ws", nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, "dial gateway: "+err.Error())
		return
	}
	defer upstream.Close()

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer client.Close()

	relay(client, upstream)
}

// relay pipes frames bidirectionally until either side closes.
func relay(a, b *websocket.Conn) {
	done := make(chan struct{}, 2)
	pipe := func(from, to *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			mt, msg, err := from.ReadMessage()
			if err != nil {
				return
			}
			if err := to.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}
	go pipe(a, b)
	go pipe(b, a)
	<-done
}
