package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/synapsefleet/synapse/internal/metrics"
	"github.com/synapsefleet/synapse/internal/telemetry"
	"github.com/synapsefleet/synapse/internal/types"
)

type createProjectRequest struct {
	Name         string            `json:"name"`
	LLMAPIKey    string            `json:"llm_api_key,omitempty"`
	MCPServers   []string          `json:"mcp_servers,omitempty"`
	InstanceType string            `json:"instance_type,omitempty"`
	ExtraEnv     map[string]string `json:"extra_env,omitempty"`
}

// apiCreateProject creates the project record and kicks off sandbox
// creation asynchronously, responding 201 before it completes -- worker
// provisioning can take minutes, a local sandbox create up to the 120s
// gateway-health retry.
func (s *Server) apiCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validProjectName(req.Name) {
		writeError(w, http.StatusBadRequest, "invalid project name")
		return
	}

	p := &types.Project{
		Name:         req.Name,
		Status:       types.ProjectCreating,
		MCPServers:   req.MCPServers,
		InstanceType: req.InstanceType,
		CreatedAt:    s.deps.Clock.Now(),
		UpdatedAt:    s.deps.Clock.Now(),
	}
	if req.LLMAPIKey != "" {
		enc, err := s.deps.SecretBox.SealString(req.LLMAPIKey)
		if err != nil {
			writeAppError(w, err)
			return
		}
		p.EncryptedCred = enc
	}
	if len(req.ExtraEnv) > 0 {
		blob, err := json.Marshal(req.ExtraEnv)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid extra_env")
			return
		}
		enc, err := s.deps.SecretBox.SealString(string(blob))
		if err != nil {
			writeAppError(w, err)
			return
		}
		p.EncryptedExtraEnv = enc
	}

	if err := s.deps.Projects.CreateProject(p); err != nil {
		writeAppError(w, err)
		return
	}

	go s.bootstrapProject(p.Name, req.InstanceType)

	writeJSON(w, http.StatusCreated, projectView(p, nil))
}

// bootstrapProject provisions a dedicated worker (if requested) and
// waits for it to report ready before creating the sandbox, since
// ContainerManager's local-vs-remote routing is read straight from
// Store state -- creating early would race it into local mode.
func (s *Server) bootstrapProject(project, instanceType string) {
	ctx := context.Background()
	if instanceType != "" {
		provisionStart := s.deps.Clock.Now()
		worker, err := s.deps.Provision.Provision(ctx, project, instanceType, "")
		if err != nil {
			s.markProjectError(project)
			s.deps.Log.Error("provision worker", "project", project, "error", err)
			return
		}
		if err := s.awaitWorkerReady(ctx, worker.InstanceID); err != nil {
			metrics.SandboxCreateErrors.WithLabelValues("worker_provision").Inc()
			s.markProjectError(project)
			s.deps.Log.Error("worker did not become ready", "project", project, "error", err)
			return
		}
		metrics.ProvisionDuration.Observe(s.deps.Clock.Since(provisionStart).Seconds())
	}

	createStart := s.deps.Clock.Now()
	if err := s.deps.Containers.Create(ctx, project); err != nil {
		metrics.SandboxCreateErrors.WithLabelValues("sandbox_create").Inc()
		s.deps.Log.Error("create sandbox", "project", project, "error", err)
		return
	}
	metrics.SandboxCreateDuration.Observe(s.deps.Clock.Since(createStart).Seconds())
	if p, err := s.deps.Projects.GetProject(project); err == nil {
		p.Status = types.ProjectRunning
		_ = s.deps.Projects.UpdateProject(p)
	}
	s.publish(ctx, telemetry.EventProjectCreated, project, "")
}

// awaitWorkerReady polls the worker record on the same cadence
// internal/provisioner's own awaitReady uses, since that's the
// component actually flipping the status.
func (s *Server) awaitWorkerReady(ctx context.Context, instanceID string) error {
	deadline := s.deps.Clock.Now().Add(5 * time.Minute)
	for s.deps.Clock.Now().Before(deadline) {
		w, err := s.deps.Projects.GetWorker(instanceID)
		if err != nil {
			return err
		}
		switch w.Status {
		case types.WorkerReady:
			return nil
		case types.WorkerError:
			return errWorkerProvisionFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.deps.Clock.After(10 * time.Second):
		}
	}
	return errWorkerProvisionTimedOut
}

func (s *Server) markProjectError(project string) {
	p, err := s.deps.Projects.GetProject(project)
	if err != nil {
		return
	}
	p.Status = types.ProjectError
	_ = s.deps.Projects.UpdateProject(p)
	s.publish(context.Background(), telemetry.EventProjectError, project, "")
}

type projectResponse struct {
	Name         string              `json:"name"`
	Status       types.ProjectStatus `json:"status"`
	InstanceType string              `json:"instance_type,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Worker       *workerSummary      `json:"worker,omitempty"`
	Task         *types.Task         `json:"task,omitempty"`
}

type workerSummary struct {
	InstanceID string             `json:"instance_id"`
	Status     types.WorkerStatus `json:"status"`
	PrivateIP  string             `json:"private_ip,omitempty"`
}

func projectView(p *types.Project, worker *types.Worker) projectResponse {
	resp := projectResponse{
		Name:         p.Name,
		Status:       p.Status,
		InstanceType: p.InstanceType,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if worker != nil {
		resp.Worker = &workerSummary{InstanceID: worker.InstanceID, Status: worker.Status, PrivateIP: worker.PrivateIP}
	}
	return resp
}

func (s *Server) apiListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Projects.ListProjects()
	if err != nil {
		writeAppError(w, err)
		return
	}
	out := make([]projectResponse, 0, len(projects))
	counts := map[types.ProjectStatus]float64{}
	for _, p := range projects {
		worker, _ := s.deps.Projects.GetWorkerForProject(p.Name)
		out = append(out, projectView(p, worker))
		counts[p.Status]++
	}
	for status, n := range counts {
		metrics.ProjectsByStatus.WithLabelValues(string(status)).Set(n)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiGetProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, err := s.deps.Projects.GetProject(name)
	if err != nil {
		writeAppError(w, err)
		return
	}
	worker, _ := s.deps.Projects.GetWorkerForProject(name)
	resp := projectView(p, worker)
	if task, err := s.deps.Containers.GetTask(r.Context(), name); err == nil {
		resp.Task = task
	}
	writeJSON(w, http.StatusOK, resp)
}

// apiDeleteProject destroys the sandbox, terminates any dedicated
// worker, then cascade-deletes the project record.
func (s *Server) apiDeleteProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	worker, _ := s.deps.Projects.GetWorkerForProject(name)

	if err := s.deps.Containers.Destroy(r.Context(), name, true); err != nil {
		writeAppError(w, err)
		return
	}
	if worker != nil {
		_ = s.deps.Provision.Terminate(r.Context(), worker.InstanceID)
	}
	if err := s.deps.Projects.DeleteProject(name); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) apiRestartProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Containers.Restart(r.Context(), name); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

type resizeRequest struct {
	InstanceType string `json:"instance_type"`
}

// apiResizeProject stops, modifies, and restarts the dedicated worker,
// then re-creates the sandbox once it reports ready again -- mirrors
// bootstrapProject's own wait, since ContainerManager again needs the
// worker back in status=ready before it will route remote.
func (s *Server) apiResizeProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstanceType == "" {
		writeError(w, http.StatusBadRequest, "instance_type is required")
		return
	}
	worker, err := s.deps.Projects.GetWorkerForProject(name)
	if err != nil {
		writeAppError(w, err)
		return
	}

	if p, err := s.deps.Projects.GetProject(name); err == nil {
		p.Status = types.ProjectResizing
		p.InstanceType = req.InstanceType
		_ = s.deps.Projects.UpdateProject(p)
	}

	if err := s.deps.Provision.Resize(r.Context(), worker.InstanceID, req.InstanceType); err != nil {
		s.markProjectError(name)
		writeAppError(w, err)
		return
	}

	go func() {
		ctx := context.Background()
		if err := s.awaitWorkerReady(ctx, worker.InstanceID); err != nil {
			s.markProjectError(name)
			s.deps.Log.Error("worker did not become ready after resize", "project", name, "error", err)
			return
		}
		if err := s.deps.Containers.Restart(ctx, name); err != nil {
			s.markProjectError(name)
			s.deps.Log.Error("recreate sandbox after resize", "project", name, "error", err)
			return
		}
		if p, err := s.deps.Projects.GetProject(name); err == nil {
			p.Status = types.ProjectRunning
			_ = s.deps.Projects.UpdateProject(p)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resizing"})
}

type execRequest struct {
	Cmd     []string `json:"cmd"`
	Timeout int      `json:"timeout"`
}

func (s *Server) apiExecProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Cmd) == 0 {
		writeError(w, http.StatusBadRequest, "cmd is required")
		return
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	res, err := s.deps.Containers.Exec(r.Context(), name, req.Cmd, timeout)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiProjectMemory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	mem, err := s.deps.Containers.Memory(r.Context(), name)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) apiProjectLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			lines = n
		}
	}
	out, err := s.deps.Containers.Logs(r.Context(), name, lines)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

type supervisorControlRequest struct {
	Action string `json:"action"`
}

func (s *Server) apiSupervisorControl(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req supervisorControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validSupervisorAction(req.Action) {
		writeError(w, http.StatusBadRequest, "action must be one of pause, resume, stop, restart")
		return
	}
	if err := s.deps.Containers.SupervisorControl(r.Context(), name, req.Action); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "forwarded"})
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) apiProjectMessage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := s.deps.Containers.Message(r.Context(), name, req.Message); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}
