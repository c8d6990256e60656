// Package controlapi is the operator-facing HTTP+WS surface:
// bearer-authenticated project/secret/task/worker/directive CRUD plus
// a bidirectional chat WS relay, fronting ContainerManager and
// WorkerProvisioner.
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synapsefleet/synapse/internal/auth"
	"github.com/synapsefleet/synapse/internal/clock"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/metrics"
	"github.com/synapsefleet/synapse/internal/sandbox"
	"github.com/synapsefleet/synapse/internal/secretbox"
	"github.com/synapsefleet/synapse/internal/telemetry"
	"github.com/synapsefleet/synapse/internal/types"
)

// projectNamePattern and secretKeyPattern are the strict input schemas
// every mutating endpoint validates against (length bounds enforced
// separately by validProjectName/validSecretKey in helpers.go, since
// Go's RE2 can't express "at most N runes" once the body itself is
// variable-length).
var (
	projectNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	secretKeyPattern   = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
)

// ContainerManager is the narrow surface controlapi needs from
// internal/containermgr.
type ContainerManager interface {
	Create(ctx context.Context, project string) error
	Restart(ctx context.Context, project string) error
	Destroy(ctx context.Context, project string, removeVolume bool) error
	Exec(ctx context.Context, project string, argv []string, timeout int) (sandbox.ExecResult, error)
	PutTask(ctx context.Context, project string, doc []byte) error
	GetTask(ctx context.Context, project string) (*types.Task, error)
	Memory(ctx context.Context, project string) (map[string]string, error)
	Logs(ctx context.Context, project string, lines int) (string, error)
	SupervisorControl(ctx context.Context, project, action string) error
	Message(ctx context.Context, project, content string) error
	ChatDialTarget(ctx context.Context, project string) (url string, header http.Header, err error)
	ListDirectives(ctx context.Context, project string) ([]types.Directive, error)
	AddDirective(ctx context.Context, project, text, expiry string) (types.Directive, error)
	RemoveDirective(ctx context.Context, project, id string) error
}

// Provisioner is the narrow surface controlapi needs from
// internal/provisioner.
type Provisioner interface {
	Provision(ctx context.Context, project, instanceType, userData string) (*types.Worker, error)
	Resize(ctx context.Context, instanceID, newType string) error
	Terminate(ctx context.Context, instanceID string) error
}

// ProjectStore is the project/worker persistence surface, satisfied
// directly by *store.Store.
type ProjectStore interface {
	CreateProject(p *types.Project) error
	GetProject(name string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	UpdateProject(p *types.Project) error
	DeleteProject(name string) error
	GetWorkerForProject(project string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	GetWorker(instanceID string) (*types.Worker, error)
	UpdateWorker(w *types.Worker) error
}

// SecretStore is the secret CRUD surface, satisfied directly by
// *store.Store.
type SecretStore interface {
	PutSecret(sec *types.Secret) error
	GetSecret(project, key string) (*types.Secret, error)
	ListSecretKeys(project string) ([]string, error)
	DeleteSecret(project, key string) error
}

// Dependencies are the narrow interfaces Server needs, threaded in by
// whatever composes the control plane binary -- interfaces, never
// concrete types, so tests substitute fakes freely.
type Dependencies struct {
	Projects   ProjectStore
	Secrets    SecretStore
	Containers ContainerManager
	Provision  Provisioner
	Tokens     auth.TokenValidator
	SecretBox  *secretbox.Box
	Clock      clock.Clock
	Log        *logging.Logger

	// MetricsEnabled mounts GET /metrics with promhttp.Handler.
	MetricsEnabled bool

	// Telemetry is the optional MQTT lifecycle publisher. A nil value
	// is valid -- every publish call becomes a no-op.
	Telemetry *telemetry.Publisher
}

// publish is a best-effort telemetry emit: failures are logged, never
// surfaced to the operator-facing response.
func (s *Server) publish(ctx context.Context, eventType telemetry.EventType, project, detail string) {
	if s.deps.Telemetry == nil {
		return
	}
	event := telemetry.LifecycleEvent{Type: eventType, Project: project, Detail: detail, Timestamp: s.deps.Clock.Now()}
	go func() {
		if err := s.deps.Telemetry.Publish(context.Background(), event); err != nil {
			s.deps.Log.Error("publish telemetry event", "type", eventType, "project", project, "error", err)
		}
	}()
}

// Server is the ControlAPI HTTP+WS server.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
}

// NewServer constructs a Server and registers its routes.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	if s.deps.MetricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	authed := auth.RequireBearer(s.deps.Tokens)
	route := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, authed(withRequestMetrics(pattern, h)))
	}

	route("POST /api/projects", s.apiCreateProject)
	route("GET /api/projects", s.apiListProjects)
	route("GET /api/projects/{name}", s.apiGetProject)
	route("DELETE /api/projects/{name}", s.apiDeleteProject)
	route("POST /api/projects/{name}/restart", s.apiRestartProject)
	route("POST /api/projects/{name}/resize", s.apiResizeProject)
	route("POST /api/projects/{name}/exec", s.apiExecProject)
	route("GET /api/projects/{name}/memory", s.apiProjectMemory)
	route("GET /api/projects/{name}/logs", s.apiProjectLogs)
	route("POST /api/projects/{name}/supervisor", s.apiSupervisorControl)
	route("POST /api/projects/{name}/message", s.apiProjectMessage)

	route("POST /api/projects/{name}/task", s.apiPutTask)
	route("POST /api/projects/{name}/task/stop", s.apiTaskStop)
	route("POST /api/projects/{name}/task/resume", s.apiTaskResume)
	route("POST /api/projects/{name}/task/respond", s.apiTaskRespond)

	route("POST /api/projects/{name}/secrets", s.apiPutSecret)
	route("GET /api/projects/{name}/secrets", s.apiListSecrets)
	route("DELETE /api/projects/{name}/secrets/{key}", s.apiDeleteSecret)

	route("GET /api/projects/{name}/directives", s.apiListDirectives)
	route("POST /api/projects/{name}/directives", s.apiAddDirective)
	route("DELETE /api/projects/{name}/directives/{id}", s.apiDeleteDirective)

	route("GET /api/workers", s.apiListWorkers)
	s.mux.HandleFunc("POST /api/workers/{project}/heartbeat", s.apiWorkerHeartbeat)

	s.mux.Handle("GET /ws/projects/{name}/chat", authed(http.HandlerFunc(s.handleChatRelay)))
}

// withRequestMetrics records synapse_controlapi_requests_total by route
// and status class: a coarse outcome label rather than the exact code.
func withRequestMetrics(pattern string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(pattern, statusClass(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps an apperror.Error (or any error) to its HTTP
// status in one place, per SPEC_FULL.md 7.
func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
