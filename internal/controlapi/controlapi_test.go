package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/synapsefleet/synapse/internal/apperror"
	"github.com/synapsefleet/synapse/internal/auth"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/sandbox"
	"github.com/synapsefleet/synapse/internal/secretbox"
	"github.com/synapsefleet/synapse/internal/types"
)

const testToken = "syn_test_operator_token"

type fakeProjectStore struct {
	mu       sync.Mutex
	projects map[string]*types.Project
	workers  map[string]*types.Worker // by instance ID
	byProj   map[string]string        // project -> instance ID
}

func newFakeProjectStore() *fakeProjectStore {
	return &fakeProjectStore{
		projects: make(map[string]*types.Project),
		workers:  make(map[string]*types.Worker),
		byProj:   make(map[string]string),
	}
}

func (s *fakeProjectStore) CreateProject(p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.projects[p.Name] = &cp
	return nil
}

func (s *fakeProjectStore) GetProject(name string) (*types.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[name]
	if !ok {
		return nil, notFound("project")
	}
	cp := *p
	return &cp, nil
}

func (s *fakeProjectStore) ListProjects() ([]*types.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Project, 0, len(s.projects))
	for _, p := range s.projects {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeProjectStore) UpdateProject(p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.projects[p.Name] = &cp
	return nil
}

func (s *fakeProjectStore) DeleteProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, name)
	return nil
}

func (s *fakeProjectStore) GetWorkerForProject(project string) (*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProj[project]
	if !ok {
		return nil, notFound("worker")
	}
	w := *s.workers[id]
	return &w, nil
}

func (s *fakeProjectStore) ListWorkers() ([]*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeProjectStore) GetWorker(instanceID string) (*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[instanceID]
	if !ok {
		return nil, notFound("worker")
	}
	cp := *w
	return &cp, nil
}

func (s *fakeProjectStore) UpdateWorker(w *types.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workers[w.InstanceID] = &cp
	s.byProj[w.Project] = w.InstanceID
	return nil
}

func notFound(what string) error {
	return apperror.New(apperror.NotFound, what+" not found")
}

type fakeSecretStore struct {
	mu      sync.Mutex
	secrets map[string]map[string]*types.Secret
}

func newFakeSecretStore() *fakeSecretStore {
	return &fakeSecretStore{secrets: make(map[string]map[string]*types.Secret)}
}

func (s *fakeSecretStore) PutSecret(sec *types.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secrets[sec.Project] == nil {
		s.secrets[sec.Project] = make(map[string]*types.Secret)
	}
	s.secrets[sec.Project][sec.Key] = sec
	return nil
}

func (s *fakeSecretStore) GetSecret(project, key string) (*types.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[project][key]
	if !ok {
		return nil, notFound("secret")
	}
	return sec, nil
}

func (s *fakeSecretStore) ListSecretKeys(project string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.secrets[project] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *fakeSecretStore) DeleteSecret(project, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets[project], key)
	return nil
}

type fakeContainers struct {
	mu        sync.Mutex
	created   []string
	tasks     map[string][]byte
	directives map[string][]types.Directive
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{tasks: make(map[string][]byte), directives: make(map[string][]types.Directive)}
}

func (f *fakeContainers) Create(_ context.Context, project string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, project)
	return nil
}
func (f *fakeContainers) Restart(_ context.Context, _ string) error { return nil }
func (f *fakeContainers) Destroy(_ context.Context, _ string, _ bool) error { return nil }
func (f *fakeContainers) Exec(_ context.Context, _ string, _ []string, _ int) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}
func (f *fakeContainers) PutTask(_ context.Context, project string, doc []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[project] = append([]byte(nil), doc...)
	return nil
}
func (f *fakeContainers) GetTask(_ context.Context, project string) (*types.Task, error) {
	f.mu.Lock()
	doc, ok := f.tasks[project]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var t types.Task
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
func (f *fakeContainers) Memory(_ context.Context, _ string) (map[string]string, error) {
	return map[string]string{"plan": "do the thing"}, nil
}
func (f *fakeContainers) Logs(_ context.Context, _ string, _ int) (string, error) { return "log line", nil }
func (f *fakeContainers) SupervisorControl(_ context.Context, _, _ string) error  { return nil }
func (f *fakeContainers) Message(_ context.Context, _, _ string) error            { return nil }
func (f *fakeContainers) ChatDialTarget(_ context.Context, _ string) (string, http.Header, error) {
	return "ws://127.0.0.1:1/ws", nil, nil
}
func (f *fakeContainers) ListDirectives(_ context.Context, project string) ([]types.Directive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.directives[project], nil
}
func (f *fakeContainers) AddDirective(_ context.Context, project, text, expiry string) (types.Directive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := types.Directive{ID: "dir-1", Text: text, Expiry: expiry}
	f.directives[project] = append(f.directives[project], d)
	return d, nil
}
func (f *fakeContainers) RemoveDirective(_ context.Context, project, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Directive
	for _, d := range f.directives[project] {
		if d.ID != id {
			out = append(out, d)
		}
	}
	f.directives[project] = out
	return nil
}

type fakeProvisioner struct{}

func (fakeProvisioner) Provision(_ context.Context, project, instanceType, _ string) (*types.Worker, error) {
	return &types.Worker{InstanceID: "i-" + project, Project: project, InstanceType: instanceType, Status: types.WorkerReady}, nil
}
func (fakeProvisioner) Resize(_ context.Context, _, _ string) error    { return nil }
func (fakeProvisioner) Terminate(_ context.Context, _ string) error    { return nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time                   { return c.now }
func (c fixedClock) Since(t time.Time) time.Duration  { return c.now.Sub(t) }
func (c fixedClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func newTestServer(t *testing.T) (*Server, *fakeProjectStore, *fakeSecretStore, *fakeContainers) {
	t.Helper()
	box, err := secretbox.New("test-master-secret")
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	projects := newFakeProjectStore()
	secrets := newFakeSecretStore()
	containers := newFakeContainers()

	validator := auth.TokenValidatorFunc(func(_ context.Context, hash string) bool {
		return hash == auth.HashToken(testToken)
	})

	deps := Dependencies{
		Projects:   projects,
		Secrets:    secrets,
		Containers: containers,
		Provision:  fakeProvisioner{},
		Tokens:     validator,
		SecretBox:  box,
		Clock:      fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		Log:        logging.New(false),
	}
	return NewServer(deps), projects, secrets, containers
}

func authedRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestHealthRequiresNoAuth(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateProjectLocalModeRespondsCreated(t *testing.T) {
	s, store, _, containers := newTestServer(t)
	body := []byte(`{"name":"demo","llm_api_key":"sk-test","mcp_servers":["fs"]}`)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/projects", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	if _, err := store.GetProject("demo"); err != nil {
		t.Fatalf("project not persisted: %v", err)
	}
	time.Sleep(10 * time.Millisecond) // let the bootstrap goroutine run
	containers.mu.Lock()
	defer containers.mu.Unlock()
	if len(containers.created) != 1 || containers.created[0] != "demo" {
		t.Fatalf("expected sandbox creation kicked off for demo, got %v", containers.created)
	}
}

func TestCreateProjectRejectsInvalidName(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/projects", []byte(`{"name":"Not Valid!"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListSecretsNeverReturnsValues(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	putRec := httptest.NewRecorder()
	s.ServeHTTP(putRec, authedRequest(http.MethodPost, "/api/projects/demo/secrets", []byte(`{"key":"DB_PASSWORD","value":"hunter2"}`)))
	if putRec.Code != http.StatusOK {
		t.Fatalf("put secret status = %d, body=%s", putRec.Code, putRec.Body.String())
	}

	listRec := httptest.NewRecorder()
	s.ServeHTTP(listRec, authedRequest(http.MethodGet, "/api/projects/demo/secrets", nil))
	if listRec.Code != http.StatusOK {
		t.Fatalf("list secrets status = %d", listRec.Code)
	}
	if bytes.Contains(listRec.Body.Bytes(), []byte("hunter2")) {
		t.Fatalf("secret list leaked a value: %s", listRec.Body.String())
	}
	var out map[string][]string
	if err := json.Unmarshal(listRec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out["keys"]) != 1 || out["keys"][0] != "DB_PASSWORD" {
		t.Fatalf("keys = %v", out["keys"])
	}
}

func TestPutSecretRejectsInvalidKey(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/projects/demo/secrets", []byte(`{"key":"lowercase","value":"x"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPutTaskAppliesDefaults(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/projects/demo/task", []byte(`{"name":"ship it","description":"do the thing"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var task types.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Type != types.TaskSubjective {
		t.Fatalf("type = %q, want subjective default", task.Type)
	}
	if task.Limits.MaxIdleTurns != types.DefaultMaxIdleTurns {
		t.Fatalf("max_idle_turns = %d, want %d", task.Limits.MaxIdleTurns, types.DefaultMaxIdleTurns)
	}
}

func TestTaskRespondAnswersQuestion(t *testing.T) {
	s, _, _, containers := newTestServer(t)
	task := &types.Task{ID: "t1", Status: types.TaskRunning, Questions: []types.Question{{ID: "q1", Text: "port?"}}}
	doc, _ := json.Marshal(task)
	containers.tasks["demo"] = doc

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/projects/demo/task/respond", []byte(`{"question_id":"q1","answer":"8080"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var got types.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Questions[0].Answer != "8080" || got.Questions[0].AnsweredAt == nil {
		t.Fatalf("question not answered: %+v", got.Questions[0])
	}
}

func TestSupervisorControlRejectsUnknownAction(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/projects/demo/supervisor", []byte(`{"action":"nuke"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWorkerHeartbeatRequiresMatchingWorkerToken(t *testing.T) {
	s, store, _, _ := newTestServer(t)
	_ = store.UpdateWorker(&types.Worker{InstanceID: "i-1", Project: "demo", Status: types.WorkerProvisioning, WorkerToken: "worker-secret"})

	req := httptest.NewRequest(http.MethodPost, "/api/workers/demo/heartbeat", bytes.NewReader([]byte(`{"instance_id":"i-1"}`)))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/workers/demo/heartbeat", bytes.NewReader([]byte(`{"instance_id":"i-1"}`)))
	req2.Header.Set("Authorization", "Bearer worker-secret")
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec2.Code, rec2.Body.String())
	}
	w, _ := store.GetWorker("i-1")
	if w.Status != types.WorkerReady {
		t.Fatalf("status = %q, want ready after first heartbeat", w.Status)
	}
}

func TestDirectiveCRUD(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	addRec := httptest.NewRecorder()
	s.ServeHTTP(addRec, authedRequest(http.MethodPost, "/api/projects/demo/directives", []byte(`{"text":"always write tests"}`)))
	if addRec.Code != http.StatusCreated {
		t.Fatalf("add status = %d", addRec.Code)
	}

	listRec := httptest.NewRecorder()
	s.ServeHTTP(listRec, authedRequest(http.MethodGet, "/api/projects/demo/directives", nil))
	var directives []types.Directive
	if err := json.Unmarshal(listRec.Body.Bytes(), &directives); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(directives) != 1 {
		t.Fatalf("expected 1 directive, got %d", len(directives))
	}

	delRec := httptest.NewRecorder()
	s.ServeHTTP(delRec, authedRequest(http.MethodDelete, "/api/projects/demo/directives/"+directives[0].ID, nil))
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", delRec.Code)
	}
}
