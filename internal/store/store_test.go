package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/synapsefleet/synapse/internal/apperror"
	"github.com/synapsefleet/synapse/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "synapse.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateListProject(t *testing.T) {
	s := openTestStore(t)

	p := &types.Project{Name: "demo", Status: types.ProjectCreating, CreatedAt: time.Now()}
	if err := s.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	projects, err := s.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 || projects[0].Name != "demo" {
		t.Fatalf("expected exactly one project named demo, got %+v", projects)
	}
}

func TestCreateProjectDuplicateNameConflicts(t *testing.T) {
	s := openTestStore(t)
	p := &types.Project{Name: "demo", Status: types.ProjectCreating}
	if err := s.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	err := s.CreateProject(p)
	if apperror.KindOf(err) != apperror.Conflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestDeleteProjectCascadesSecretsAndWorker(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateProject(&types.Project{Name: "demo"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.PutSecret(&types.Secret{Project: "demo", Key: "LLM_API_KEY", Value: "env:v1"}); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	if err := s.CreateWorker(&types.Worker{InstanceID: "i-1", Project: "demo", Status: types.WorkerReady}); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	if err := s.DeleteProject("demo"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}

	if _, err := s.GetProject("demo"); apperror.KindOf(err) != apperror.NotFound {
		t.Fatalf("expected project gone, got %v", err)
	}
	keys, err := s.ListSecretKeys("demo")
	if err != nil {
		t.Fatalf("ListSecretKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected secrets cascaded away, got %v", keys)
	}
	if _, err := s.GetWorker("i-1"); apperror.KindOf(err) != apperror.NotFound {
		t.Fatalf("expected worker cascaded away, got %v", err)
	}
}

func TestDeleteProjectIdempotentReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateProject(&types.Project{Name: "demo"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := s.DeleteProject("demo"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	err := s.DeleteProject("demo")
	if apperror.KindOf(err) != apperror.NotFound {
		t.Fatalf("second delete: expected NotFound, got %v", err)
	}
}

func TestSecretListNeverReturnsValues(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutSecret(&types.Secret{Project: "demo", Key: "API_TOKEN", Value: "ciphertext"}); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	keys, err := s.ListSecretKeys("demo")
	if err != nil {
		t.Fatalf("ListSecretKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "API_TOKEN" {
		t.Fatalf("expected [API_TOKEN], got %v", keys)
	}
}

func TestSecretsScopedPerProject(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutSecret(&types.Secret{Project: "demo", Key: "K", Value: "v1"}); err != nil {
		t.Fatalf("PutSecret demo: %v", err)
	}
	if err := s.PutSecret(&types.Secret{Project: "other", Key: "K", Value: "v2"}); err != nil {
		t.Fatalf("PutSecret other: %v", err)
	}
	demoKeys, _ := s.ListSecretKeys("demo")
	otherKeys, _ := s.ListSecretKeys("other")
	if len(demoKeys) != 1 || len(otherKeys) != 1 {
		t.Fatalf("expected one key each, got demo=%v other=%v", demoKeys, otherKeys)
	}
	sec, err := s.GetSecret("demo", "K")
	if err != nil || sec.Value != "v1" {
		t.Fatalf("GetSecret demo.K = %+v, %v", sec, err)
	}
}

func TestWorkerUniquePerLiveProject(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateWorker(&types.Worker{InstanceID: "i-1", Project: "demo", Status: types.WorkerReady}); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	w, err := s.GetWorkerForProject("demo")
	if err != nil {
		t.Fatalf("GetWorkerForProject: %v", err)
	}
	if w.InstanceID != "i-1" {
		t.Fatalf("expected i-1, got %s", w.InstanceID)
	}

	w.Status = types.WorkerTerminated
	if err := s.UpdateWorker(w); err != nil {
		t.Fatalf("UpdateWorker: %v", err)
	}
	if _, err := s.GetWorkerForProject("demo"); apperror.KindOf(err) != apperror.NotFound {
		t.Fatalf("expected no live worker after termination, got %v", err)
	}
}

func TestValidateTokenHash(t *testing.T) {
	s := openTestStore(t)
	has, err := s.HasAnyToken()
	if err != nil {
		t.Fatalf("HasAnyToken: %v", err)
	}
	if has {
		t.Fatalf("expected no tokens initially")
	}

	if err := s.PutToken(&types.Token{Hash: "deadbeef", Label: "bootstrap"}); err != nil {
		t.Fatalf("PutToken: %v", err)
	}
	if !s.ValidateTokenHash(context.Background(), "deadbeef") {
		t.Fatalf("expected hash to validate")
	}
	if s.ValidateTokenHash(context.Background(), "wrong") {
		t.Fatalf("expected wrong hash to not validate")
	}
}
