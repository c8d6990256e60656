// Package store is the single-writer embedded store for projects,
// secrets, workers, and operator tokens. It wraps a BoltDB database --
// BoltDB's own file format provides the write-ahead log durability
// this package needs, so no separate WAL is hand-rolled here.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/synapsefleet/synapse/internal/apperror"
	"github.com/synapsefleet/synapse/internal/types"
)

var (
	bucketProjects = []byte("projects")
	bucketSecrets  = []byte("secrets")
	bucketWorkers  = []byte("workers")
	bucketTokens   = []byte("tokens")
)

// Store wraps a BoltDB database for Synapse persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all
// required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketProjects, bucketSecrets, bucketWorkers, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// secretKey encodes the (project, KEY) compound key used inside
// bucketSecrets, ordered so ListSecrets(project) can prefix-scan.
func secretKey(project, key string) []byte {
	return []byte(project + "\x00" + key)
}

// --- Projects ---------------------------------------------------------

// CreateProject inserts a new project. Returns ConflictError if the
// name is already taken.
func (s *Store) CreateProject(p *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		if b.Get([]byte(p.Name)) != nil {
			return apperror.New(apperror.Conflict, fmt.Sprintf("project %q already exists", p.Name))
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Name), data)
	})
}

// GetProject returns a project by name, or NotFoundError.
func (s *Store) GetProject(name string) (*types.Project, error) {
	var p types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(name))
		if data == nil {
			return apperror.New(apperror.NotFound, fmt.Sprintf("project %q not found", name))
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all projects, ordered by name.
func (s *Store) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		return b.ForEach(func(k, v []byte) error {
			var p types.Project
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			projects = append(projects, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// UpdateProject overwrites an existing project record (upsert-style).
func (s *Store) UpdateProject(p *types.Project) error {
	p.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Name), data)
	})
}

// DeleteProject removes a project and cascades to its secrets and
// worker record. All three bucket mutations happen in one
// transaction.
func (s *Store) DeleteProject(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		projects := tx.Bucket(bucketProjects)
		if projects.Get([]byte(name)) == nil {
			return apperror.New(apperror.NotFound, fmt.Sprintf("project %q not found", name))
		}
		if err := projects.Delete([]byte(name)); err != nil {
			return err
		}

		secrets := tx.Bucket(bucketSecrets)
		prefix := []byte(name + "\x00")
		c := secrets.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := secrets.Delete(k); err != nil {
				return err
			}
		}

		workers := tx.Bucket(bucketWorkers)
		wc := workers.Cursor()
		for k, v := wc.First(); k != nil; k, v = wc.Next() {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				continue
			}
			if w.Project == name {
				if err := workers.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- Secrets ------------------------------------------------------------

// PutSecret upserts a secret's ciphertext envelope.
func (s *Store) PutSecret(sec *types.Secret) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		data, err := json.Marshal(sec)
		if err != nil {
			return err
		}
		return b.Put(secretKey(sec.Project, sec.Key), data)
	})
}

// GetSecret returns one secret's ciphertext envelope.
func (s *Store) GetSecret(project, key string) (*types.Secret, error) {
	var sec types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		data := b.Get(secretKey(project, key))
		if data == nil {
			return apperror.New(apperror.NotFound, fmt.Sprintf("secret %q not found", key))
		}
		return json.Unmarshal(data, &sec)
	})
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

// ListSecretKeys returns the KEY names (never values) for a project.
func (s *Store) ListSecretKeys(project string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		prefix := []byte(project + "\x00")
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteSecret removes one secret.
func (s *Store) DeleteSecret(project, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		k := secretKey(project, key)
		if b.Get(k) == nil {
			return apperror.New(apperror.NotFound, fmt.Sprintf("secret %q not found", key))
		}
		return b.Delete(k)
	})
}

// --- Workers --------------------------------------------------------------

// CreateWorker inserts a new worker record.
func (s *Store) CreateWorker(w *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(w.InstanceID), data)
	})
}

// GetWorker returns a worker by instance id.
func (s *Store) GetWorker(instanceID string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(instanceID))
		if data == nil {
			return apperror.New(apperror.NotFound, fmt.Sprintf("worker %q not found", instanceID))
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorkerForProject returns the live (non-terminated) worker owning
// project, or NotFoundError. At most one live worker per project.
func (s *Store) GetWorkerForProject(project string) (*types.Worker, error) {
	var found *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Project == project && w.Status != types.WorkerTerminated {
				wc := w
				found = &wc
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("no live worker for project %q", project))
	}
	return found, nil
}

// UpdateWorker overwrites an existing worker record.
func (s *Store) UpdateWorker(w *types.Worker) error {
	return s.CreateWorker(w)
}

// ListWorkers returns all workers.
func (s *Store) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].InstanceID < workers[j].InstanceID })
	return workers, nil
}

// DeleteWorker removes a worker record.
func (s *Store) DeleteWorker(instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(instanceID))
	})
}

// --- Tokens -----------------------------------------------------------

// PutToken inserts a new operator token by its SHA-256 hash.
func (s *Store) PutToken(t *types.Token) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.Hash), data)
	})
}

// ValidateTokenHash reports whether hash corresponds to a stored
// token. Satisfies auth.TokenValidator.
func (s *Store) ValidateTokenHash(_ context.Context, hash string) bool {
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		found = b.Get([]byte(hash)) != nil
		return nil
	})
	return found
}

// HasAnyToken reports whether at least one token has been provisioned,
// used to decide whether to insert SYNAPSE_BOOTSTRAP_TOKEN on first
// start.
func (s *Store) HasAnyToken() (bool, error) {
	any := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		c := b.Cursor()
		k, _ := c.First()
		any = k != nil
		return nil
	})
	return any, err
}
