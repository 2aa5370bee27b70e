// Package track is the client side of the pipeline: it establishes single
// ownership of a polling subscription per task, polls the authoritative
// status with an adaptive interval, and merges out-of-band push updates.
package track

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// SnapshotStore mirrors the ownership map durably so that after a process
// restart in-flight tasks are rediscovered instead of growing a second,
// duplicate polling loop.
type SnapshotStore interface {
	Save(taskID, ownerID string) error
	Delete(taskID string) error
	Load() (map[string]string, error)
}

// Registry maps taskID to the owner handle of the one UI surface allowed to
// poll it. Shared mutable state across all surfaces in the process; this is
// the only lock the client side needs.
type Registry struct {
	mu     sync.Mutex
	owners map[string]string
	snap   SnapshotStore
	log    *slog.Logger
}

// NewRegistry builds a registry, restoring any durable snapshot. A nil
// snapshot store keeps the registry memory-only.
func NewRegistry(snap SnapshotStore, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{owners: map[string]string{}, snap: snap, log: logger}
	if snap != nil {
		restored, err := snap.Load()
		if err != nil {
			return nil, err
		}
		r.owners = restored
		if len(restored) > 0 {
			logger.Info("restored tracked tasks", "count", len(restored))
		}
	}
	return r, nil
}

// Register records ownerID as the owner of taskID. Returns false without
// taking ownership when another live owner exists.
func (r *Registry) Register(taskID, ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.owners[taskID]; ok && cur != ownerID {
		return false
	}
	r.owners[taskID] = ownerID
	if r.snap != nil {
		if err := r.snap.Save(taskID, ownerID); err != nil {
			r.log.Warn("ownership snapshot save failed", "task", taskID, "err", err)
		}
	}
	return true
}

// Unregister removes the entry only when ownerID matches the current owner,
// so a stale caller cannot evict a newer legitimate owner.
func (r *Registry) Unregister(taskID, ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.owners[taskID]; !ok || cur != ownerID {
		return false
	}
	delete(r.owners, taskID)
	if r.snap != nil {
		if err := r.snap.Delete(taskID); err != nil {
			r.log.Warn("ownership snapshot delete failed", "task", taskID, "err", err)
		}
	}
	return true
}

// Owner reports the current owner of taskID.
func (r *Registry) Owner(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[taskID]
	return owner, ok
}

// Tracked returns a snapshot of the ownership map, used on restart to
// restart polling loops for rediscovered tasks.
func (r *Registry) Tracked() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.owners))
	for k, v := range r.owners {
		out[k] = v
	}
	return out
}

// SQLSnapshotStore keeps the ownership mirror in a local SQLite file.
type SQLSnapshotStore struct {
	db *sql.DB
}

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS genpipe_owned_tasks (
    task_id    VARCHAR(64) PRIMARY KEY,
    owner_id   VARCHAR(64) NOT NULL,
    updated_at DATETIME    NOT NULL
);`

func NewSQLSnapshotStore(db *sql.DB) (*SQLSnapshotStore, error) {
	if _, err := db.Exec(snapshotSchema); err != nil {
		return nil, err
	}
	return &SQLSnapshotStore{db: db}, nil
}

func (s *SQLSnapshotStore) Save(taskID, ownerID string) error {
	_, err := s.db.Exec(
		`INSERT INTO genpipe_owned_tasks (task_id, owner_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET owner_id = excluded.owner_id, updated_at = excluded.updated_at`,
		taskID, ownerID, time.Now().UTC())
	return err
}

func (s *SQLSnapshotStore) Delete(taskID string) error {
	_, err := s.db.Exec(`DELETE FROM genpipe_owned_tasks WHERE task_id = ?`, taskID)
	return err
}

func (s *SQLSnapshotStore) Load() (map[string]string, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT task_id, owner_id FROM genpipe_owned_tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var task, owner string
		if err := rows.Scan(&task, &owner); err != nil {
			return nil, err
		}
		out[task] = owner
	}
	return out, rows.Err()
}
