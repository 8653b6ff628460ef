// SPDX-License-Identifier: Apache-2.0
package world

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/forge/pkg/errors"
)

const worldTable = "worlds"

// Store persists world templates. Only create, read and delete are supported.
type Store interface {
	Create(ctx context.Context, spec Spec) (Spec, error)
	Get(ctx context.Context, id string) (Spec, error)
	List(ctx context.Context) ([]Spec, error)
	Delete(ctx context.Context, id string) error
}

func prepare(spec Spec) (Spec, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func notFound(id string) error {
	return errors.Newf(errors.CodeNotFound, "world %q not found", id).WithContext("world_id", id)
}

// MemoryStore keeps worlds in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	worlds map[string]Spec
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{worlds: make(map[string]Spec)}
}

func (m *MemoryStore) Create(_ context.Context, spec Spec) (Spec, error) {
	spec, err := prepare(spec)
	if err != nil {
		return Spec{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.worlds[spec.ID]; ok {
		return Spec{}, errors.Newf(errors.CodeNameConflict, "world %q already exists", spec.ID)
	}
	m.worlds[spec.ID] = spec
	return spec, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Spec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.worlds[id]
	if !ok {
		return Spec{}, notFound(id)
	}
	return spec, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Spec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Spec, 0, len(m.worlds))
	for _, s := range m.worlds {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.worlds[id]; !ok {
		return notFound(id)
	}
	delete(m.worlds, id)
	return nil
}

// SQLiteStore persists worlds in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed world store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		spec_json BLOB NOT NULL
	);`, worldTable)
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("ensure %s schema: %w", worldTable, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, spec Spec) (Spec, error) {
	spec, err := prepare(spec)
	if err != nil {
		return Spec{}, err
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return Spec{}, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, name, created_at, spec_json) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`, worldTable),
		spec.ID, spec.Name, spec.CreatedAt.UnixMilli(), payload)
	if err != nil {
		return Spec{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Spec{}, errors.Newf(errors.CodeNameConflict, "world %q already exists", spec.ID)
	}
	return spec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Spec, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT spec_json FROM %s WHERE id = ?`, worldTable), id).Scan(&payload)
	if err == sql.ErrNoRows {
		return Spec{}, notFound(id)
	}
	if err != nil {
		return Spec{}, err
	}
	var spec Spec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode world %s: %w", id, err)
	}
	return spec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Spec, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT spec_json FROM %s ORDER BY id`, worldTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Spec
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var spec Spec
		if err := json.Unmarshal(payload, &spec); err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, worldTable), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}
