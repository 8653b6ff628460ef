// SPDX-License-Identifier: Apache-2.0

// Package agent persists the agents that own capabilities and run sessions.
package agent

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/forge/pkg/errors"
)

const agentTable = "agents"

// Agent is the persisted agent record.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists agents. Only create, read and delete are supported.
type Store interface {
	Create(ctx context.Context, a Agent) (Agent, error)
	Get(ctx context.Context, id string) (Agent, error)
	List(ctx context.Context) ([]Agent, error)
	Delete(ctx context.Context, id string) error
}

func prepare(a Agent) (Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if len(a.ID) > 128 {
		return Agent{}, errors.New(errors.CodeInvalidInput, "agent id too long", nil)
	}
	return a, nil
}

func notFound(id string) error {
	return errors.Newf(errors.CodeNotFound, "agent %q not found", id).WithContext("agent_id", id)
}

func conflict(id string) error {
	return errors.Newf(errors.CodeNameConflict, "agent %q already exists", id)
}

// MemoryStore keeps agents in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]Agent)}
}

func (m *MemoryStore) Create(_ context.Context, a Agent) (Agent, error) {
	a, err := prepare(a)
	if err != nil {
		return Agent{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; ok {
		return Agent{}, conflict(a.ID)
	}
	m.agents[a.ID] = a
	return a, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return Agent{}, notFound(id)
	}
	return a, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return notFound(id)
	}
	delete(m.agents, id)
	return nil
}

// SQLiteStore persists agents in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed agent store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`, agentTable)
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("ensure %s schema: %w", agentTable, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, a Agent) (Agent, error) {
	a, err := prepare(a)
	if err != nil {
		return Agent{}, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, name, description, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`, agentTable),
		a.ID, a.Name, a.Description, a.CreatedAt.UnixMilli())
	if err != nil {
		return Agent{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Agent{}, conflict(a.ID)
	}
	return a, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Agent, error) {
	var a Agent
	var created int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, name, description, created_at FROM %s WHERE id = ?`, agentTable), id).
		Scan(&a.ID, &a.Name, &a.Description, &created)
	if err == sql.ErrNoRows {
		return Agent{}, notFound(id)
	}
	if err != nil {
		return Agent{}, err
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	return a, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, name, description, created_at FROM %s ORDER BY id`, agentTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		var created int64
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, agentTable), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}
