// SPDX-License-Identifier: Apache-2.0
package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const capabilityTable = "capabilities"

// Store persists capability definitions. It has no update operation:
// a capability is replaced by deleting and generating it again.
type Store interface {
	Create(ctx context.Context, def Definition) error
	Get(ctx context.Context, name string) (Definition, error)
	List(ctx context.Context, agentID string) ([]Definition, error)
	Delete(ctx context.Context, name string) error
}

// MemoryStore keeps definitions in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]Definition)}
}

func (m *MemoryStore) Create(_ context.Context, def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[def.Name]; ok {
		return conflict(def.Name)
	}
	m.defs[def.Name] = def
	return nil
}

func (m *MemoryStore) Get(_ context.Context, name string) (Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[name]
	if !ok {
		return Definition{}, notFound(name)
	}
	return def, nil
}

func (m *MemoryStore) List(_ context.Context, agentID string) ([]Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Definition, 0, len(m.defs))
	for _, d := range m.defs {
		if agentID == "" || d.AgentID == agentID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[name]; !ok {
		return notFound(name)
	}
	delete(m.defs, name)
	return nil
}

// SQLiteStore persists definitions in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed capability store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			description TEXT NOT NULL,
			code TEXT NOT NULL,
			parameters_json TEXT NOT NULL,
			explanation TEXT NOT NULL,
			category TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`, capabilityTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_agent ON %s(agent_id);`, capabilityTable, capabilityTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("ensure %s schema: %w", capabilityTable, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, def Definition) error {
	params, err := json.Marshal(def.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(name, agent_id, description, code, parameters_json, explanation, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(name) DO NOTHING`, capabilityTable),
		def.Name, def.AgentID, def.Description, def.Code, string(params), def.Explanation,
		string(def.Category), def.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conflict(def.Name)
	}
	return nil
}

const selectColumns = `name, agent_id, description, code, parameters_json, explanation, category, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (Definition, error) {
	var def Definition
	var params, category string
	var created int64
	if err := row.Scan(&def.Name, &def.AgentID, &def.Description, &def.Code, &params,
		&def.Explanation, &category, &created); err != nil {
		return Definition{}, err
	}
	if err := json.Unmarshal([]byte(params), &def.Parameters); err != nil {
		return Definition{}, fmt.Errorf("decode parameters of %s: %w", def.Name, err)
	}
	def.Category = Category(category)
	def.CreatedAt = time.UnixMilli(created).UTC()
	return def, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (Definition, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE name = ?`, selectColumns, capabilityTable), name)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return Definition{}, notFound(name)
	}
	return def, err
}

func (s *SQLiteStore) List(ctx context.Context, agentID string) ([]Definition, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, selectColumns, capabilityTable)
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, capabilityTable), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(name)
	}
	return nil
}
