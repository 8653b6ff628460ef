// SPDX-License-Identifier: Apache-2.0
package agent

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/jllopis/forge/pkg/errors"
)

func TestStores(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	sqlStore, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	for name, store := range map[string]Store{"memory": NewMemoryStore(), "sqlite": sqlStore} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := store.Create(ctx, Agent{ID: "rover", Description: "grid walker"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if a.Name != "rover" || a.CreatedAt.IsZero() {
				t.Errorf("defaults not applied: %+v", a)
			}
			if _, err := store.Create(ctx, Agent{ID: "rover"}); !errors.Is(err, errors.CodeNameConflict) {
				t.Errorf("duplicate: %v", err)
			}
			got, err := store.Get(ctx, "rover")
			if err != nil || got.Description != "grid walker" {
				t.Fatalf("Get = %+v, %v", got, err)
			}
			if got.CreatedAt.UnixMilli() != a.CreatedAt.UnixMilli() {
				t.Errorf("created_at drift: %v vs %v", got.CreatedAt, a.CreatedAt)
			}
			if list, _ := store.List(ctx); len(list) != 1 {
				t.Errorf("List = %v", list)
			}
			if err := store.Delete(ctx, "rover"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, "rover"); !errors.Is(err, errors.CodeNotFound) {
				t.Errorf("Get after delete: %v", err)
			}
			if err := store.Delete(ctx, "rover"); !errors.Is(err, errors.CodeNotFound) {
				t.Errorf("double delete: %v", err)
			}
		})
	}
}

func TestCreateGeneratesID(t *testing.T) {
	a, err := NewMemoryStore().Create(context.Background(), Agent{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" || a.Name != a.ID {
		t.Errorf("expected generated id and name: %+v", a)
	}
}
