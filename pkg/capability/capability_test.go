// SPDX-License-Identifier: Apache-2.0
package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/forge/pkg/errors"
)

func noop() Handle {
	return HandleFunc(func(context.Context, Invocation) (Outcome, error) {
		return Outcome{Success: true}, nil
	})
}

func def(name, agent, code string) Definition {
	return Definition{
		Name:       name,
		AgentID:    agent,
		Code:       code,
		Parameters: ParameterSchema{"steps": TypeInt},
		Category:   CategoryMovement,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestRegisterDuplicateKeepsOriginal(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(def("move_forward", "a1", "v1"), noop()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(def("move_forward", "a1", "v2"), noop())
	if !errors.Is(err, errors.CodeNameConflict) {
		t.Fatalf("expected name_conflict, got %v", err)
	}
	e, err := r.Lookup("move_forward")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Definition.Code != "v1" {
		t.Errorf("original replaced: %q", e.Definition.Code)
	}
}

func TestRemoveMissingIsNotFound(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(def("look", "a1", ""), noop())

	if err := r.Remove("fly"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("registry changed on failed remove")
	}
	if err := r.Remove("look"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.Remove("look"); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("second remove: %v", err)
	}
	if _, err := r.Lookup("look"); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("lookup after remove: %v", err)
	}
}

func TestListFiltersAndSorts(t *testing.T) {
	r := NewRegistry()
	for _, d := range []Definition{def("zig", "a1", ""), def("alpha", "a1", ""), def("other", "a2", "")} {
		if err := r.Register(d, noop()); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	got := r.List("a1")
	if len(got) != 2 || got[0].Definition.Name != "alpha" || got[1].Definition.Name != "zig" {
		t.Errorf("List(a1) = %v", got)
	}
	if len(r.List("")) != 3 {
		t.Errorf("List(\"\") should list all")
	}
}

func TestRegisterWithFailedPersist(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterWith(def("dig", "a1", ""), noop(), func() error { return fmt.Errorf("disk full") })
	if err == nil {
		t.Fatal("expected persist error")
	}
	if r.Len() != 0 {
		t.Errorf("capability registered despite persist failure")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(def(fmt.Sprintf("cap_%d", i%5), "a1", ""), noop())
		}(i)
		go func() {
			defer wg.Done()
			_ = r.List("a1")
			_, _ = r.Lookup("cap_0")
		}()
	}
	wg.Wait()
	if r.Len() != 5 {
		t.Errorf("expected 5 unique capabilities, got %d", r.Len())
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"move_forward", true},
		{"scan2", true},
		{"MoveForward", false},
		{"2move", false},
		{"move-forward", false},
		{"", false},
		{FinishName, false},
	}
	for _, tt := range tests {
		if err := ValidateName(tt.name); (err == nil) != tt.ok {
			t.Errorf("ValidateName(%q) = %v", tt.name, err)
		}
	}
}

func TestParseCategory(t *testing.T) {
	if ParseCategory(" Movement ") != CategoryMovement || ParseCategory("dance") != CategoryOther {
		t.Errorf("ParseCategory mismatch")
	}
}

func TestParameterSchemaCoerce(t *testing.T) {
	s := ParameterSchema{"steps": TypeInt, "speed": TypeFloat, "label": TypeString, "fast": TypeBool}

	var decoded map[string]any
	_ = json.Unmarshal([]byte(`{"steps":3,"speed":1,"label":"x","fast":"true","extra":1}`), &decoded)

	got, err := s.Coerce(decoded)
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}
	if got["steps"] != 3 || got["speed"] != 1.0 || got["label"] != "x" || got["fast"] != true {
		t.Errorf("unexpected coercion %#v", got)
	}
	if _, ok := got["extra"]; ok {
		t.Errorf("unknown argument kept")
	}

	bad := []map[string]any{
		{"speed": 1.0, "label": "x", "fast": true},
		{"steps": 2.5, "speed": 1.0, "label": "x", "fast": true},
		{"steps": 1, "speed": 1.0, "label": 7, "fast": true},
	}
	for i, args := range bad {
		_, err := s.Coerce(args)
		if !errors.Is(err, errors.CodeInvalidArguments) {
			t.Errorf("case %d: expected invalid_arguments, got %v", i, err)
		}
	}
}

func TestParameterSchemaJSON(t *testing.T) {
	var s ParameterSchema
	if err := json.Unmarshal([]byte(`{"steps":"integer","ok":"boolean"}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s["steps"] != TypeInt || s["ok"] != TypeBool {
		t.Errorf("aliases not normalized: %v", s)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	var nested ParameterSchema
	if err := json.Unmarshal([]byte(`{"dx":{"type":"number"}}`), &nested); err != nil || nested["dx"] != TypeFloat {
		t.Errorf("nested form: %v %v", nested, err)
	}
	if err := json.Unmarshal([]byte(`{"dx":42}`), &nested); err == nil {
		t.Errorf("expected error for non-type value")
	}
	if err := (ParameterSchema{"x": "matrix"}).Validate(); !errors.Is(err, errors.CodeInvalidInput) {
		t.Errorf("expected invalid type error, got %v", err)
	}

	js := ParameterSchema{"steps": TypeInt}.JSONSchema()
	props := js["properties"].(map[string]any)
	if props["steps"].(map[string]any)["type"] != "integer" {
		t.Errorf("JSONSchema = %v", js)
	}
	if req := js["required"].([]string); len(req) != 1 || req[0] != "steps" {
		t.Errorf("required = %v", req)
	}
}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store
}

func TestStores(t *testing.T) {
	for name, store := range map[string]Store{"memory": NewMemoryStore(), "sqlite": openSQLite(t)} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := def("move_forward", "a1", "package capability")
			if err := store.Create(ctx, d); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := store.Create(ctx, d); !errors.Is(err, errors.CodeNameConflict) {
				t.Errorf("duplicate create: %v", err)
			}
			_ = store.Create(ctx, def("scan", "a2", ""))

			got, err := store.Get(ctx, "move_forward")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Parameters["steps"] != TypeInt || got.Category != CategoryMovement || got.Code != d.Code {
				t.Errorf("round trip mismatch: %+v", got)
			}
			list, err := store.List(ctx, "a1")
			if err != nil || len(list) != 1 {
				t.Errorf("List(a1) = %v, %v", list, err)
			}
			if err := store.Delete(ctx, "move_forward"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := store.Delete(ctx, "move_forward"); !errors.Is(err, errors.CodeNotFound) {
				t.Errorf("double delete: %v", err)
			}
		})
	}
}

type failingStore struct {
	*MemoryStore
	createErr error
}

func (f failingStore) Create(ctx context.Context, d Definition) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.MemoryStore.Create(ctx, d)
}

func TestCatalogAddIsAtomic(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog(nil, failingStore{MemoryStore: NewMemoryStore(), createErr: fmt.Errorf("io")})
	if err := c.Add(ctx, def("dig", "a1", ""), noop()); err == nil {
		t.Fatal("expected error")
	}
	if c.Registry().Len() != 0 {
		t.Errorf("registered without persistence")
	}
}

func TestCatalogLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewCatalog(NewRegistry(), store)

	if err := c.Add(ctx, def("move_forward", "a1", "ok"), noop()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add(ctx, def("move_forward", "a1", "again"), noop()); !errors.Is(err, errors.CodeNameConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if stored, _ := store.Get(ctx, "move_forward"); stored.Code != "ok" {
		t.Errorf("store overwritten: %q", stored.Code)
	}
	if got := c.List("a1"); len(got) != 1 {
		t.Errorf("List = %v", got)
	}
	if err := c.Delete(ctx, "move_forward"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(ctx, "move_forward"); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("second delete: %v", err)
	}
	if _, err := store.Get(ctx, "move_forward"); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("store still has deleted capability")
	}
}

type compilerFunc func(Definition) (Handle, error)

func (f compilerFunc) Compile(d Definition) (Handle, error) { return f(d) }

func TestCatalogLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Create(ctx, def("good", "a1", "safe"))
	_ = store.Create(ctx, def("bad", "a1", "unsafe"))
	_ = store.Create(ctx, def("broken", "a1", "nocompile"))

	c := NewCatalog(nil, store)
	check := func(code string) error {
		if code == "unsafe" {
			return errors.New(errors.CodeForbiddenCapability, "denied", nil)
		}
		return nil
	}
	compiler := compilerFunc(func(d Definition) (Handle, error) {
		if d.Code == "nocompile" {
			return nil, fmt.Errorf("load failed")
		}
		return noop(), nil
	})

	n, err := c.Load(ctx, compiler, check)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 1 {
		t.Errorf("loaded %d, want 1", n)
	}
	if _, err := c.Registry().Lookup("good"); err != nil {
		t.Errorf("good not registered: %v", err)
	}

	// Rejected definitions stay stored but can still be deleted and replaced.
	if err := c.Delete(ctx, "bad"); err != nil {
		t.Fatalf("Delete of unloaded definition: %v", err)
	}
	if _, err := store.Get(ctx, "bad"); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("store still has bad: %v", err)
	}
	if err := c.Delete(ctx, "bad"); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("second delete = %v, want not_found", err)
	}
	if err := c.Add(ctx, def("bad", "a1", "safe"), noop()); err != nil {
		t.Errorf("Add after delete: %v", err)
	}

	n, err = c.DeleteAgent(ctx, "a1")
	if err != nil || n != 3 {
		t.Fatalf("DeleteAgent = %d, %v, want good, bad and broken", n, err)
	}
	if left, _ := store.List(ctx, "a1"); len(left) != 0 {
		t.Errorf("store rows left: %+v", left)
	}
}

func TestCatalogDeleteAgent(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog(nil, nil)
	_ = c.Add(ctx, def("a", "a1", ""), noop())
	_ = c.Add(ctx, def("b", "a1", ""), noop())
	_ = c.Add(ctx, def("c", "a2", ""), noop())

	n, err := c.DeleteAgent(ctx, "a1")
	if err != nil || n != 2 {
		t.Fatalf("DeleteAgent = %d, %v", n, err)
	}
	if c.Registry().Len() != 1 {
		t.Errorf("expected only a2's capability left")
	}
}

func TestOutcomeResult(t *testing.T) {
	o := Outcome{Success: true, Message: "moved", Data: map[string]any{"distance": 3}}
	r := o.Result()
	if r["success"] != true || r["message"] != "moved" || r["distance"] != 3 {
		t.Errorf("Result = %v", r)
	}
}
