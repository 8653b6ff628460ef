// SPDX-License-Identifier: Apache-2.0
package capability

import (
	"context"
	"log/slog"

	"github.com/jllopis/forge/pkg/errors"
)

// Catalog keeps the registry and its store in step: a capability is
// callable exactly when it is persisted.
type Catalog struct {
	registry *Registry
	store    Store
	log      *slog.Logger
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(l *slog.Logger) CatalogOption {
	return func(c *Catalog) { c.log = l }
}

// NewCatalog couples registry and store. A nil store keeps definitions in memory.
func NewCatalog(registry *Registry, store Store, opts ...CatalogOption) *Catalog {
	if registry == nil {
		registry = NewRegistry()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	c := &Catalog{registry: registry, store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the live registry.
func (c *Catalog) Registry() *Registry { return c.registry }

// Store returns the backing store.
func (c *Catalog) Store() Store { return c.store }

// Add persists def and registers h under its name, or does neither.
func (c *Catalog) Add(ctx context.Context, def Definition, h Handle) error {
	err := c.registry.RegisterWith(def, h, func() error {
		return c.store.Create(ctx, def)
	})
	if err != nil {
		return err
	}
	c.log.Info("capability.registered",
		slog.String("name", def.Name),
		slog.String("agent_id", def.AgentID),
		slog.String("category", string(def.Category)),
	)
	return nil
}

// Delete removes name from store and registry. A definition missing from the
// store is still unregistered, and a stored definition that was never
// registered, such as one rejected by Load, is still deleted.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	stale, err := c.delete(ctx, name)
	if err != nil {
		return err
	}
	c.log.Info("capability.deleted", slog.String("name", name), slog.Bool("stale", stale))
	return nil
}

// delete reports whether name was only in the store.
func (c *Catalog) delete(ctx context.Context, name string) (stale bool, err error) {
	err = c.registry.remove(name, func(_ Definition, registered bool) error {
		err := c.store.Delete(ctx, name)
		if registered && errors.Is(err, errors.CodeNotFound) {
			return nil
		}
		stale = !registered && err == nil
		return err
	})
	return stale, err
}

// DeleteAgent removes every capability owned by agentID, including stored
// definitions that are not registered.
func (c *Catalog) DeleteAgent(ctx context.Context, agentID string) (int, error) {
	removed, err := c.registry.RemoveAgent(agentID, func(def Definition) error {
		if err := c.store.Delete(ctx, def.Name); err != nil && !errors.Is(err, errors.CodeNotFound) {
			return err
		}
		return nil
	})
	count := len(removed)
	if err == nil {
		var defs []Definition
		defs, err = c.store.List(ctx, agentID)
		for _, def := range defs {
			if _, derr := c.delete(ctx, def.Name); derr != nil {
				if !errors.Is(derr, errors.CodeNotFound) && err == nil {
					err = derr
				}
				continue
			}
			count++
		}
	}
	if count > 0 {
		c.log.Info("capability.agent.purged", slog.String("agent_id", agentID), slog.Int("count", count))
	}
	return count, err
}

// List returns the definitions owned by agentID, sorted by name.
func (c *Catalog) List(agentID string) []Definition {
	entries := c.registry.List(agentID)
	out := make([]Definition, len(entries))
	for i, e := range entries {
		out[i] = e.Definition
	}
	return out
}

// Load registers every stored definition. check re-validates the source
// under the current policy; definitions that fail check or compile are
// skipped and logged. It returns the number registered.
func (c *Catalog) Load(ctx context.Context, compiler Compiler, check func(code string) error) (int, error) {
	defs, err := c.store.List(ctx, "")
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, def := range defs {
		if check != nil {
			if err := check(def.Code); err != nil {
				c.log.Warn("capability.load.rejected", slog.String("name", def.Name), slog.String("error", err.Error()))
				continue
			}
		}
		h, err := compiler.Compile(def)
		if err != nil {
			c.log.Warn("capability.load.compile_failed", slog.String("name", def.Name), slog.String("error", err.Error()))
			continue
		}
		if err := c.registry.Register(def, h); err != nil {
			c.log.Warn("capability.load.skipped", slog.String("name", def.Name), slog.String("error", err.Error()))
			continue
		}
		loaded++
	}
	c.log.Info("capability.load.done", slog.Int("stored", len(defs)), slog.Int("loaded", loaded))
	return loaded, nil
}
