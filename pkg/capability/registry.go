// SPDX-License-Identifier: Apache-2.0
package capability

import (
	"sort"
	"sync"

	"github.com/jllopis/forge/pkg/errors"
)

// Entry is a registered capability together with its executable handle.
type Entry struct {
	Definition Definition
	Handle     Handle
}

// Registry is the live set of callable capabilities. Lookups never block on
// each other; writes are serialized and each write is visible atomically.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a capability. A duplicate name fails with name_conflict and
// leaves the existing entry untouched.
func (r *Registry) Register(def Definition, h Handle) error {
	return r.RegisterWith(def, h, nil)
}

// RegisterWith adds a capability only if persist succeeds. persist runs under
// the write lock so no reader observes a capability that was not stored.
func (r *Registry) RegisterWith(def Definition, h Handle, persist func() error) error {
	if h == nil {
		return errors.Newf(errors.CodeInternal, "capability %q has no handle", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[def.Name]; ok {
		return conflict(def.Name)
	}
	if persist != nil {
		if err := persist(); err != nil {
			return err
		}
	}
	r.entries[def.Name] = Entry{Definition: def, Handle: h}
	return nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, notFound(name)
	}
	return e, nil
}

// List returns the capabilities owned by agentID, sorted by name.
// An empty agentID lists every capability.
func (r *Registry) List(agentID string) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if agentID == "" || e.Definition.AgentID == agentID {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Definition.Name < out[j].Definition.Name })
	return out
}

// Remove deletes the capability registered under name.
func (r *Registry) Remove(name string) error {
	return r.RemoveWith(name, nil)
}

// RemoveWith deletes name only if purge succeeds. Removing a missing name
// fails with not_found and changes nothing.
func (r *Registry) RemoveWith(name string, purge func(Definition) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return notFound(name)
	}
	if purge != nil {
		if err := purge(e.Definition); err != nil {
			return err
		}
	}
	delete(r.entries, name)
	return nil
}

// remove is RemoveWith for names that may be persisted without being
// registered. purge runs under the writer lock either way and is told
// whether name was registered; its error is returned as is.
func (r *Registry) remove(name string, purge func(def Definition, registered bool) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return purge(Definition{Name: name}, false)
	}
	if err := purge(e.Definition, true); err != nil {
		return err
	}
	delete(r.entries, name)
	return nil
}

// RemoveAgent deletes every capability owned by agentID and returns them.
// Entries whose purge fails stay registered; the first error is returned.
func (r *Registry) RemoveAgent(agentID string, purge func(Definition) error) ([]Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Definition
	var firstErr error
	for name, e := range r.entries {
		if e.Definition.AgentID != agentID {
			continue
		}
		if purge != nil {
			if err := purge(e.Definition); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		delete(r.entries, name)
		removed = append(removed, e.Definition)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Name < removed[j].Name })
	return removed, firstErr
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func conflict(name string) error {
	return errors.Newf(errors.CodeNameConflict, "capability %q already exists", name).WithContext("name", name)
}

func notFound(name string) error {
	return errors.Newf(errors.CodeNotFound, "capability %q not found", name).WithContext("name", name)
}
