// SPDX-License-Identifier: Apache-2.0
package sandbox

import (
	"context"
	"sync"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/errors"
)

// Func is an in-process capability body with the same calling convention
// as interpreted code.
type Func func(ctx context.Context, args, world map[string]any) (map[string]any, error)

// Native compiles definitions by name to registered Go functions. It backs
// built-in capabilities and tests.
type Native struct {
	strays
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewNative returns an empty Native backend.
func NewNative() *Native {
	return &Native{funcs: make(map[string]Func)}
}

// Register binds name to fn, replacing any previous binding.
func (n *Native) Register(name string, fn Func) *Native {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.funcs[name] = fn
	return n
}

// Compile implements capability.Compiler.
func (n *Native) Compile(def capability.Definition) (capability.Handle, error) {
	n.mu.RLock()
	fn, ok := n.funcs[def.Name]
	n.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CodeContractViolation, "no native implementation for %q", def.Name)
	}
	name := def.Name
	return capability.HandleFunc(func(ctx context.Context, inv capability.Invocation) (capability.Outcome, error) {
		return call(ctx, name, &n.strays, func() (map[string]any, error) {
			return fn(ctx, inv.Args, inv.World.AsMap())
		})
	}), nil
}

// Chain tries each compiler in order and returns the first success.
type Chain []capability.Compiler

// Compile implements capability.Compiler.
func (c Chain) Compile(def capability.Definition) (capability.Handle, error) {
	var lastErr error
	for _, comp := range c {
		h, err := comp.Compile(def)
		if err == nil {
			return h, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Newf(errors.CodeInternal, "no compiler configured for %q", def.Name)
	}
	return nil, lastErr
}
