// SPDX-License-Identifier: Apache-2.0
package sandbox

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/errors"
)

// DefaultAllowedPackages are the standard library packages exposed to
// interpreted capabilities.
var DefaultAllowedPackages = []string{
	"bytes",
	"errors",
	"fmt",
	"math",
	"math/bits",
	"sort",
	"strconv",
	"strings",
	"unicode",
	"unicode/utf8",
}

// hiddenSymbols are removed from otherwise allowed packages because they
// reach the host process stdio.
var hiddenSymbols = map[string][]string{
	"fmt": {"Print", "Printf", "Println", "Scan", "Scanf", "Scanln"},
}

// EntryPoint is the function every interpreted capability exports.
const EntryPoint = "Run"

type runFunc = func(map[string]interface{}, map[string]interface{}) (map[string]interface{}, error)

// Interpreter compiles capability source with yaegi. Only the allowed
// standard library symbols are visible; the interpreter gets no stdio,
// no environment and no unrestricted mode.
type Interpreter struct {
	strays
	symbols interp.Exports
}

// InterpreterOption configures an Interpreter.
type InterpreterOption func(*interpreterConfig)

type interpreterConfig struct {
	allowed []string
}

// WithAllowedPackages replaces DefaultAllowedPackages.
func WithAllowedPackages(pkgs ...string) InterpreterOption {
	return func(c *interpreterConfig) { c.allowed = pkgs }
}

// NewInterpreter builds an Interpreter backend.
func NewInterpreter(opts ...InterpreterOption) *Interpreter {
	cfg := interpreterConfig{allowed: DefaultAllowedPackages}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Interpreter{symbols: filterSymbols(stdlib.Symbols, cfg.allowed)}
}

// filterSymbols keeps the export tables of allowed packages. yaegi keys
// them as "import/path/pkgname".
func filterSymbols(all interp.Exports, allowed []string) interp.Exports {
	keep := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		keep[p] = true
	}
	out := make(interp.Exports)
	for key, syms := range all {
		i := strings.LastIndex(key, "/")
		if i < 0 || !keep[key[:i]] {
			continue
		}
		path := key[:i]
		filtered := make(map[string]reflect.Value, len(syms))
		for name, v := range syms {
			filtered[name] = v
		}
		for _, name := range hiddenSymbols[path] {
			delete(filtered, name)
		}
		out[key] = filtered
	}
	return out
}

// Compile loads def.Code once to check it evaluates and exports Run with
// the capability signature. Load failures are contract violations.
func (in *Interpreter) Compile(def capability.Definition) (capability.Handle, error) {
	pkg, err := packageName(def.Code)
	if err != nil {
		return nil, errors.New(errors.CodeSyntax, "capability source does not parse", err).
			WithContext("name", def.Name)
	}
	if _, err := in.load(context.Background(), def.Code, pkg); err != nil {
		return nil, errors.New(errors.CodeContractViolation, "capability failed to load", err).
			WithContext("name", def.Name)
	}
	return &interpretedHandle{in: in, name: def.Name, code: def.Code, pkg: pkg}, nil
}

func (in *Interpreter) load(ctx context.Context, code, pkg string) (runFunc, error) {
	i := interp.New(interp.Options{
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: io.Discard,
		Env:    []string{},
	})
	if err := i.Use(in.symbols); err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, code); err != nil {
		return nil, err
	}
	v, err := i.EvalWithContext(ctx, pkg+"."+EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", EntryPoint, err)
	}
	fn, ok := v.Interface().(runFunc)
	if !ok {
		return nil, fmt.Errorf("%s has type %s, want func(map[string]any, map[string]any) (map[string]any, error)", EntryPoint, v.Type())
	}
	return fn, nil
}

func packageName(code string) (string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), "capability.go", code, parser.PackageClauseOnly)
	if err != nil {
		return "", err
	}
	return f.Name.Name, nil
}

type interpretedHandle struct {
	in   *Interpreter
	name string
	code string
	pkg  string
}

// Invoke runs the capability in a fresh interpreter so no package state
// survives between calls. The caller bounds execution time through ctx.
func (h *interpretedHandle) Invoke(ctx context.Context, inv capability.Invocation) (capability.Outcome, error) {
	fn, err := h.in.load(ctx, h.code, h.pkg)
	if err != nil {
		return capability.Outcome{}, errors.New(errors.CodeRuntime, "capability failed to load", err).
			WithContext("name", h.name)
	}
	return call(ctx, h.name, &h.in.strays, func() (map[string]any, error) {
		return fn(inv.Args, inv.World.AsMap())
	})
}

// strays counts timed-out calls whose goroutine is still running. Go cannot
// stop such a goroutine, so the count only drops if fn returns on its own.
type strays struct {
	n atomic.Int64
}

// Abandoned returns the number of timed-out calls still running.
func (s *strays) Abandoned() int64 { return s.n.Load() }

const (
	callRunning int32 = iota
	callDone
	callAbandoned
)

// call runs fn on its own goroutine, turning panics and errors into
// recoverable runtime errors and returning early when ctx is done. A call
// left running after ctx is done is counted in s until fn returns.
func call(ctx context.Context, name string, s *strays, fn func() (map[string]any, error)) (capability.Outcome, error) {
	type result struct {
		value map[string]any
		err   error
	}
	var state atomic.Int32
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
			if !state.CompareAndSwap(callRunning, callDone) {
				s.n.Add(-1)
			}
		}()
		v, err := fn()
		done <- result{v, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		if state.CompareAndSwap(callRunning, callAbandoned) {
			s.n.Add(1)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return capability.Outcome{}, errors.New(errors.CodeTimeout, "capability exceeded its execution bound", ctx.Err()).
				WithContext("name", name).
				WithRecoverable(true)
		}
		return capability.Outcome{}, errors.New(errors.CodeCancelled, "capability call canceled", ctx.Err())
	case res = <-done:
	}

	if res.err != nil {
		return capability.Outcome{}, errors.New(errors.CodeRuntime, res.err.Error(), res.err).
			WithContext("name", name).
			WithRecoverable(true)
	}
	out, err := Decode(res.value)
	if err != nil {
		return capability.Outcome{}, errors.New(errors.CodeRuntime, "invalid capability result", err).
			WithContext("name", name).
			WithRecoverable(true)
	}
	return out, nil
}
