// SPDX-License-Identifier: Apache-2.0

// Package validator statically checks capability source before it is
// registered. Checks are pure and deterministic: the same source under the
// same policy always produces the same result.
package validator

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"sort"
	"strconv"
	"sync"

	"github.com/jllopis/forge/pkg/errors"
)

// Violation is one reason a source was rejected.
type Violation struct {
	Kind    errors.ErrorCode `json:"kind"`
	Group   string           `json:"group,omitempty"`
	Line    int              `json:"line,omitempty"`
	Message string           `json:"message"`
}

func (v Violation) String() string {
	if v.Line > 0 {
		return fmt.Sprintf("line %d: %s", v.Line, v.Message)
	}
	return v.Message
}

// Result is the outcome of Validate. Accepted is true iff Reasons is empty.
type Result struct {
	Accepted bool             `json:"accepted"`
	Kind     errors.ErrorCode `json:"kind,omitempty"`
	Reasons  []Violation      `json:"reasons,omitempty"`
}

// Err converts a rejected result into a ForgeError carrying its kind.
func (r Result) Err() error {
	if r.Accepted {
		return nil
	}
	msg := "capability rejected"
	if len(r.Reasons) > 0 {
		msg = r.Reasons[0].String()
	}
	return errors.New(r.Kind, msg, nil).WithContext("reasons", len(r.Reasons))
}

// Validator applies a Policy to capability source. The policy can be
// replaced while the validator is in use.
type Validator struct {
	mu     sync.RWMutex
	policy Policy
}

// New returns a Validator for policy.
func New(policy Policy) *Validator {
	v := &Validator{}
	v.SetPolicy(policy)
	return v
}

// Policy returns the policy in force.
func (v *Validator) Policy() Policy {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.policy
}

// SetPolicy replaces the policy for subsequent Validate calls.
func (v *Validator) SetPolicy(policy Policy) {
	if policy.EntryPoint == "" {
		policy.EntryPoint = "Run"
	}
	v.mu.Lock()
	v.policy = policy
	v.mu.Unlock()
}

// checker runs the checks against one policy snapshot.
type checker struct {
	policy Policy
}

// Validate runs the syntax, contract and denylist checks in that order.
// The first failing category wins; all reasons within it are reported.
func (v *Validator) Validate(source string) Result {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "capability.go", source, parser.AllErrors|parser.SkipObjectResolution)
	if err != nil {
		return reject(errors.CodeSyntax, syntaxReasons(err))
	}

	c := checker{policy: v.Policy()}
	if reasons := c.checkContract(fset, file); len(reasons) > 0 {
		return reject(errors.CodeContractViolation, reasons)
	}

	if reasons := c.checkDenylist(fset, file); len(reasons) > 0 {
		return reject(errors.CodeForbiddenCapability, reasons)
	}

	return Result{Accepted: true}
}

func reject(kind errors.ErrorCode, reasons []Violation) Result {
	for i := range reasons {
		reasons[i].Kind = kind
	}
	return Result{Kind: kind, Reasons: reasons}
}

func syntaxReasons(err error) []Violation {
	list, ok := err.(scanner.ErrorList)
	if !ok {
		return []Violation{{Message: err.Error()}}
	}
	out := make([]Violation, 0, len(list))
	for _, e := range list {
		out = append(out, Violation{Line: e.Pos.Line, Message: e.Msg})
	}
	return out
}

func (v checker) checkContract(fset *token.FileSet, file *ast.File) []Violation {
	var reasons []Violation
	var entry *ast.FuncDecl

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		switch fn.Name.Name {
		case "init", "main":
			reasons = append(reasons, Violation{
				Line:    fset.Position(fn.Pos()).Line,
				Message: fmt.Sprintf("capabilities must not declare func %s", fn.Name.Name),
			})
		case v.policy.EntryPoint:
			entry = fn
		}
	}

	if entry == nil {
		return append(reasons, Violation{
			Message: fmt.Sprintf("missing top-level func %s(args map[string]any, world map[string]any) (map[string]any, error)", v.policy.EntryPoint),
		})
	}

	line := fset.Position(entry.Pos()).Line
	if entry.Type.TypeParams != nil && len(entry.Type.TypeParams.List) > 0 {
		reasons = append(reasons, Violation{Line: line, Message: v.policy.EntryPoint + " must not have type parameters"})
	}

	params := flatten(entry.Type.Params)
	if len(params) != 2 || !isStringAnyMap(params[0]) || !isStringAnyMap(params[1]) {
		reasons = append(reasons, Violation{Line: line, Message: v.policy.EntryPoint + " must take (args map[string]any, world map[string]any)"})
	}

	results := flatten(entry.Type.Results)
	if len(results) != 2 || !isStringAnyMap(results[0]) || !isIdent(results[1], "error") {
		reasons = append(reasons, Violation{Line: line, Message: v.policy.EntryPoint + " must return (map[string]any, error)"})
	}

	return reasons
}

// flatten expands grouped fields like (a, b T) into one type per name.
func flatten(fl *ast.FieldList) []ast.Expr {
	if fl == nil {
		return nil
	}
	var out []ast.Expr
	for _, f := range fl.List {
		n := len(f.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out = append(out, f.Type)
		}
	}
	return out
}

func isStringAnyMap(expr ast.Expr) bool {
	m, ok := expr.(*ast.MapType)
	if !ok || !isIdent(m.Key, "string") {
		return false
	}
	if isIdent(m.Value, "any") {
		return true
	}
	iface, ok := m.Value.(*ast.InterfaceType)
	return ok && (iface.Methods == nil || len(iface.Methods.List) == 0)
}

func isIdent(expr ast.Expr, name string) bool {
	id, ok := expr.(*ast.Ident)
	return ok && id.Name == name
}

func (v checker) checkDenylist(fset *token.FileSet, file *ast.File) []Violation {
	var reasons []Violation

	// local import name -> (path, group) for denied imports
	type denied struct{ path, group string }
	aliases := map[string]denied{}

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			path = imp.Path.Value
		}
		group, bad := v.policy.match(path)
		if !bad {
			continue
		}
		reasons = append(reasons, Violation{
			Group:   group,
			Line:    fset.Position(imp.Pos()).Line,
			Message: fmt.Sprintf("import %q is forbidden (%s)", path, group),
		})
		aliases[localName(imp, path)] = denied{path, group}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.SelectorExpr:
			id, ok := node.X.(*ast.Ident)
			if !ok {
				return true
			}
			if d, ok := aliases[id.Name]; ok {
				reasons = append(reasons, Violation{
					Group:   d.group,
					Line:    fset.Position(node.Pos()).Line,
					Message: fmt.Sprintf("reference to %s.%s is forbidden (%s)", d.path, node.Sel.Name, d.group),
				})
			}
		case *ast.CallExpr:
			if id, ok := node.Fun.(*ast.Ident); ok && v.policy.builtinDenied(id.Name) {
				reasons = append(reasons, Violation{
					Group:   "builtin",
					Line:    fset.Position(node.Pos()).Line,
					Message: fmt.Sprintf("call to builtin %s is forbidden", id.Name),
				})
			}
		case *ast.ForStmt:
			if node.Cond == nil && !v.policy.AllowUnboundedLoops && !leaves(node.Body, true) {
				reasons = append(reasons, Violation{
					Group:   "termination",
					Line:    fset.Position(node.Pos()).Line,
					Message: "for loop without a condition never exits",
				})
			}
		case *ast.GoStmt:
			if !v.policy.AllowGoroutines {
				reasons = append(reasons, Violation{
					Group:   "concurrency",
					Line:    fset.Position(node.Pos()).Line,
					Message: "go statements are forbidden",
				})
			}
		}
		return true
	})

	sort.SliceStable(reasons, func(i, j int) bool { return reasons[i].Line < reasons[j].Line })
	return reasons
}

// leaves reports whether body holds a statement that exits the enclosing
// loop: a return, a goto, a labeled break, a call to panic, or an unlabeled
// break when own is true. Nested function literals are not searched.
func leaves(body ast.Node, own bool) bool {
	found := false
	ast.Inspect(body, func(n ast.Node) bool {
		if found {
			return false
		}
		switch node := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.ForStmt, *ast.RangeStmt, *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt:
			if n == body {
				return true
			}
			// An unlabeled break in here leaves the inner statement only.
			found = leaves(n, false)
			return false
		case *ast.ReturnStmt:
			found = true
		case *ast.BranchStmt:
			switch node.Tok {
			case token.GOTO:
				found = true
			case token.BREAK:
				found = own || node.Label != nil
			}
		case *ast.CallExpr:
			found = isIdent(node.Fun, "panic")
		}
		return !found
	})
	return found
}

func localName(imp *ast.ImportSpec, path string) string {
	if imp.Name != nil {
		return imp.Name.Name
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
