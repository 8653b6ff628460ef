// SPDX-License-Identifier: Apache-2.0
package validator

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule denies a group of packages. A package ending in "/..." matches
// itself and every package below it.
type Rule struct {
	Group    string   `yaml:"group"`
	Packages []string `yaml:"packages"`
}

// Policy is the static denylist applied to capability source.
type Policy struct {
	// EntryPoint is the function every capability must declare.
	EntryPoint string `yaml:"entry_point"`

	Denied []Rule `yaml:"denied"`

	// DeniedBuiltins lists builtin functions that must not be called.
	DeniedBuiltins []string `yaml:"denied_builtins"`

	// AllowGoroutines permits go statements. Goroutines outlive the execution bound.
	AllowGoroutines bool `yaml:"allow_goroutines"`

	// AllowUnboundedLoops permits for loops with no condition and no way out
	// of them. A timed-out interpreted call cannot be stopped.
	AllowUnboundedLoops bool `yaml:"allow_unbounded_loops"`
}

// DefaultPolicy returns the denylist applied when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		EntryPoint: "Run",
		Denied: []Rule{
			{Group: "process", Packages: []string{"os/exec", "os/signal", "os/user", "syscall", "golang.org/x/sys/..."}},
			{Group: "filesystem", Packages: []string{"os", "io/ioutil", "io/fs", "path/filepath", "embed"}},
			{Group: "reflection", Packages: []string{"reflect", "unsafe", "plugin", "runtime", "runtime/...", "go/...", "C"}},
			{Group: "network", Packages: []string{"net", "net/...", "crypto/tls"}},
		},
		DeniedBuiltins: []string{"print", "println"},
	}
}

type policyFile struct {
	Policy         `yaml:",inline"`
	ExtendsDefault *bool `yaml:"extends_default"`
}

// LoadPolicy reads a YAML policy. Unless extends_default is false, groups
// missing from the file are taken from DefaultPolicy and packages of groups
// present in both are merged.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (Policy, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	p := pf.Policy
	if pf.ExtendsDefault == nil || *pf.ExtendsDefault {
		p = merge(DefaultPolicy(), p)
	}
	if p.EntryPoint == "" {
		p.EntryPoint = "Run"
	}
	return p, nil
}

func merge(base, over Policy) Policy {
	out := base
	if over.EntryPoint != "" {
		out.EntryPoint = over.EntryPoint
	}
	out.AllowGoroutines = base.AllowGoroutines || over.AllowGoroutines
	out.AllowUnboundedLoops = base.AllowUnboundedLoops || over.AllowUnboundedLoops
	out.DeniedBuiltins = dedupe(append(append([]string{}, base.DeniedBuiltins...), over.DeniedBuiltins...))

	out.Denied = nil
	index := map[string]int{}
	for _, r := range append(append([]Rule{}, base.Denied...), over.Denied...) {
		if i, ok := index[r.Group]; ok {
			out.Denied[i].Packages = dedupe(append(out.Denied[i].Packages, r.Packages...))
			continue
		}
		index[r.Group] = len(out.Denied)
		out.Denied = append(out.Denied, Rule{Group: r.Group, Packages: append([]string{}, r.Packages...)})
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// match returns the group denying path, if any.
func (p Policy) match(path string) (string, bool) {
	for _, r := range p.Denied {
		for _, pkg := range r.Packages {
			if prefix, ok := strings.CutSuffix(pkg, "/..."); ok {
				if path == prefix || strings.HasPrefix(path, prefix+"/") {
					return r.Group, true
				}
				continue
			}
			if path == pkg {
				return r.Group, true
			}
		}
	}
	return "", false
}

func (p Policy) builtinDenied(name string) bool {
	for _, b := range p.DeniedBuiltins {
		if b == name {
			return true
		}
	}
	return false
}

// DeniedPackages returns every denied package pattern, sorted.
func (p Policy) DeniedPackages() []string {
	var out []string
	for _, r := range p.Denied {
		out = append(out, r.Packages...)
	}
	sort.Strings(out)
	return dedupe(out)
}

// Describe renders the denylist one group per line, for prompts and CLI output.
func (p Policy) Describe() string {
	var b strings.Builder
	for _, r := range p.Denied {
		fmt.Fprintf(&b, "- %s: %s\n", r.Group, strings.Join(r.Packages, ", "))
	}
	if len(p.DeniedBuiltins) > 0 {
		fmt.Fprintf(&b, "- builtins: %s\n", strings.Join(p.DeniedBuiltins, ", "))
	}
	if !p.AllowGoroutines {
		b.WriteString("- go statements\n")
	}
	if !p.AllowUnboundedLoops {
		b.WriteString("- for loops without a condition, break or return\n")
	}
	return b.String()
}
