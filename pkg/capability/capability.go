// SPDX-License-Identifier: Apache-2.0

// Package capability defines generated capabilities and the registry that
// makes them callable by sessions.
package capability

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/world"
)

// Category is a coarse label for what a capability does.
type Category string

const (
	CategoryMovement    Category = "movement"
	CategoryPerception  Category = "perception"
	CategoryInteraction Category = "interaction"
	CategoryOther       Category = "other"
)

// ParseCategory maps free text onto a Category, defaulting to other.
func ParseCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryMovement, CategoryPerception, CategoryInteraction:
		return c
	default:
		return CategoryOther
	}
}

// FinishName is reserved for the session's termination tool.
const FinishName = "finish"

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ValidateName checks a capability name is a snake_case identifier and not reserved.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return errors.Newf(errors.CodeInvalidInput, "capability name %q must match %s", name, namePattern)
	}
	if name == FinishName {
		return errors.Newf(errors.CodeInvalidInput, "capability name %q is reserved", name)
	}
	return nil
}

// Request asks for a new capability in natural language.
type Request struct {
	Description string `json:"description"`
	AgentID     string `json:"agent_id"`
	WorldID     string `json:"world_id,omitempty"`
}

// Validate checks the request carries what generation needs.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Description) == "" {
		return errors.New(errors.CodeInvalidInput, "description is required", nil)
	}
	if strings.TrimSpace(r.AgentID) == "" {
		return errors.New(errors.CodeInvalidInput, "agent_id is required", nil)
	}
	return nil
}

// Definition is an accepted, registered capability.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Code        string          `json:"code"`
	Parameters  ParameterSchema `json:"parameter_schema"`
	Explanation string          `json:"explanation"`
	Category    Category        `json:"category"`
	AgentID     string          `json:"agent_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Invocation is the input of one capability call.
type Invocation struct {
	Args  map[string]any
	World world.Observation
}

// Outcome is what a capability reported back.
type Outcome struct {
	Success  bool
	Message  string
	Position *world.Position
	Cells    []world.CellChange
	Data     map[string]any
}

// Mutation converts the outcome into a world mutation for the given call.
func (o Outcome) Mutation(name, callID string) world.Mutation {
	return world.Mutation{Capability: name, CallID: callID, To: o.Position, Cells: o.Cells}
}

// Result renders the outcome as the payload reported on tool_result events.
func (o Outcome) Result() map[string]any {
	out := make(map[string]any, len(o.Data)+4)
	for k, v := range o.Data {
		out[k] = v
	}
	out["success"] = o.Success
	if o.Message != "" {
		out["message"] = o.Message
	}
	if o.Position != nil {
		out["position"] = *o.Position
	}
	if len(o.Cells) > 0 {
		out["cells"] = o.Cells
	}
	return out
}

// Handle is an executable capability produced by a sandbox backend.
type Handle interface {
	Invoke(ctx context.Context, inv Invocation) (Outcome, error)
}

// HandleFunc adapts a function to Handle.
type HandleFunc func(ctx context.Context, inv Invocation) (Outcome, error)

// Invoke calls f.
func (f HandleFunc) Invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	return f(ctx, inv)
}

// Compiler turns a definition into a Handle.
type Compiler interface {
	Compile(def Definition) (Handle, error)
}
