// SPDX-License-Identifier: Apache-2.0
package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jllopis/forge/pkg/errors"
)

// ParamType is the type of a capability parameter.
type ParamType string

const (
	TypeInt    ParamType = "int"
	TypeFloat  ParamType = "float"
	TypeString ParamType = "string"
	TypeBool   ParamType = "bool"
)

// ParseParamType accepts the common aliases LLMs emit (integer, number, boolean).
func ParseParamType(s string) (ParamType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "int64":
		return TypeInt, true
	case "float", "number", "float64", "double":
		return TypeFloat, true
	case "string", "str":
		return TypeString, true
	case "bool", "boolean":
		return TypeBool, true
	}
	return "", false
}

var paramPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

// ParameterSchema maps parameter name to type.
type ParameterSchema map[string]ParamType

// Names returns parameter names in sorted order.
func (s ParameterSchema) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks names and types.
func (s ParameterSchema) Validate() error {
	for _, name := range s.Names() {
		if !paramPattern.MatchString(name) {
			return errors.Newf(errors.CodeInvalidInput, "parameter name %q is not a snake_case identifier", name)
		}
		if _, ok := ParseParamType(string(s[name])); !ok {
			return errors.Newf(errors.CodeInvalidInput, "parameter %q has unsupported type %q", name, s[name])
		}
	}
	return nil
}

// UnmarshalJSON accepts {"steps": "int"} or {"steps": {"type": "integer"}}
// and normalizes type aliases.
func (s *ParameterSchema) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parameter_schema must map names to type names: %w", err)
	}
	out := make(ParameterSchema, len(raw))
	for name, msg := range raw {
		var typ string
		if err := json.Unmarshal(msg, &typ); err != nil {
			var obj struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &obj); err != nil || obj.Type == "" {
				return fmt.Errorf("parameter %q: expected a type name", name)
			}
			typ = obj.Type
		}
		pt, ok := ParseParamType(typ)
		if !ok {
			pt = ParamType(typ)
		}
		out[name] = pt
	}
	*s = out
	return nil
}

// JSONSchema renders the schema as a JSON Schema object for LLM tool definitions.
// Every parameter is required.
func (s ParameterSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	required := make([]string, 0, len(s))
	for _, name := range s.Names() {
		props[name] = map[string]any{"type": jsonType(s[name])}
		required = append(required, name)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func jsonType(t ParamType) string {
	switch t {
	case TypeInt:
		return "integer"
	case TypeFloat:
		return "number"
	case TypeBool:
		return "boolean"
	default:
		return "string"
	}
}

// Coerce checks args against the schema and converts JSON-decoded values to
// the declared Go types (int, float64, string, bool). Unknown arguments are dropped.
func (s ParameterSchema) Coerce(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s))
	for _, name := range s.Names() {
		raw, ok := args[name]
		if !ok || raw == nil {
			return nil, errors.Newf(errors.CodeInvalidArguments, "missing argument %q", name).WithRecoverable(true)
		}
		v, err := coerce(s[name], raw)
		if err != nil {
			return nil, errors.Newf(errors.CodeInvalidArguments, "argument %q: %v", name, err).WithRecoverable(true)
		}
		out[name] = v
	}
	return out, nil
}

func coerce(t ParamType, raw any) (any, error) {
	switch t {
	case TypeInt:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			return int(v), nil
		case json.Number:
			n, err := v.Int64()
			return int(n), err
		case string:
			return strconv.Atoi(strings.TrimSpace(v))
		}
	case TypeFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			return strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	case TypeString:
		if v, ok := raw.(string); ok {
			return v, nil
		}
	case TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(v))
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, raw)
}
