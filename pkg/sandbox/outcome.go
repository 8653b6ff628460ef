// SPDX-License-Identifier: Apache-2.0

// Package sandbox executes capability code. Backends implement
// capability.Compiler: the Interpreter runs generated Go source in a
// restricted interpreter and Native runs in-process functions.
package sandbox

import (
	"fmt"
	"math"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/world"
)

// Reserved result keys.
const (
	KeySuccess  = "success"
	KeyMessage  = "message"
	KeyX        = "x"
	KeyY        = "y"
	KeyPosition = "position"
	KeyCells    = "cells"
)

// Decode turns the map returned by a capability into an Outcome. A missing
// success key means success. x and y must appear together.
func Decode(result map[string]any) (capability.Outcome, error) {
	out := capability.Outcome{Success: true}
	data := make(map[string]any)

	for k, v := range result {
		switch k {
		case KeySuccess:
			b, ok := v.(bool)
			if !ok {
				return capability.Outcome{}, fmt.Errorf("%q must be a bool, got %T", k, v)
			}
			out.Success = b
		case KeyMessage:
			out.Message = fmt.Sprint(v)
		case KeyX, KeyY:
			// handled below
		case KeyPosition:
			p, err := decodePosition(v)
			if err != nil {
				return capability.Outcome{}, err
			}
			out.Position = &p
		case KeyCells:
			cells, err := decodeCells(v)
			if err != nil {
				return capability.Outcome{}, err
			}
			out.Cells = cells
		default:
			data[k] = v
		}
	}

	xv, hasX := result[KeyX]
	yv, hasY := result[KeyY]
	switch {
	case hasX && hasY:
		x, err := toInt(xv)
		if err != nil {
			return capability.Outcome{}, fmt.Errorf("x: %w", err)
		}
		y, err := toInt(yv)
		if err != nil {
			return capability.Outcome{}, fmt.Errorf("y: %w", err)
		}
		out.Position = &world.Position{X: x, Y: y}
	case hasX || hasY:
		return capability.Outcome{}, fmt.Errorf("x and y must be returned together")
	}

	if len(data) > 0 {
		out.Data = data
	}
	return out, nil
}

func decodePosition(v any) (world.Position, error) {
	var items []any
	switch p := v.(type) {
	case []int:
		for _, n := range p {
			items = append(items, n)
		}
	case []any:
		items = p
	case world.Position:
		return p, nil
	default:
		return world.Position{}, fmt.Errorf("position must be [x, y], got %T", v)
	}
	if len(items) != 2 {
		return world.Position{}, fmt.Errorf("position must have 2 elements, got %d", len(items))
	}
	x, err := toInt(items[0])
	if err != nil {
		return world.Position{}, err
	}
	y, err := toInt(items[1])
	if err != nil {
		return world.Position{}, err
	}
	return world.Position{X: x, Y: y}, nil
}

func decodeCells(v any) ([]world.CellChange, error) {
	var items []map[string]any
	switch c := v.(type) {
	case []map[string]any:
		items = c
	case []any:
		for _, raw := range c {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cells entries must be maps, got %T", raw)
			}
			items = append(items, m)
		}
	case []world.CellChange:
		return c, nil
	default:
		return nil, fmt.Errorf("cells must be a list, got %T", v)
	}

	out := make([]world.CellChange, 0, len(items))
	for _, m := range items {
		x, err := toInt(m["x"])
		if err != nil {
			return nil, fmt.Errorf("cell x: %w", err)
		}
		y, err := toInt(m["y"])
		if err != nil {
			return nil, fmt.Errorf("cell y: %w", err)
		}
		val := ""
		if raw, ok := m["value"]; ok && raw != nil {
			val = fmt.Sprint(raw)
		}
		out = append(out, world.CellChange{X: x, Y: y, Value: val})
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float32:
		return toInt(float64(n))
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}
