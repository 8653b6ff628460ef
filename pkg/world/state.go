// SPDX-License-Identifier: Apache-2.0

// Package world holds the grid an agent acts in. A State is owned by a
// single session; capabilities never touch it directly, they return a
// Mutation that the session applies.
package world

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/forge/pkg/errors"
)

// Wall marks a cell the agent cannot enter.
const Wall = "wall"

// Position is a grid coordinate. It encodes as a JSON pair [x, y].
type Position struct {
	X int
	Y int
}

func (p Position) String() string { return fmt.Sprintf("[%d,%d]", p.X, p.Y) }

// MarshalJSON implements json.Marshaler.
func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.X, p.Y})
}

// UnmarshalJSON accepts [x, y] or {"x": .., "y": ..}.
func (p *Position) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err == nil {
		p.X, p.Y = pair[0], pair[1]
		return nil
	}
	var obj struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("position must be [x,y] or {x,y}: %w", err)
	}
	p.X, p.Y = obj.X, obj.Y
	return nil
}

// CellChange sets the value of one cell. An empty Value clears it.
type CellChange struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Value string `json:"value"`
}

// Mutation is the effect of one capability call.
type Mutation struct {
	Capability string
	CallID     string
	To         *Position
	Cells      []CellChange
}

// Update describes what an applied Mutation changed.
type Update struct {
	From    Position     `json:"from"`
	To      Position     `json:"to"`
	Cells   []CellChange `json:"cells,omitempty"`
	Changed bool         `json:"-"`
}

// LogEntry records one applied mutation, attributed to the call that caused it.
type LogEntry struct {
	Seq        int          `json:"seq"`
	Capability string       `json:"capability"`
	CallID     string       `json:"call_id"`
	From       Position     `json:"from"`
	To         Position     `json:"to"`
	Cells      []CellChange `json:"cells,omitempty"`
	At         time.Time    `json:"at"`
}

// Observation is the read-only view handed to reasoning and capabilities.
type Observation struct {
	Position Position     `json:"position"`
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Cells    []CellChange `json:"cells,omitempty"`
}

// AsMap renders the observation with plain Go values for interpreted code:
// position is []int{x, y}, cells is []map[string]any.
func (o Observation) AsMap() map[string]any {
	cells := make([]any, 0, len(o.Cells))
	for _, c := range o.Cells {
		cells = append(cells, map[string]any{"x": c.X, "y": c.Y, "value": c.Value})
	}
	return map[string]any{
		"position": []int{o.Position.X, o.Position.Y},
		"x":        o.Position.X,
		"y":        o.Position.Y,
		"width":    o.Width,
		"height":   o.Height,
		"cells":    cells,
	}
}

// Snapshot is a copy of the full state, log included.
type Snapshot struct {
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Position Position     `json:"position"`
	Cells    []CellChange `json:"cells,omitempty"`
	Log      []LogEntry   `json:"log,omitempty"`
}

// State is a mutable grid. It is safe for concurrent use.
type State struct {
	mu     sync.Mutex
	width  int
	height int
	pos    Position
	cells  map[Position]string
	log    []LogEntry
	now    func() time.Time
}

// New builds a State from a world template.
func New(spec Spec) (*State, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	s := &State{
		width:  spec.Width,
		height: spec.Height,
		pos:    spec.Start,
		cells:  make(map[Position]string, len(spec.Cells)),
		now:    time.Now,
	}
	for _, c := range spec.Cells {
		if c.Value != "" {
			s.cells[Position{c.X, c.Y}] = c.Value
		}
	}
	return s, nil
}

// Position returns the agent position.
func (s *State) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Observe returns the current view of the world.
func (s *State) Observe() Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Observation{
		Position: s.pos,
		Width:    s.width,
		Height:   s.height,
		Cells:    s.sortedCells(),
	}
}

// Apply validates and applies m atomically. A rejected mutation leaves the
// state untouched and returns an invalid_input error.
func (s *State) Apply(m Mutation) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range m.Cells {
		if !s.inBounds(Position{c.X, c.Y}) {
			return Update{}, errors.Newf(errors.CodeInvalidInput, "cell [%d,%d] is outside the %dx%d world", c.X, c.Y, s.width, s.height).
				WithRecoverable(true)
		}
	}

	from := s.pos
	to := from
	if m.To != nil {
		to = *m.To
		if !s.inBounds(to) {
			return Update{}, errors.Newf(errors.CodeInvalidInput, "position %s is outside the %dx%d world", to, s.width, s.height).
				WithRecoverable(true)
		}
		if to != from && s.valueAfter(to, m.Cells) == Wall {
			return Update{}, errors.Newf(errors.CodeInvalidInput, "position %s is blocked by a wall", to).
				WithRecoverable(true)
		}
	}

	for _, c := range m.Cells {
		p := Position{c.X, c.Y}
		if c.Value == "" {
			delete(s.cells, p)
		} else {
			s.cells[p] = c.Value
		}
	}
	s.pos = to

	up := Update{From: from, To: to, Cells: append([]CellChange(nil), m.Cells...)}
	up.Changed = from != to || len(m.Cells) > 0
	if up.Changed {
		s.log = append(s.log, LogEntry{
			Seq:        len(s.log) + 1,
			Capability: m.Capability,
			CallID:     m.CallID,
			From:       from,
			To:         to,
			Cells:      up.Cells,
			At:         s.now(),
		})
	}
	return up, nil
}

// Log returns a copy of the mutation log in application order.
func (s *State) Log() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.log...)
}

// Snapshot copies the full state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Width:    s.width,
		Height:   s.height,
		Position: s.pos,
		Cells:    s.sortedCells(),
		Log:      append([]LogEntry(nil), s.log...),
	}
}

func (s *State) inBounds(p Position) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < s.width && p.Y < s.height
}

// valueAfter is the value p would hold once changes are applied.
func (s *State) valueAfter(p Position, changes []CellChange) string {
	v := s.cells[p]
	for _, c := range changes {
		if c.X == p.X && c.Y == p.Y {
			v = c.Value
		}
	}
	return v
}

func (s *State) sortedCells() []CellChange {
	out := make([]CellChange, 0, len(s.cells))
	for p, v := range s.cells {
		out = append(out, CellChange{X: p.X, Y: p.Y, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}
