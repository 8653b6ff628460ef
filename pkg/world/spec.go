// SPDX-License-Identifier: Apache-2.0
package world

import (
	"time"

	"github.com/jllopis/forge/pkg/errors"
)

// MaxSide bounds world width and height.
const MaxSide = 1024

// Spec is a persisted world template. Every session deployed into the
// world starts from a fresh State built from it.
type Spec struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Width     int          `json:"width"`
	Height    int          `json:"height"`
	Start     Position     `json:"start"`
	Cells     []CellChange `json:"cells,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// DefaultSpec is the open 10x10 world used when a deployment names none.
func DefaultSpec() Spec {
	return Spec{ID: "default", Name: "default", Width: 10, Height: 10}
}

// Validate checks dimensions, start position and initial cells.
func (s Spec) Validate() error {
	if s.Width <= 0 || s.Height <= 0 || s.Width > MaxSide || s.Height > MaxSide {
		return errors.Newf(errors.CodeInvalidInput, "world size %dx%d out of range (1..%d)", s.Width, s.Height, MaxSide)
	}
	in := func(x, y int) bool { return x >= 0 && y >= 0 && x < s.Width && y < s.Height }
	if !in(s.Start.X, s.Start.Y) {
		return errors.Newf(errors.CodeInvalidInput, "start %s is outside the world", s.Start)
	}
	for _, c := range s.Cells {
		if !in(c.X, c.Y) {
			return errors.Newf(errors.CodeInvalidInput, "cell [%d,%d] is outside the world", c.X, c.Y)
		}
		if c.X == s.Start.X && c.Y == s.Start.Y && c.Value == Wall {
			return errors.Newf(errors.CodeInvalidInput, "start %s is a wall", s.Start)
		}
	}
	return nil
}
