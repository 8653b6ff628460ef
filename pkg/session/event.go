// SPDX-License-Identifier: Apache-2.0
package session

import (
	"time"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/world"
)

// EventType names an execution event on the wire.
type EventType string

const (
	EventReasoning   EventType = "reasoning"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventWorldUpdate EventType = "world_update"
	EventError       EventType = "error"
	EventComplete    EventType = "complete"
)

// Event is one entry of a session's ordered event sequence.
type Event struct {
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	Payload   any       `json:"payload"`
}

// Terminal reports whether e ends its session.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete:
		return true
	case EventError:
		f, ok := e.Payload.(Failure)
		return ok && !f.Recoverable
	}
	return false
}

// Reasoning is free text produced by the model.
type Reasoning struct {
	Text string `json:"text"`
}

// ToolCall announces a capability invocation request.
type ToolCall struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult reports how an invocation went.
type ToolResult struct {
	CallID     string           `json:"call_id"`
	Name       string           `json:"name"`
	Success    bool             `json:"success"`
	Result     map[string]any   `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	Kind       errors.ErrorCode `json:"kind,omitempty"`
	DurationMs float64          `json:"duration_ms"`
}

// WorldUpdate is emitted after a mutation that changed the world.
type WorldUpdate struct {
	CallID     string             `json:"call_id"`
	Capability string             `json:"capability"`
	From       world.Position     `json:"from"`
	To         world.Position     `json:"to"`
	Cells      []world.CellChange `json:"cells,omitempty"`
}

// Failure is the payload of error events. A non-recoverable failure is terminal.
type Failure struct {
	Kind        errors.ErrorCode `json:"kind"`
	Message     string           `json:"message"`
	Recoverable bool             `json:"recoverable"`
}

// Completion statuses carried by complete events.
const (
	CompleteGoal      = "completed"
	CompleteStepLimit = string(errors.CodeStepLimit)
	CompleteCancelled = string(errors.CodeCancelled)
)

// Complete is the payload of the complete event.
type Complete struct {
	Status       string   `json:"status"`
	Steps        int      `json:"steps"`
	ToolsUsed    []string `json:"tools_used"`
	GoalAchieved bool     `json:"goal_achieved"`
	Summary      string   `json:"summary,omitempty"`
}
