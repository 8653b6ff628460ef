// Package llm defines the chat interface the generator and sessions reason
// through, plus an Ollama implementation.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolType represents the type of tool.
type ToolType string

const (
	ToolTypeFunction ToolType = "function"
)

// FunctionDef defines a function tool.
type FunctionDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters"` // JSON Schema
}

// Tool represents a tool available to the LLM.
type Tool struct {
	Type     ToolType    `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionCall represents a call to a function tool.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object text
}

// UnmarshalJSON accepts arguments either as a JSON string or as an object,
// since providers disagree.
func (f *FunctionCall) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Name = raw.Name
	f.Arguments = ""
	if len(raw.Arguments) == 0 || string(raw.Arguments) == "null" {
		return nil
	}
	if raw.Arguments[0] == '"' {
		return json.Unmarshal(raw.Arguments, &f.Arguments)
	}
	f.Arguments = string(raw.Arguments)
	return nil
}

// DecodeArguments parses the arguments text as a JSON object.
func (f FunctionCall) DecodeArguments() (map[string]any, error) {
	if f.Arguments == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(f.Arguments), &out); err != nil {
		return nil, fmt.Errorf("arguments of %s are not a JSON object: %w", f.Name, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// ToolCall represents a request from the LLM to call a tool.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     ToolType     `json:"type"`
	Function FunctionCall `json:"function"`
}

// NewToolCall builds a function tool call with args encoded as JSON.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	data, _ := json.Marshal(args)
	return ToolCall{ID: id, Type: ToolTypeFunction, Function: FunctionCall{Name: name, Arguments: string(data)}}
}

// Message is a single unit of communication.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"` // tool name on tool messages
}

// ChatRequest encapsulates the input for the LLM.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	// Format requests structured output; "json" asks for a JSON object.
	Format string `json:"format,omitempty"`
}

// ChatResponse encapsulates the output from the LLM.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider defines the interface for interacting with LLM backends.
type Provider interface {
	// Chat sends a chat request to the LLM and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Pinger is implemented by providers that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
