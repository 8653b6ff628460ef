package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jllopis/forge/pkg/errors"
)

func TestMockProvider(t *testing.T) {
	mock := &MockProvider{Response: "Hello world"}
	resp, err := mock.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Expected 'Hello world', got '%s'", resp.Content)
	}
}

func TestFunctionCallUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"string arguments", `{"name":"move","arguments":"{\"steps\":3}"}`, `{"steps":3}`},
		{"object arguments", `{"name":"move","arguments":{"steps":3}}`, `{"steps":3}`},
		{"null arguments", `{"name":"move","arguments":null}`, ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fc FunctionCall
			if err := json.Unmarshal([]byte(tt.in), &fc); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if fc.Arguments != tt.want {
				t.Errorf("Arguments = %q, want %q", fc.Arguments, tt.want)
			}
		})
	}
}

func TestDecodeArguments(t *testing.T) {
	args, err := NewToolCall("c1", "move", map[string]any{"steps": 3}).Function.DecodeArguments()
	if err != nil || args["steps"] != 3.0 {
		t.Fatalf("DecodeArguments = %v, %v", args, err)
	}
	if _, err := (FunctionCall{Name: "x", Arguments: "[1]"}).DecodeArguments(); err == nil {
		t.Errorf("expected error for non-object arguments")
	}
	if args, err := (FunctionCall{}).DecodeArguments(); err != nil || len(args) != 0 {
		t.Errorf("empty arguments = %v, %v", args, err)
	}
}

func TestOllamaChat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"move_forward","arguments":{"steps":3}}}]},"done":true,"eval_count":5,"prompt_eval_count":7}`))
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, time.Second)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:  "qwen",
		Format: "json",
		Messages: []Message{
			{Role: RoleUser, Content: "go"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{NewToolCall("c0", "look", nil)}},
			{Role: RoleTool, Name: "look", Content: "{}"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Format != "json" || got.Stream {
		t.Errorf("request not forwarded correctly: %+v", got)
	}
	if string(got.Messages[1].ToolCalls[0].Function.Arguments) != "{}" {
		t.Errorf("tool arguments should be sent as an object, got %s", got.Messages[1].ToolCalls[0].Function.Arguments)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Arguments != `{"steps":3}` {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOllamaErrors(t *testing.T) {
	tests := []struct {
		status      int
		recoverable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		_, err := NewOllama(srv.URL, time.Second).Chat(context.Background(), ChatRequest{Model: "m"})
		srv.Close()
		if !errors.Is(err, errors.CodeReasoningUnavailable) {
			t.Fatalf("status %d: expected reasoning_unavailable, got %v", tt.status, err)
		}
		if errors.IsRecoverable(err) != tt.recoverable {
			t.Errorf("status %d: recoverable = %v", tt.status, !tt.recoverable)
		}
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	if err := NewOllama(srv.URL, time.Second).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := NewOllama("http://127.0.0.1:1", 200*time.Millisecond).Ping(context.Background()); err == nil {
		t.Errorf("expected ping failure for closed port")
	}
}
