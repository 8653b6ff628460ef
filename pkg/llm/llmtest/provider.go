// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jllopis/forge/pkg/llm"
)

// ScenarioProvider replays scripted responses in order and records every
// request it receives.
type ScenarioProvider struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	index     int
	requests  []llm.ChatRequest
	fallback  *ScriptedResponse
	pingErr   error
	onChat    func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
	called    chan struct{}
}

// ScriptedResponse defines one response of the script.
type ScriptedResponse struct {
	Content   string
	ToolCalls []llm.ToolCall
	Error     error
	// Block waits for the request context to be canceled and returns its error.
	Block bool
}

// NewScenarioProvider creates an empty scenario.
func NewScenarioProvider() *ScenarioProvider {
	return &ScenarioProvider{called: make(chan struct{}, 64)}
}

// AddResponse queues a text response.
func (p *ScenarioProvider) AddResponse(content string) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Content: content})
}

// AddToolCallResponse queues a response with tool calls and optional text.
func (p *ScenarioProvider) AddToolCallResponse(content string, toolCalls ...llm.ToolCall) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Content: content, ToolCalls: toolCalls})
}

// AddErrorResponse queues an error.
func (p *ScenarioProvider) AddErrorResponse(err error) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Error: err})
}

// AddBlockingResponse queues a call that only returns once its context is canceled.
func (p *ScenarioProvider) AddBlockingResponse() *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Block: true})
}

// AddScriptedResponse queues a fully configured response.
func (p *ScenarioProvider) AddScriptedResponse(resp ScriptedResponse) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
	return p
}

// WithFallback sets the response returned once the script is exhausted.
func (p *ScenarioProvider) WithFallback(resp ScriptedResponse) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = &resp
	return p
}

// WithPingError makes Ping fail with err.
func (p *ScenarioProvider) WithPingError(err error) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingErr = err
	return p
}

// WithChatFunc replaces the script with a custom handler.
func (p *ScenarioProvider) WithChatFunc(fn func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChat = fn
	return p
}

// Chat implements llm.Provider.
func (p *ScenarioProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	onChat := p.onChat

	var resp ScriptedResponse
	var exhausted bool
	switch {
	case onChat != nil:
	case p.index < len(p.responses):
		resp = p.responses[p.index]
		p.index++
	case p.fallback != nil:
		resp = *p.fallback
	default:
		exhausted = true
	}
	p.mu.Unlock()

	select {
	case p.called <- struct{}{}:
	default:
	}

	if onChat != nil {
		return onChat(ctx, req)
	}
	if exhausted {
		return nil, fmt.Errorf("no more scripted responses (call %d)", n)
	}
	if resp.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &llm.ChatResponse{Content: resp.Content, ToolCalls: resp.ToolCalls}, nil
}

// Ping implements llm.Pinger.
func (p *ScenarioProvider) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingErr
}

// Called receives a value each time Chat is entered.
func (p *ScenarioProvider) Called() <-chan struct{} {
	return p.called
}

// Requests returns all captured requests.
func (p *ScenarioProvider) Requests() []llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// LastRequest returns the most recent request, or nil.
func (p *ScenarioProvider) LastRequest() *llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

// CallCount returns the number of Chat calls made.
func (p *ScenarioProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// ToolCall builds a tool call with JSON-encoded args.
func ToolCall(id, name string, args map[string]any) llm.ToolCall {
	return llm.NewToolCall(id, name, args)
}

// Finish builds a call to the reserved finish tool.
func Finish(id string, achieved bool, summary string) llm.ToolCall {
	return llm.NewToolCall(id, "finish", map[string]any{"goal_achieved": achieved, "summary": summary})
}

var (
	_ llm.Provider = (*ScenarioProvider)(nil)
	_ llm.Pinger   = (*ScenarioProvider)(nil)
)
