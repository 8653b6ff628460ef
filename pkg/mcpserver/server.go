// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcpserver exposes capability management as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/generator"
)

// Tool names.
const (
	ToolCreate   = "create_capability"
	ToolList     = "list_capabilities"
	ToolDelete   = "delete_capability"
	ToolValidate = "validate_capability"
)

// Server wraps an mcp-go server whose tools drive the generator and catalog.
type Server struct {
	mcpServer *server.MCPServer
	generator *generator.Generator
	catalog   *capability.Catalog
	log       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates the MCP server and registers the capability tools.
func New(name, version string, gen *generator.Generator, catalog *capability.Catalog, opts ...Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		generator: gen,
		catalog:   catalog,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer.AddTool(mcp.NewTool(ToolCreate,
		mcp.WithDescription("Generate, validate and register a capability from a natural-language description."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent that will own the capability")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What the capability should do")),
		mcp.WithString("world_id", mcp.Description("World the capability is meant for")),
	), s.handleCreate)

	s.mcpServer.AddTool(mcp.NewTool(ToolList,
		mcp.WithDescription("List registered capabilities, optionally for one agent."),
		mcp.WithString("agent_id", mcp.Description("Only capabilities owned by this agent")),
	), s.handleList)

	s.mcpServer.AddTool(mcp.NewTool(ToolDelete,
		mcp.WithDescription("Delete a capability by name."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Capability name")),
	), s.handleDelete)

	s.mcpServer.AddTool(mcp.NewTool(ToolValidate,
		mcp.WithDescription("Check capability source against the safety policy without registering it."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Go source of the capability")),
	), s.handleValidate)

	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// HTTPHandler serves the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// ServeStdio serves newline-delimited JSON-RPC on in and out until ctx ends.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	creq := capability.Request{
		AgentID:     req.GetString("agent_id", ""),
		Description: req.GetString("description", ""),
		WorldID:     req.GetString("world_id", ""),
	}
	res, err := s.generator.Generate(ctx, creq)
	if err != nil {
		return toolError(err), nil
	}
	if !res.Accepted {
		reasons := make([]string, len(res.Validation.Reasons))
		for i, r := range res.Validation.Reasons {
			reasons[i] = r.String()
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", res.Validation.Kind, strings.Join(reasons, "; "))), nil
	}
	s.log.InfoContext(ctx, "mcp.capability.created",
		slog.String("name", res.Definition.Name),
		slog.String("agent_id", creq.AgentID),
	)
	return jsonResult(res.Definition)
}

func (s *Server) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs := s.catalog.List(req.GetString("agent_id", ""))
	if defs == nil {
		defs = []capability.Definition{}
	}
	return jsonResult(defs)
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.catalog.Delete(ctx, name); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted %s", name)), nil
}

func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.generator.Validate(code))
}

// toolError reports err to the caller as a failed tool result tagged with its code.
func toolError(err error) *mcp.CallToolResult {
	fe := errors.AsForgeError(err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", fe.Code, fe.Message))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
