// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package api exposes capability generation, deployment and the supporting
// world and agent records over HTTP.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jllopis/forge/pkg/agent"
	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/gateway"
	"github.com/jllopis/forge/pkg/generator"
	"github.com/jllopis/forge/pkg/health"
	"github.com/jllopis/forge/pkg/session"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/world"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Deps are the components the API routes to. Generator, Catalog, Sessions
// and Gateway are required.
type Deps struct {
	Generator *generator.Generator
	Catalog   *capability.Catalog
	Sessions  *session.Manager
	Gateway   *gateway.Gateway
	Worlds    world.Store
	Agents    agent.Store
	Health    *health.Registry
}

// Server routes HTTP requests.
type Server struct {
	deps         Deps
	defaultWorld world.Spec
	mux          *http.ServeMux
	log          *slog.Logger
	metrics      *telemetry.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records handler errors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithDefaultWorld sets the world used by deployments without world_id.
func WithDefaultWorld(spec world.Spec) Option {
	return func(s *Server) { s.defaultWorld = spec }
}

// WithMount serves h under pattern, e.g. the MCP endpoint at "/mcp".
func WithMount(pattern string, h http.Handler) Option {
	return func(s *Server) {
		if pattern != "" && h != nil {
			s.mux.Handle(pattern, h)
		}
	}
}

// New builds the server. Stores left nil are replaced by in-memory ones.
func New(deps Deps, opts ...Option) *Server {
	if deps.Worlds == nil {
		deps.Worlds = world.NewMemoryStore()
	}
	if deps.Agents == nil {
		deps.Agents = agent.NewMemoryStore()
	}
	if deps.Health == nil {
		deps.Health = health.NewRegistry(0)
	}
	s := &Server{
		deps:         deps,
		defaultWorld: world.DefaultSpec(),
		mux:          http.NewServeMux(),
		log:          slog.Default(),
	}
	s.routes()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /capabilities", s.handleCreateCapability)
	s.mux.HandleFunc("GET /capabilities", s.handleListCapabilities)
	s.mux.HandleFunc("DELETE /capabilities/{name}", s.handleDeleteCapability)
	s.mux.HandleFunc("POST /capabilities:validate", s.handleValidateCapability)

	s.mux.HandleFunc("GET /deploy", s.handleDeploy)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /sessions/{id}/stop", s.handleStopSession)
	s.mux.HandleFunc("GET /sessions/{id}/events", s.handleSessionEvents)

	s.mux.HandleFunc("POST /worlds", s.handleCreateWorld)
	s.mux.HandleFunc("GET /worlds", s.handleListWorlds)
	s.mux.HandleFunc("GET /worlds/{id}", s.handleGetWorld)
	s.mux.HandleFunc("DELETE /worlds/{id}", s.handleDeleteWorld)

	s.mux.HandleFunc("POST /agents", s.handleCreateAgent)
	s.mux.HandleFunc("GET /agents", s.handleListAgents)
	s.mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// ServeHTTP logs every request and turns handler panics into 500s.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.log.ErrorContext(r.Context(), "http.request.panic",
				slog.String("path", r.URL.Path),
				slog.Any("panic", p),
			)
			if !rec.wrote {
				s.writeError(rec, r, errors.Newf(errors.CodeInternal, "internal error"))
			}
		}
		s.log.InfoContext(r.Context(), "http.request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	s.mux.ServeHTTP(rec, r)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe := errors.AsForgeError(err)
	status := errors.HTTPStatus(fe)
	if status >= http.StatusInternalServerError {
		s.metrics.Error(r.Context(), fe, "api")
		s.log.ErrorContext(r.Context(), "http.request.error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: fe.Code, Message: fe.Message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return errors.New(errors.CodeInvalidInput, "invalid JSON body", err)
	}
	return nil
}

// statusRecorder keeps the status for logging. It forwards Flush so event
// streams work through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
