// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/jllopis/forge/pkg/agent"
	"github.com/jllopis/forge/pkg/capability"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/health"
	"github.com/jllopis/forge/pkg/session"
	"github.com/jllopis/forge/pkg/validator"
	"github.com/jllopis/forge/pkg/world"
)

// rejection is the body of a 422 answer to capability creation.
type rejection struct {
	Kind        errors.ErrorCode      `json:"kind"`
	Violations  []validator.Violation `json:"violations"`
	Explanation string                `json:"explanation,omitempty"`
	Attempts    int                   `json:"attempts"`
}

func (s *Server) handleCreateCapability(w http.ResponseWriter, r *http.Request) {
	var req capability.Request
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Generator.Generate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.Accepted {
		writeJSON(w, http.StatusUnprocessableEntity, rejection{
			Kind:        res.Validation.Kind,
			Violations:  res.Validation.Reasons,
			Explanation: res.Explanation,
			Attempts:    res.Attempts,
		})
		return
	}
	writeJSON(w, http.StatusCreated, res.Definition)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	defs := s.deps.Catalog.List(r.URL.Query().Get("agent_id"))
	if defs == nil {
		defs = []capability.Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleDeleteCapability(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.Delete(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidateCapability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		s.writeError(w, r, errors.New(errors.CodeInvalidInput, "code is required", nil))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Generator.Validate(body.Code))
}

// deployment resolves the query of /deploy into a session deployment.
func (s *Server) deployment(r *http.Request) (session.Deployment, error) {
	q := r.URL.Query()
	d := session.Deployment{
		AgentID: strings.TrimSpace(q.Get("agent_id")),
		WorldID: strings.TrimSpace(q.Get("world_id")),
		Goal:    strings.TrimSpace(q.Get("goal")),
	}
	if d.WorldID == "" {
		d.World = s.defaultWorld
		d.WorldID = s.defaultWorld.ID
		return d, nil
	}
	spec, err := s.deps.Worlds.Get(r.Context(), d.WorldID)
	if err != nil {
		return d, err
	}
	d.World = spec
	return d, nil
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	d, err := s.deployment(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.Start(r.Context(), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.InfoContext(r.Context(), "http.deploy.started",
		slog.String("session_id", sess.ID()),
		slog.String("agent_id", d.AgentID),
		slog.String("world_id", d.WorldID),
	)
	_ = s.deps.Gateway.Stream(w, r, sess)
}

// sessionView is GET /sessions/{id}: the listing info plus the live world.
type sessionView struct {
	session.Info
	World world.Snapshot `json:"world"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Info: sess.Info(), World: sess.World()})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Stop(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.deps.Gateway.Follow(w, r, sess)
}

func (s *Server) handleCreateWorld(w http.ResponseWriter, r *http.Request) {
	var spec world.Spec
	if err := decodeJSON(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Worlds.Create(r.Context(), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListWorlds(w http.ResponseWriter, r *http.Request) {
	specs, err := s.deps.Worlds.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if specs == nil {
		specs = []world.Spec{}
	}
	writeJSON(w, http.StatusOK, specs)
}

func (s *Server) handleGetWorld(w http.ResponseWriter, r *http.Request) {
	spec, err := s.deps.Worlds.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleDeleteWorld(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Worlds.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if err := decodeJSON(r, &a); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Agents.Create(r.Context(), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Agents.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleDeleteAgent removes the agent record and every capability it owns.
// Capabilities are torn down even when no record exists for the agent.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	recordErr := s.deps.Agents.Delete(r.Context(), id)
	if recordErr != nil && !errors.Is(recordErr, errors.CodeNotFound) {
		s.writeError(w, r, recordErr)
		return
	}
	removed, err := s.deps.Catalog.DeleteAgent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recordErr != nil && removed == 0 {
		s.writeError(w, r, recordErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Health.CheckAll(r.Context())
	status := http.StatusOK
	if report.Status == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
