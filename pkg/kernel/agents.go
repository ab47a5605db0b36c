package kernel

import (
	"net/http"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agents, err := s.deps.Agents.ListAgents(ctx)
	if err != nil {
		s.writeDomainError(w, "list agents", err)
		return
	}
	if s.deps.Ledger != nil {
		for i := range agents {
			usage, err := s.deps.Ledger.Usage(ctx, agents[i].ID)
			if err != nil {
				s.logger.Warn("failed to read agent usage", "agent_id", agents[i].ID, "error", err)
				continue
			}
			agents[i].DailyUsage = usage
		}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleResetAgents(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Resetter.ResetNow(r.Context())
	if err != nil {
		s.writeDomainError(w, "reset agents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"re_enabled": n})
}

func (s *Server) handleEnableAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := bindID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := s.deps.Agents.Enable(ctx, domain.AgentID(id)); err != nil {
		s.writeDomainError(w, "enable agent", err)
		return
	}
	s.logger.Info("agent enabled by operator", "agent_id", id)

	agents, err := s.deps.Agents.ListAgents(ctx)
	if err != nil {
		s.writeDomainError(w, "list agents", err)
		return
	}
	for _, a := range agents {
		if a.ID == domain.AgentID(id) {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	writeError(w, http.StatusNotFound, "agent not found")
}
