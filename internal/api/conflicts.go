package api

import (
	"fmt"
	"net/http"

	"agentcoord/internal/conflict"
	"agentcoord/internal/domain"
)

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, nonNil(s.svc.Conflicts().List()))
	case http.MethodPost:
		var req struct {
			ID      string                  `json:"conflict_id"`
			Type    domain.ConflictType     `json:"conflict_type"`
			Topic   string                  `json:"topic"`
			Agents  []string                `json:"agents"`
			Options []domain.ConflictOption `json:"options"`
			Context map[string]any          `json:"context"`
			Actor   string                  `json:"actor"`
			Notify  bool                    `json:"notify"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := s.svc.CreateConflict(r.Context(), req.Actor, conflict.CreateInput{
			ID:      req.ID,
			Type:    req.Type,
			Agents:  req.Agents,
			Topic:   req.Topic,
			Options: req.Options,
			Context: req.Context,
		}, req.Notify)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleConflictByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/conflicts/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("conflict id is required"))
		return
	}
	id := parts[0]
	engine := s.svc.Conflicts()

	if id == "history" && len(parts) == 1 {
		writeJSON(w, http.StatusOK, nonNil(engine.History(queryInt(r, "limit", conflict.DefaultHistoryLimit))))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		status, ok := engine.Status(id)
		if !ok {
			writeError(w, http.StatusNotFound, domain.NotFound("conflict", id))
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	action := parts[1]
	if action == "suggest" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		suggestion, ok := engine.Suggest(id)
		if !ok {
			writeError(w, http.StatusNotFound, domain.NotFound("conflict", id))
			return
		}
		writeJSON(w, http.StatusOK, suggestion)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "vote":
		var req struct {
			Agent    string `json:"agent"`
			OptionID string `json:"option_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Agent == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("agent is required"))
			return
		}
		if err := s.svc.Vote(id, req.Agent, req.OptionID); err != nil {
			writeDomainError(w, err)
			return
		}
		status, _ := engine.Status(id)
		writeJSON(w, http.StatusOK, status)
	case "options":
		var opt domain.ConflictOption
		if !decodeBody(w, r, &opt) {
			return
		}
		if err := engine.AddOption(id, opt); err != nil {
			writeDomainError(w, err)
			return
		}
		status, _ := engine.Status(id)
		writeJSON(w, http.StatusCreated, status)
	case "resolve":
		var req struct {
			Actor    string                    `json:"actor"`
			Strategy domain.ResolutionStrategy `json:"strategy"`
		}
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		decision, err := s.svc.Decide(r.Context(), req.Actor, id, req.Strategy)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	case "escalate":
		var req struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		if err := s.svc.EscalateConflict(r.Context(), id, req.Reason); err != nil {
			writeDomainError(w, err)
			return
		}
		status, _ := engine.Status(id)
		writeJSON(w, http.StatusOK, status)
	case "abandon":
		if err := engine.Abandon(id); err != nil {
			writeDomainError(w, err)
			return
		}
		status, _ := engine.Status(id)
		writeJSON(w, http.StatusOK, status)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}
