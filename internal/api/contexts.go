package api

import (
	"fmt"
	"net/http"
	"strings"

	"agentcoord/internal/contextstore"
	"agentcoord/internal/domain"
)

// Context reads the requester may not perform answer 404, the same as an
// unknown id.
func contextNotFound(w http.ResponseWriter, id string) {
	writeError(w, http.StatusNotFound, domain.NotFound("context", id))
}

func requester(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("agent"))
}

func (s *Server) handleContexts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agent := requester(r)
		if agent == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("agent query parameter is required"))
			return
		}
		found := s.svc.Contexts().Find(agent, contextstore.FindQuery{
			Type: domain.ContextType(strings.TrimSpace(r.URL.Query().Get("type"))),
			Tags: queryList(r, "tag"),
		})
		writeJSON(w, http.StatusOK, nonNil(found))
	case http.MethodPost:
		var req struct {
			ID          string             `json:"context_id"`
			Type        domain.ContextType `json:"context_type"`
			Owner       string             `json:"owner"`
			Data        map[string]any     `json:"data"`
			AccessLevel domain.AccessLevel `json:"access_level"`
			Tags        []string           `json:"tags"`
			TTLSeconds  *int               `json:"ttl"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		doc, err := s.svc.CreateContext(r.Context(), contextstore.CreateInput{
			ID:          req.ID,
			Type:        req.Type,
			Owner:       req.Owner,
			Data:        req.Data,
			AccessLevel: req.AccessLevel,
			Tags:        req.Tags,
			TTLSeconds:  req.TTLSeconds,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, doc)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleContextByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/contexts/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("context id is required"))
		return
	}
	id := parts[0]
	agent := requester(r)

	if id == "stats" && len(parts) == 1 {
		writeJSON(w, http.StatusOK, s.svc.Contexts().Stats())
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			doc, ok := s.svc.GetContext(r.Context(), agent, id)
			if !ok {
				contextNotFound(w, id)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		case http.MethodPatch:
			var patch map[string]any
			if !decodeBody(w, r, &patch) {
				return
			}
			doc, ok := s.svc.UpdateContext(r.Context(), agent, id, patch)
			if !ok {
				contextNotFound(w, id)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		case http.MethodDelete:
			if !s.svc.DeleteContext(r.Context(), agent, id) {
				contextNotFound(w, id)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "context_id": id})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	action := parts[1]
	switch action {
	case "share":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Actor  string   `json:"actor"`
			Agents []string `json:"agents"`
			Level  string   `json:"level"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Agents) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("agents are required"))
			return
		}
		if err := s.svc.ShareContext(r.Context(), req.Actor, id, req.Agents, req.Level); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "shared", "context_id": id, "agents": req.Agents})
	case "export":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		doc, ok := s.svc.Contexts().Export(id, agent)
		if !ok {
			contextNotFound(w, id)
			return
		}
		format := contextstore.Format(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))))
		body, err := contextstore.Marshal(doc, format)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		contentType := "application/json"
		if format == contextstore.FormatYAML {
			contentType = "application/yaml"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	case "history":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, ok := s.svc.Contexts().Get(id, agent); !ok {
			contextNotFound(w, id)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(s.svc.Contexts().History(id, queryInt(r, "limit", contextstore.DefaultHistoryLimit))))
	case "related":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, ok := s.svc.Contexts().Get(id, agent); !ok {
			contextNotFound(w, id)
			return
		}
		out := []domain.Context{}
		for _, c := range s.svc.Contexts().Related(id, queryInt(r, "depth", 1)) {
			if c.HasAccess(agent) {
				out = append(out, c)
			}
		}
		writeJSON(w, http.StatusOK, out)
	case "link":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			RelatedID string `json:"related_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if _, ok := s.svc.Contexts().Get(id, agent); !ok {
			contextNotFound(w, id)
			return
		}
		if _, ok := s.svc.Contexts().Get(req.RelatedID, agent); !ok {
			contextNotFound(w, req.RelatedID)
			return
		}
		if !s.svc.Contexts().Link(id, req.RelatedID) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("cannot link %s to itself", id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "linked", "context_id": id, "related_id": req.RelatedID})
	case "subscribe":
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, ok := s.svc.Contexts().Get(id, agent); !ok {
			contextNotFound(w, id)
			return
		}
		if r.Method == http.MethodDelete {
			s.svc.Contexts().Unsubscribe(id, agent)
		} else {
			s.svc.Contexts().Subscribe(id, agent)
		}
		writeJSON(w, http.StatusOK, map[string]any{"context_id": id, "subscribers": s.svc.Contexts().Subscribers(id)})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}
