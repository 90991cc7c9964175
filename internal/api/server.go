package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentcoord/internal/audit"
	"agentcoord/internal/coordinator"
	"agentcoord/internal/domain"
	"agentcoord/internal/store/sqlite"
)

type Options struct {
	// ConfigPath and ConfigRaw are echoed by /config.
	ConfigPath string
	ConfigRaw  map[string]any
	Backend    string
	// AuditLog answers /audit queries; Store is used when it is nil and for
	// durable message counts.
	AuditLog *audit.Log
	Store    *sqlite.Store
}

// Server exposes the coordinator over HTTP/JSON and a websocket agent stream.
type Server struct {
	svc    *coordinator.Service
	opts   Options
	logger *log.Logger
	now    func() time.Time
}

func New(svc *coordinator.Service, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		svc:    svc,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/messages", s.handleMessages)
	mux.HandleFunc("/messages/", s.handleMessageByID)
	mux.HandleFunc("/agents/", s.handleAgent)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/contexts", s.handleContexts)
	mux.HandleFunc("/contexts/", s.handleContextByID)
	mux.HandleFunc("/conflicts", s.handleConflicts)
	mux.HandleFunc("/conflicts/", s.handleConflictByID)
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/audit/report", s.handleAuditReport)
	return s.loggingMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.svc.Bus().Connected() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"time":    s.now().Format(time.RFC3339),
		"backend": s.opts.Backend,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    s.opts.ConfigPath,
		"raw":     s.opts.ConfigRaw,
		"backend": s.opts.Backend,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{"coordinator": s.svc.Snapshot()}
	if s.opts.Store != nil {
		counts, err := s.opts.Store.MessageCounts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out["messages"] = counts
	}
	if s.opts.AuditLog != nil {
		out["audit_events"] = s.opts.AuditLog.Len()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	subject := strings.TrimSpace(q.Get("subject"))
	agent := strings.TrimSpace(q.Get("agent"))
	typ := domain.AuditEventType(strings.TrimSpace(q.Get("type")))
	limit := queryInt(r, "limit", audit.DefaultQueryLimit)

	if s.opts.AuditLog == nil {
		if s.opts.Store == nil {
			writeJSON(w, http.StatusOK, []domain.AuditEvent{})
			return
		}
		events, err := s.opts.Store.ListAuditEvents(r.Context(), sqlite.AuditQuery{
			Subject: subject,
			Agent:   agent,
			Type:    typ,
			Limit:   limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(events))
		return
	}

	var events []domain.AuditEvent
	switch {
	case subject != "":
		events = s.opts.AuditLog.ForSubject(subject, limit)
	case agent != "":
		events = s.opts.AuditLog.ByAgent(agent, limit)
	case typ != "":
		events = s.opts.AuditLog.ByType(typ, limit)
	default:
		events = s.opts.AuditLog.Recent(limit)
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	subject := strings.TrimSpace(r.URL.Query().Get("subject"))
	if subject == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("subject is required"))
		return
	}
	if s.opts.AuditLog == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("audit reports need the in-memory audit log"))
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.AuditLog.Report(subject, from, to))
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateEntity), errors.Is(err, domain.ErrCycleDetected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return false
	}
	return true
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// splitPath returns the non-empty path segments after prefix.
func splitPath(r *http.Request, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return t, nil
}

func queryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
