package api

import (
	"fmt"
	"net/http"
	"strings"

	"agentcoord/internal/domain"
)

type taskView struct {
	domain.Task
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
	Ready        bool     `json:"ready"`
	Reason       string   `json:"reason,omitempty"`
}

func (s *Server) viewTask(t domain.Task) taskView {
	g := s.svc.Graph()
	ready, reason := g.ValidateReady(t.ID)
	return taskView{
		Task:         t,
		Dependencies: nonNil(g.Dependencies(t.ID)),
		Dependents:   nonNil(g.Dependents(t.ID)),
		Ready:        ready,
		Reason:       reason,
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := domain.TaskStatus(strings.TrimSpace(r.URL.Query().Get("status")))
		out := []domain.Task{}
		for _, t := range s.svc.Graph().Tasks() {
			if status == "" || t.Status == status {
				out = append(out, t)
			}
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req struct {
			ID          string         `json:"id"`
			Name        string         `json:"name"`
			Assignee    string         `json:"assignee"`
			Priority    *int           `json:"priority"`
			Description string         `json:"description"`
			Actor       string         `json:"actor"`
			DependsOn   []string       `json:"depends_on"`
			Metadata    map[string]any `json:"metadata"`
			Dispatch    bool           `json:"dispatch"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ID) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("id is required"))
			return
		}
		priority := domain.DefaultTaskPriority
		if req.Priority != nil {
			priority = *req.Priority
		}
		metadata := domain.CloneMap(req.Metadata)
		if metadata == nil {
			metadata = map[string]any{}
		}
		if req.Description != "" {
			metadata["description"] = req.Description
		}
		task, err := s.svc.CreateTask(r.Context(), req.Actor, domain.Task{
			ID:       req.ID,
			Name:     req.Name,
			Assignee: req.Assignee,
			Priority: priority,
			Metadata: metadata,
		}, req.DependsOn)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if req.Dispatch {
			s.svc.DispatchReady(r.Context())
		}
		writeJSON(w, http.StatusCreated, s.viewTask(task))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/tasks/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}
	taskID := parts[0]
	g := s.svc.Graph()

	if taskID == "ready" && len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(g.ReadyTasks()))
		return
	}
	if taskID == "order" && len(parts) == 1 {
		writeJSON(w, http.StatusOK, map[string]any{
			"order": nonNil(g.TopologicalOrder()),
			"edges": nonNil(g.Edges()),
		})
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, ok := g.Task(taskID)
		if !ok {
			writeError(w, http.StatusNotFound, domain.NotFound("task", taskID))
			return
		}
		writeJSON(w, http.StatusOK, s.viewTask(task))
		return
	}

	action := parts[1]
	switch action {
	case "dependencies":
		s.handleTaskDependencies(w, r, taskID)
	case "start", "complete", "fail":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Actor  string         `json:"actor"`
			Result map[string]any `json:"result"`
			Reason string         `json:"reason"`
		}
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		var (
			task domain.Task
			err  error
		)
		switch action {
		case "start":
			task, err = s.svc.StartTask(r.Context(), req.Actor, taskID)
		case "complete":
			task, err = s.svc.CompleteTask(r.Context(), req.Actor, taskID, req.Result)
		default:
			task, err = s.svc.FailTask(r.Context(), req.Actor, taskID, req.Reason)
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.viewTask(task))
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (s *Server) handleTaskDependencies(w http.ResponseWriter, r *http.Request, taskID string) {
	g := s.svc.Graph()
	switch r.Method {
	case http.MethodGet:
		if _, ok := g.Task(taskID); !ok {
			writeError(w, http.StatusNotFound, domain.NotFound("task", taskID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id":      taskID,
			"dependencies": nonNil(g.Dependencies(taskID)),
			"blockers":     nonNil(g.Blockers(taskID)),
		})
	case http.MethodPost:
		var req struct {
			BlockingID string                `json:"blocking_task_id"`
			Kind       domain.DependencyKind `json:"kind"`
			Actor      string                `json:"actor"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Kind != "" && !req.Kind.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid dependency kind %q", req.Kind))
			return
		}
		if err := s.svc.AddDependency(r.Context(), req.Actor, taskID, req.BlockingID, req.Kind); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"status": "dependency added", "task_id": taskID, "blocking_task_id": req.BlockingID})
	case http.MethodDelete:
		blocking := strings.TrimSpace(r.URL.Query().Get("blocking"))
		if blocking == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("blocking query parameter is required"))
			return
		}
		if err := s.svc.RemoveDependency(r.Context(), r.URL.Query().Get("actor"), taskID, blocking); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "dependency removed"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
