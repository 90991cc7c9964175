package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcoord/internal/domain"
)

// Graph tracks tasks and the acyclic "must complete before" edges between
// them. Every operation holds one lock, so a cycle check and the insertion it
// guards are a single step.
//
// Status transitions do not consult readiness. IsReady and ValidateReady are
// advisory for callers that want ordering enforced.
type Graph struct {
	mu sync.RWMutex

	tasks map[string]*domain.Task
	order []string

	// dependent -> edges to its blockers, in insertion order
	blockers map[string][]domain.Dependency
	// blocker -> dependents, in insertion order
	dependents map[string][]string

	now func() time.Time
}

func New() *Graph {
	return &Graph{
		tasks:      make(map[string]*domain.Task),
		blockers:   make(map[string][]domain.Dependency),
		dependents: make(map[string][]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// AddTask registers task. Empty status becomes pending and zero CreatedAt
// becomes now. Priority is stored as given; 0 is the most urgent.
func (g *Graph) AddTask(task domain.Task) (domain.Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		return domain.Task{}, domain.Invalid("task", "", "task id is required")
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	if !task.Status.Valid() {
		return domain.Task{}, domain.Invalid("task", task.ID, fmt.Sprintf("invalid status %q", task.Status))
	}
	if task.Priority < 0 {
		return domain.Task{}, domain.Invalid("task", task.ID, fmt.Sprintf("invalid priority %d", task.Priority))
	}
	if task.Name == "" {
		task.Name = task.ID
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[task.ID]; ok {
		return domain.Task{}, domain.Duplicate("task", task.ID)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = g.now()
	}
	task.Metadata = domain.CloneMap(task.Metadata)
	stored := task
	g.tasks[task.ID] = &stored
	g.order = append(g.order, task.ID)
	g.blockers[task.ID] = nil
	g.dependents[task.ID] = nil
	return copyTask(&stored), nil
}

func (g *Graph) Task(id string) (domain.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return copyTask(t), true
}

// Tasks returns every task in registration order.
func (g *Graph) Tasks() []domain.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, copyTask(g.tasks[id]))
	}
	return out
}

// AddDependency records that dependentID cannot start before blockingID
// completes. An edge that would close a cycle is rejected and nothing changes.
// Re-adding an existing edge is a no-op.
func (g *Graph) AddDependency(dependentID, blockingID string, kind domain.DependencyKind) error {
	if kind == "" {
		kind = domain.DependencyBlocks
	}
	if !kind.Valid() {
		return domain.Invalid("dependency", dependentID, fmt.Sprintf("invalid dependency kind %q", kind))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[dependentID]; !ok {
		return domain.NotFound("task", dependentID)
	}
	if _, ok := g.tasks[blockingID]; !ok {
		return domain.NotFound("task", blockingID)
	}
	for _, edge := range g.blockers[dependentID] {
		if edge.BlockingID == blockingID {
			return nil
		}
	}
	if dependentID == blockingID || g.reachesLocked(dependentID, blockingID) {
		return &domain.EntityError{
			Kind:   domain.ErrCycleDetected,
			Entity: "dependency",
			ID:     dependentID + "->" + blockingID,
			Reason: fmt.Sprintf("%s already depends on %s", blockingID, dependentID),
		}
	}

	g.blockers[dependentID] = append(g.blockers[dependentID], domain.Dependency{
		DependentID: dependentID,
		BlockingID:  blockingID,
		Kind:        kind,
		CreatedAt:   g.now(),
	})
	g.dependents[blockingID] = append(g.dependents[blockingID], dependentID)
	return nil
}

// reachesLocked reports whether target is reachable from start by following
// dependent edges, meaning target already depends on start.
func (g *Graph) reachesLocked(start, target string) bool {
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.dependents[current] {
			if next == target {
				return true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			stack = append(stack, next)
		}
	}
	return false
}

func (g *Graph) RemoveDependency(dependentID, blockingID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	edges := g.blockers[dependentID]
	idx := -1
	for i, edge := range edges {
		if edge.BlockingID == blockingID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.NotFound("dependency", dependentID+"->"+blockingID)
	}
	g.blockers[dependentID] = append(edges[:idx:idx], edges[idx+1:]...)

	deps := g.dependents[blockingID]
	for i, id := range deps {
		if id == dependentID {
			g.dependents[blockingID] = append(deps[:i:i], deps[i+1:]...)
			break
		}
	}
	return nil
}

// Dependencies lists the ids dependentID waits on.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := g.blockers[id]
	out := make([]string, 0, len(edges))
	for _, edge := range edges {
		out = append(out, edge.BlockingID)
	}
	return out
}

// Dependents lists the ids waiting on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// Blockers returns the tasks id waits on that are not completed. Failed and
// in-progress blockers still block.
func (g *Graph) Blockers(id string) []domain.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blockersLocked(id)
}

func (g *Graph) blockersLocked(id string) []domain.Task {
	var out []domain.Task
	for _, edge := range g.blockers[id] {
		blocker, ok := g.tasks[edge.BlockingID]
		if !ok || blocker.Status == domain.TaskStatusCompleted {
			continue
		}
		out = append(out, copyTask(blocker))
	}
	return out
}

func (g *Graph) IsReady(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.blockersLocked(id)) == 0
}

// ValidateReady is IsReady with a reason naming each blocker and its status.
func (g *Graph) ValidateReady(id string) (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.tasks[id]; !ok {
		return false, fmt.Sprintf("task %s not found", id)
	}
	blockers := g.blockersLocked(id)
	if len(blockers) == 0 {
		return true, ""
	}
	parts := make([]string, 0, len(blockers))
	for _, b := range blockers {
		parts = append(parts, fmt.Sprintf("%s(%s)", b.ID, b.Status))
	}
	return false, "blocked by: " + strings.Join(parts, ", ")
}

// ReadyTasks returns pending tasks with no open blockers, ordered by ascending
// priority and then registration order.
func (g *Graph) ReadyTasks() []domain.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []domain.Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != domain.TaskStatusPending || len(g.blockersLocked(id)) > 0 {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (g *Graph) MarkInProgress(id string) (domain.Task, error) {
	return g.SetStatus(id, domain.TaskStatusInProgress)
}

func (g *Graph) MarkCompleted(id string) (domain.Task, error) {
	return g.SetStatus(id, domain.TaskStatusCompleted)
}

func (g *Graph) MarkFailed(id string) (domain.Task, error) {
	return g.SetStatus(id, domain.TaskStatusFailed)
}

// SetStatus moves a task to status. Completing stamps CompletedAt.
func (g *Graph) SetStatus(id string, status domain.TaskStatus) (domain.Task, error) {
	if !status.Valid() {
		return domain.Task{}, domain.Invalid("task", id, fmt.Sprintf("invalid status %q", status))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFound("task", id)
	}
	t.Status = status
	if status == domain.TaskStatusCompleted {
		at := g.now()
		t.CompletedAt = &at
	}
	return copyTask(t), nil
}

// Edges returns every dependency edge grouped by dependent, in registration
// order of the dependents.
func (g *Graph) Edges() []domain.Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []domain.Dependency
	for _, id := range g.order {
		out = append(out, g.blockers[id]...)
	}
	return out
}

// TopologicalOrder lists task ids so that every blocker precedes its
// dependents. Ties keep registration order.
func (g *Graph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.blockers[id])
	}
	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	out := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, next := range g.dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return out
}

func copyTask(t *domain.Task) domain.Task {
	out := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	out.Metadata = domain.CloneMap(t.Metadata)
	return out
}
