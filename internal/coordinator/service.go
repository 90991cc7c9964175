package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"agentcoord/internal/audit"
	"agentcoord/internal/conflict"
	"agentcoord/internal/contextstore"
	"agentcoord/internal/domain"
	"agentcoord/internal/graph"
	"agentcoord/internal/messaging"
	"agentcoord/internal/protocol"
)

const DefaultAgentName = "coordinator"

type Config struct {
	AgentName string
	// StrictPayloads checks inbound payloads against the per-kind JSON schemas
	// before handling.
	StrictPayloads  bool
	ContextHistory  int
	ConflictHistory int
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	c.AgentName = strings.TrimSpace(c.AgentName)
	if c.AgentName == "" {
		c.AgentName = DefaultAgentName
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Service joins the bus, the task graph, the context store and the conflict
// engine. It listens on its own agent channel and turns protocol messages
// into operations on those components.
type Service struct {
	bus       *messaging.Bus
	graph     *graph.Graph
	contexts  *contextstore.Store
	conflicts *conflict.Engine
	audit     *audit.Recorder
	cfg       Config
	logger    *log.Logger

	wg sync.WaitGroup

	dispatchMu sync.Mutex
	dispatched map[string]bool
}

func New(bus *messaging.Bus, recorder *audit.Recorder, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if recorder == nil {
		recorder = audit.NewRecorder(nil, logger)
	}
	s := &Service{
		bus:        bus,
		graph:      graph.New(),
		conflicts:  conflict.New(conflict.Config{HistoryCapacity: cfg.ConflictHistory, Now: cfg.Now}, logger),
		audit:      recorder,
		cfg:        cfg,
		logger:     logger,
		dispatched: make(map[string]bool),
	}
	s.contexts = contextstore.New(s, contextstore.Config{MaxHistory: cfg.ContextHistory, Now: cfg.Now}, logger)
	s.conflicts.SetEscalationHandler(s.conflictEscalated)
	return s
}

func (s *Service) AgentName() string { return s.cfg.AgentName }

func (s *Service) Bus() *messaging.Bus { return s.bus }

func (s *Service) Graph() *graph.Graph { return s.graph }

func (s *Service) Contexts() *contextstore.Store { return s.contexts }

func (s *Service) Conflicts() *conflict.Engine { return s.conflicts }

func (s *Service) Recorder() *audit.Recorder { return s.audit }

// Start subscribes the service to its inbox. The subscription is dropped when
// ctx ends.
func (s *Service) Start(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, s.cfg.AgentName, s.HandleMessage); err != nil {
		return fmt.Errorf("subscribe coordinator inbox: %w", err)
	}
	s.audit.Emit(ctx, domain.EventWorkflowStarted, s.cfg.AgentName, s.cfg.AgentName, "start", nil)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		if err := s.bus.Unsubscribe(s.cfg.AgentName); err != nil && !errors.Is(err, domain.ErrTransportUnavailable) {
			s.logger.Printf("coordinator unsubscribe failed: %v", err)
		}
	}()
	return nil
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// HandleMessage processes one inbound message. Invalid or failing messages
// are answered with a nack; every message is acknowledged on the bus.
func (s *Service) HandleMessage(ctx context.Context, msg domain.Message) {
	defer s.acknowledge(ctx, msg)

	if ok, reason := protocol.Validate(msg, s.cfg.Now()); !ok {
		s.logger.Printf("coordinator rejected message id=%s from=%s reason=%s", msg.ID, msg.From, reason)
		s.audit.Failed(ctx, domain.EventMessageFailed, msg.From, msg.ID, "validate", errors.New(reason))
		s.nack(ctx, msg, reason)
		return
	}
	if s.cfg.StrictPayloads {
		if err := protocol.ValidatePayload(msg); err != nil {
			s.audit.Failed(ctx, domain.EventMessageFailed, msg.From, msg.ID, "validate_payload", err)
			s.nack(ctx, msg, err.Error())
			return
		}
	}
	s.audit.Emit(ctx, domain.EventMessageReceived, msg.From, msg.ID, string(msg.Kind), map[string]any{
		"subject": msg.Subject,
	})

	var err error
	switch msg.Kind {
	case domain.KindTaskRequest:
		err = s.handleTaskRequest(ctx, msg)
	case domain.KindTaskUpdate:
		err = s.handleTaskUpdate(ctx, msg)
	case domain.KindTaskComplete:
		err = s.handleTaskComplete(ctx, msg)
	case domain.KindTaskFailed:
		err = s.handleTaskFailed(ctx, msg)
	case domain.KindContextShare:
		err = s.handleContextShare(ctx, msg)
	case domain.KindConflictNotification:
		err = s.handleConflictNotification(ctx, msg)
	case domain.KindProvideFeedback:
		err = s.handleFeedback(msg)
	case domain.KindDecisionNeeded:
		err = s.handleDecisionNeeded(ctx, msg)
	}
	if err != nil {
		s.logger.Printf("coordinator handle failed id=%s kind=%s from=%s err=%v", msg.ID, msg.Kind, msg.From, err)
		s.nack(ctx, msg, err.Error())
	}
}

func (s *Service) acknowledge(ctx context.Context, msg domain.Message) {
	if msg.ID == "" {
		return
	}
	if err := s.bus.Acknowledge(ctx, msg.ID); err != nil {
		s.logger.Printf("coordinator ack failed id=%s err=%v", msg.ID, err)
	}
}

func (s *Service) nack(ctx context.Context, msg domain.Message, reason string) {
	if msg.Kind == domain.KindAck || msg.Kind == domain.KindNack || strings.TrimSpace(msg.From) == "" {
		return
	}
	reply := protocol.Ack(s.cfg.AgentName, msg, reason)
	if strings.TrimSpace(reply.Subject) == "" {
		reply.Subject = "rejected message"
	}
	s.send(ctx, reply)
}

// send publishes best effort; failures are logged and audited by the bus.
func (s *Service) send(ctx context.Context, msg domain.Message) {
	if _, err := s.bus.Send(ctx, msg); err != nil {
		s.logger.Printf("coordinator send failed kind=%s to=%s err=%v", msg.Kind, msg.To, err)
	}
}

func (s *Service) handleTaskRequest(ctx context.Context, msg domain.Message) error {
	var p domain.TaskRequestPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		return err
	}
	task := domain.Task{
		ID:       p.TaskID,
		Name:     p.Name,
		Assignee: p.Assignee,
		Priority: domain.DefaultTaskPriority,
		Metadata: map[string]any{
			"description":  p.Description,
			"requested_by": msg.From,
		},
	}
	if p.Deadline != "" {
		task.Metadata["deadline"] = p.Deadline
	}
	if p.Priority != "" {
		task.Metadata["priority"] = p.Priority
	}
	if p.TaskPriority != nil {
		task.Priority = *p.TaskPriority
	}
	if _, err := s.CreateTask(ctx, msg.From, task, p.DependsOn); err != nil {
		return err
	}
	s.DispatchReady(ctx)
	return nil
}

func (s *Service) handleTaskUpdate(ctx context.Context, msg domain.Message) error {
	var p domain.TaskUpdatePayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		return err
	}
	switch p.Status {
	case "", domain.TaskStatusInProgress:
		_, err := s.StartTask(ctx, msg.From, p.TaskID)
		return err
	case domain.TaskStatusCompleted:
		_, err := s.CompleteTask(ctx, msg.From, p.TaskID, map[string]any{"note": p.Note})
		return err
	case domain.TaskStatusFailed:
		_, err := s.FailTask(ctx, msg.From, p.TaskID, p.Note)
		return err
	}
	if !p.Status.Valid() {
		return domain.Invalid("task", p.TaskID, fmt.Sprintf("invalid task status %q", p.Status))
	}
	task, err := s.graph.SetStatus(p.TaskID, p.Status)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskStatusPending {
		s.requeue(ctx, task.ID)
	}
	return nil
}

// requeue makes a task that went back to pending eligible for dispatch again.
func (s *Service) requeue(ctx context.Context, taskID string) {
	s.dispatchMu.Lock()
	delete(s.dispatched, taskID)
	s.dispatchMu.Unlock()
	s.logger.Printf("task requeued task=%s", taskID)
	s.DispatchReady(ctx)
}

func (s *Service) handleTaskComplete(ctx context.Context, msg domain.Message) error {
	var p domain.TaskCompletePayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		return err
	}
	_, err := s.CompleteTask(ctx, msg.From, p.TaskID, p.Result)
	return err
}

func (s *Service) handleTaskFailed(ctx context.Context, msg domain.Message) error {
	var p domain.TaskCompletePayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		return err
	}
	reason, _ := p.Result["error"].(string)
	_, err := s.FailTask(ctx, msg.From, p.TaskID, reason)
	return err
}

func (s *Service) handleContextShare(ctx context.Context, msg domain.Message) error {
	var p domain.ContextSharePayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		return err
	}
	return s.ShareContext(ctx, msg.From, p.ContextID, p.Agents, p.Level)
}

func (s *Service) handleConflictNotification(ctx context.Context, msg domain.Message) error {
	var p domain.ConflictNotificationPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		return err
	}
	agents := p.Agents
	if len(agents) == 0 {
		agents = []string{msg.From}
	}
	_, err := s.CreateConflict(ctx, msg.From, conflict.CreateInput{
		ID:      p.ConflictID,
		Type:    p.Type,
		Agents:  agents,
		Topic:   p.Topic,
		Options: p.Options,
		Context: msg.Context,
	}, false)
	return err
}

func (s *Service) handleFeedback(msg domain.Message) error {
	var p domain.FeedbackPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		return err
	}
	return s.Vote(p.ConflictID, msg.From, p.OptionID)
}

func (s *Service) handleDecisionNeeded(ctx context.Context, msg domain.Message) error {
	var p domain.DecisionNeededPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		return err
	}
	_, err := s.Decide(ctx, msg.From, p.ConflictID, p.Strategy)
	return err
}

// CreateTask registers task and its blockers. Every blocker must already be
// known; the task is not added otherwise.
func (s *Service) CreateTask(ctx context.Context, actor string, task domain.Task, dependsOn []string) (domain.Task, error) {
	for _, dep := range dependsOn {
		if _, ok := s.graph.Task(dep); !ok {
			return domain.Task{}, domain.NotFound("task", dep)
		}
	}
	created, err := s.graph.AddTask(task)
	if err != nil {
		return domain.Task{}, err
	}
	s.audit.Emit(ctx, domain.EventTaskCreated, actor, created.ID, "create", map[string]any{
		"assignee": created.Assignee,
		"priority": created.Priority,
	})
	for _, dep := range dependsOn {
		if err := s.AddDependency(ctx, actor, created.ID, dep, domain.DependencyBlocks); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (s *Service) AddDependency(ctx context.Context, actor, dependentID, blockingID string, kind domain.DependencyKind) error {
	if err := s.graph.AddDependency(dependentID, blockingID, kind); err != nil {
		return err
	}
	s.audit.Emit(ctx, domain.EventDependencyAdded, actor, dependentID, "add_dependency", map[string]any{
		"blocking_task_id": blockingID,
		"kind":             string(kind),
	})
	return nil
}

func (s *Service) RemoveDependency(ctx context.Context, actor, dependentID, blockingID string) error {
	if err := s.graph.RemoveDependency(dependentID, blockingID); err != nil {
		return err
	}
	s.audit.Emit(ctx, domain.EventDependencyRemoved, actor, dependentID, "remove_dependency", map[string]any{
		"blocking_task_id": blockingID,
	})
	return nil
}

// StartTask moves a task to in_progress. Readiness is reported, not enforced.
func (s *Service) StartTask(ctx context.Context, actor, taskID string) (domain.Task, error) {
	if ok, reason := s.graph.ValidateReady(taskID); !ok {
		if _, known := s.graph.Task(taskID); !known {
			return domain.Task{}, domain.NotFound("task", taskID)
		}
		s.logger.Printf("task started before ready task=%s actor=%s reason=%q", taskID, actor, reason)
	}
	return s.graph.MarkInProgress(taskID)
}

func (s *Service) CompleteTask(ctx context.Context, actor, taskID string, result map[string]any) (domain.Task, error) {
	task, err := s.graph.MarkCompleted(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	s.audit.Emit(ctx, domain.EventTaskCompleted, actor, taskID, "complete", map[string]any{"result": result})
	s.DispatchReady(ctx)
	s.checkWorkflowDone(ctx)
	return task, nil
}

func (s *Service) FailTask(ctx context.Context, actor, taskID, reason string) (domain.Task, error) {
	task, err := s.graph.MarkFailed(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	s.audit.Record(ctx, domain.AuditEvent{
		Type:    domain.EventTaskFailed,
		Agent:   actor,
		Subject: taskID,
		Action:  "fail",
		Details: map[string]any{"error": reason},
		Status:  audit.StatusFailure,
	})
	if blocked := s.graph.Dependents(taskID); len(blocked) > 0 {
		s.audit.Emit(ctx, domain.EventWorkflowFailed, s.cfg.AgentName, taskID, "blocked_dependents", map[string]any{
			"dependents": blocked,
		})
	}
	return task, nil
}

// checkWorkflowDone records a workflow_completed event once every known task
// has completed.
func (s *Service) checkWorkflowDone(ctx context.Context) {
	tasks := s.graph.Tasks()
	for _, t := range tasks {
		if t.Status != domain.TaskStatusCompleted {
			return
		}
	}
	s.audit.Emit(ctx, domain.EventWorkflowCompleted, s.cfg.AgentName, s.cfg.AgentName, "all_tasks_completed", map[string]any{
		"tasks": len(tasks),
	})
}

// DispatchReady sends a task_request to the assignee of every ready task that
// has not been dispatched yet, in priority order. It returns the dispatched
// task ids.
func (s *Service) DispatchReady(ctx context.Context) []string {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	var sent []string
	for _, task := range s.graph.ReadyTasks() {
		if task.Assignee == "" || s.dispatched[task.ID] {
			continue
		}
		description, _ := task.Metadata["description"].(string)
		deadline, _ := task.Metadata["deadline"].(string)
		priority, _ := task.Metadata["priority"].(string)
		msg := protocol.TaskRequest(s.cfg.AgentName, task.Assignee, task.ID, description, deadline, domain.Priority(priority))
		if _, err := s.bus.Send(ctx, msg); err != nil {
			s.logger.Printf("dispatch task failed task=%s assignee=%s err=%v", task.ID, task.Assignee, err)
			continue
		}
		s.dispatched[task.ID] = true
		sent = append(sent, task.ID)
		s.logger.Printf("dispatched task=%s assignee=%s", task.ID, task.Assignee)
	}
	return sent
}

// GetContext returns the context as requester may see it and audits the read.
func (s *Service) GetContext(ctx context.Context, requester, id string) (domain.Context, bool) {
	doc, ok := s.contexts.Get(id, requester)
	if ok {
		s.audit.Emit(ctx, domain.EventContextAccessed, requester, id, "read", map[string]any{
			"version": doc.Metadata.Version,
		})
	}
	return doc, ok
}

func (s *Service) CreateContext(ctx context.Context, in contextstore.CreateInput) (domain.Context, error) {
	doc, err := s.contexts.Create(in)
	if err != nil {
		return domain.Context{}, err
	}
	s.audit.Emit(ctx, domain.EventContextCreated, in.Owner, doc.Metadata.ID, "create", map[string]any{
		"context_type": string(doc.Metadata.Type),
		"access_level": string(doc.Metadata.AccessLevel),
	})
	return doc, nil
}

func (s *Service) UpdateContext(ctx context.Context, requester, id string, patch map[string]any) (domain.Context, bool) {
	doc, ok := s.contexts.Update(ctx, id, requester, patch)
	if !ok {
		return domain.Context{}, false
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	s.audit.Emit(ctx, domain.EventContextUpdated, requester, id, "update", map[string]any{
		"version": doc.Metadata.Version,
		"keys":    keys,
	})
	return doc, true
}

// ShareContext lets the owner or a reader of the context grant read access
// to agents.
func (s *Service) ShareContext(ctx context.Context, actor, id string, agents []string, level string) error {
	owner, ok := s.contexts.Owner(id)
	if !ok {
		return domain.NotFound("context", id)
	}
	if owner != actor {
		if _, ok := s.contexts.Get(id, actor); !ok {
			return domain.NotFound("context", id)
		}
	}
	if !s.contexts.Share(id, agents, level) {
		return domain.NotFound("context", id)
	}
	s.audit.Emit(ctx, domain.EventContextShared, actor, id, "share", map[string]any{
		"agents": agents,
		"level":  level,
	})
	return nil
}

// DeleteContext removes a context. Only its owner may delete it.
func (s *Service) DeleteContext(ctx context.Context, actor, id string) bool {
	if owner, ok := s.contexts.Owner(id); !ok || owner != actor {
		return false
	}
	if !s.contexts.Delete(id) {
		return false
	}
	s.audit.Emit(ctx, domain.EventContextDeleted, actor, id, "delete", nil)
	return true
}

// ContextUpdated sends a state_sync to every subscriber other than the
// updater.
func (s *Service) ContextUpdated(ctx context.Context, contextID, updater string, version int, subscribers []string) {
	var to []string
	for _, sub := range subscribers {
		if sub != updater {
			to = append(to, sub)
		}
	}
	if len(to) == 0 {
		return
	}
	s.send(ctx, protocol.StateSync(s.cfg.AgentName, domain.To(to...), "Context updated: "+contextID, map[string]any{
		"context_id": contextID,
		"version":    version,
		"updated_by": updater,
	}))
}

// CreateConflict records a conflict. With notify set the involved agents get
// a conflict_notification.
func (s *Service) CreateConflict(ctx context.Context, actor string, in conflict.CreateInput, notify bool) (domain.Conflict, error) {
	c, err := s.conflicts.Create(in)
	if err != nil {
		return domain.Conflict{}, err
	}
	s.audit.Emit(ctx, domain.EventConflictCreated, actor, c.ID, "create", map[string]any{
		"conflict_type": string(c.Type),
		"topic":         c.Topic,
		"agents":        c.AgentsInvolved,
		"options":       len(c.Options),
	})
	if notify && len(c.AgentsInvolved) > 0 {
		s.send(ctx, protocol.ConflictNotification(s.cfg.AgentName, domain.To(c.AgentsInvolved...), c))
	}
	return c, nil
}

func (s *Service) Vote(conflictID, agent, optionID string) error {
	if _, ok := s.conflicts.Get(conflictID); !ok {
		return domain.NotFound("conflict", conflictID)
	}
	if !s.conflicts.Vote(conflictID, agent, optionID) {
		return domain.NotFound("option", optionID)
	}
	return nil
}

// Decision is the outcome of Decide.
type Decision struct {
	ConflictID string                    `json:"conflict_id"`
	Strategy   domain.ResolutionStrategy `json:"strategy"`
	Resolved   bool                      `json:"resolved"`
	OptionID   string                    `json:"resolution,omitempty"`
	ContextID  string                    `json:"context_id,omitempty"`
	Escalated  bool                      `json:"escalated"`
}

// DecisionContextID names the decision context written for a conflict.
func DecisionContextID(conflictID string) string {
	return "decision:" + conflictID
}

// Decide resolves a conflict. A winner is written to the public decision
// context and announced to the agents involved; no winner escalates.
func (s *Service) Decide(ctx context.Context, actor, conflictID string, strategy domain.ResolutionStrategy) (Decision, error) {
	if strategy == "" {
		strategy = domain.StrategyMajorityVote
	}
	out := Decision{ConflictID: conflictID, Strategy: strategy}
	winner, ok, err := s.conflicts.Resolve(ctx, conflictID, strategy)
	if err != nil {
		return out, err
	}
	if !ok {
		if strategy != domain.StrategyEscalate {
			if err := s.conflicts.Escalate(ctx, conflictID, fmt.Sprintf("no option satisfies %s", strategy)); err != nil {
				return out, err
			}
		}
		out.Escalated = true
		return out, nil
	}

	c, _ := s.conflicts.Get(conflictID)
	out.Resolved = true
	out.OptionID = winner
	out.ContextID = DecisionContextID(conflictID)

	data := map[string]any{
		"conflict_id": c.ID,
		"topic":       c.Topic,
		"strategy":    string(strategy),
		"resolution":  winner,
		"agents":      append([]string(nil), c.AgentsInvolved...),
		"decided_by":  actor,
	}
	if opt := c.Option(winner); opt != nil {
		data["description"] = opt.Description
		data["rationale"] = opt.Rationale
	}
	if c.ResolvedAt != nil {
		data["resolved_at"] = c.ResolvedAt.Format(time.RFC3339Nano)
	}
	if err := s.writeDecision(ctx, out.ContextID, data); err != nil {
		return out, err
	}

	s.audit.Emit(ctx, domain.EventConflictResolved, actor, conflictID, "resolve", map[string]any{
		"strategy":   string(strategy),
		"resolution": winner,
	})
	s.audit.Emit(ctx, domain.EventDecisionMade, s.cfg.AgentName, out.ContextID, "decide", map[string]any{
		"conflict_id": conflictID,
		"resolution":  winner,
	})
	if len(c.AgentsInvolved) > 0 {
		s.send(ctx, protocol.StateSync(s.cfg.AgentName, domain.To(c.AgentsInvolved...), "Decision: "+c.Topic, map[string]any{
			"conflict_id": conflictID,
			"resolution":  winner,
			"context_id":  out.ContextID,
		}))
	}
	return out, nil
}

// writeDecision creates the decision context, or updates it when a conflict
// is resolved again.
func (s *Service) writeDecision(ctx context.Context, id string, data map[string]any) error {
	_, err := s.CreateContext(ctx, contextstore.CreateInput{
		ID:          id,
		Type:        domain.ContextDecision,
		Owner:       s.cfg.AgentName,
		Data:        data,
		AccessLevel: domain.AccessPublic,
		Tags:        []string{"decision"},
	})
	if errors.Is(err, domain.ErrDuplicateEntity) {
		if _, ok := s.UpdateContext(ctx, s.cfg.AgentName, id, data); !ok {
			return fmt.Errorf("update decision context %s: not writable", id)
		}
		return nil
	}
	return err
}

func (s *Service) EscalateConflict(ctx context.Context, conflictID, reason string) error {
	return s.conflicts.Escalate(ctx, conflictID, reason)
}

func (s *Service) conflictEscalated(ctx context.Context, c domain.Conflict) {
	s.audit.Record(ctx, domain.AuditEvent{
		Type:    domain.EventConflictEscalated,
		Agent:   s.cfg.AgentName,
		Subject: c.ID,
		Action:  "escalate",
		Details: map[string]any{"reason": c.EscalationReason, "topic": c.Topic},
		Status:  audit.StatusPending,
	})
	if len(c.AgentsInvolved) > 0 {
		s.send(ctx, protocol.StateSync(s.cfg.AgentName, domain.To(c.AgentsInvolved...), "Escalated: "+c.Topic, map[string]any{
			"conflict_id": c.ID,
			"reason":      c.EscalationReason,
		}))
	}
}

// Snapshot summarizes the coordinator state.
type Snapshot struct {
	Agent         string                        `json:"agent"`
	BusConnected  bool                          `json:"bus_connected"`
	TasksByStatus map[domain.TaskStatus]int     `json:"tasks_by_status"`
	ReadyTasks    []string                      `json:"ready_tasks"`
	Contexts      contextstore.Stats            `json:"contexts"`
	Conflicts     map[domain.ConflictStatus]int `json:"conflicts_by_status"`
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Agent:         s.cfg.AgentName,
		BusConnected:  s.bus.Connected(),
		TasksByStatus: map[domain.TaskStatus]int{},
		ReadyTasks:    []string{},
		Contexts:      s.contexts.Stats(),
		Conflicts:     map[domain.ConflictStatus]int{},
	}
	for _, t := range s.graph.Tasks() {
		snap.TasksByStatus[t.Status]++
	}
	for _, t := range s.graph.ReadyTasks() {
		snap.ReadyTasks = append(snap.ReadyTasks, t.ID)
	}
	for _, c := range s.conflicts.List() {
		snap.Conflicts[c.Status]++
	}
	return snap
}
