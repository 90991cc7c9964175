package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type MessageKind string

const (
	KindTaskRequest          MessageKind = "task_request"
	KindTaskUpdate           MessageKind = "task_update"
	KindTaskComplete         MessageKind = "task_complete"
	KindTaskFailed           MessageKind = "task_failed"
	KindDependencyCheck      MessageKind = "dependency_check"
	KindContextShare         MessageKind = "context_share"
	KindStateSync            MessageKind = "state_sync"
	KindRequestFeedback      MessageKind = "request_feedback"
	KindProvideFeedback      MessageKind = "provide_feedback"
	KindConflictNotification MessageKind = "conflict_notification"
	KindDecisionNeeded       MessageKind = "decision_needed"
	KindAck                  MessageKind = "ack"
	KindNack                 MessageKind = "nack"
)

var messageKinds = map[MessageKind]struct{}{
	KindTaskRequest: {}, KindTaskUpdate: {}, KindTaskComplete: {}, KindTaskFailed: {},
	KindDependencyCheck: {}, KindContextShare: {}, KindStateSync: {},
	KindRequestFeedback: {}, KindProvideFeedback: {}, KindConflictNotification: {},
	KindDecisionNeeded: {}, KindAck: {}, KindNack: {},
}

func (k MessageKind) Valid() bool {
	_, ok := messageKinds[k]
	return ok
}

// Priority orders critical < high < normal < low.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns 0 for critical through 3 for low, and -1 for unknown values.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return -1
	}
}

func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusProcessed MessageStatus = "processed"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusExpired   MessageStatus = "expired"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusPending, MessageStatusDelivered, MessageStatusProcessed,
		MessageStatusFailed, MessageStatusExpired:
		return true
	}
	return false
}

// Recipients is one agent name or a set of names. It encodes as a bare
// string when it holds exactly one name.
type Recipients []string

func To(names ...string) Recipients {
	return Recipients(names)
}

func (r Recipients) Single() bool {
	return len(r) == 1
}

func (r Recipients) String() string {
	return strings.Join(r, ",")
}

func (r Recipients) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

func (r *Recipients) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = Recipients{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("recipients must be a string or a list of strings: %w", err)
	}
	*r = Recipients(many)
	return nil
}

// Message is immutable after construction except for Status.
type Message struct {
	ID         string         `json:"id"`
	From       string         `json:"from"`
	To         Recipients     `json:"to"`
	Kind       MessageKind    `json:"kind"`
	Subject    string         `json:"subject"`
	Payload    map[string]any `json:"data"`
	Priority   Priority       `json:"priority"`
	CreatedAt  time.Time      `json:"timestamp"`
	Status     MessageStatus  `json:"status"`
	ReplyTo    string         `json:"reply_to,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Signature  string         `json:"signature,omitempty"`
	TTLSeconds *int           `json:"ttl,omitempty"`
}

func (m Message) IsExpired(now time.Time) bool {
	if m.TTLSeconds == nil {
		return false
	}
	return now.Sub(m.CreatedAt) > time.Duration(*m.TTLSeconds)*time.Second
}

func (m Message) IsCritical() bool {
	return m.Priority == PriorityCritical
}

type Response struct {
	MessageID string         `json:"message_id"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data"`
	Error     string         `json:"error,omitempty"`
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusBlocked:
		return true
	}
	return false
}

// DefaultTaskPriority is applied by callers when a request carries no priority.
const DefaultTaskPriority = 2

type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Assignee    string         `json:"assignee"`
	Status      TaskStatus     `json:"status"`
	Priority    int            `json:"priority"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type DependencyKind string

const (
	DependencyBlocks   DependencyKind = "blocks"
	DependencyTriggers DependencyKind = "triggers"
	DependencyPrecedes DependencyKind = "precedes"
)

func (k DependencyKind) Valid() bool {
	return k == DependencyBlocks || k == DependencyTriggers || k == DependencyPrecedes
}

type Dependency struct {
	DependentID string         `json:"dependent_task_id"`
	BlockingID  string         `json:"blocking_task_id"`
	Kind        DependencyKind `json:"kind"`
	CreatedAt   time.Time      `json:"created_at"`
}

type ContextType string

const (
	ContextProject   ContextType = "project"
	ContextSprint    ContextType = "sprint"
	ContextTask      ContextType = "task"
	ContextDecision  ContextType = "decision"
	ContextKnowledge ContextType = "knowledge"
	ContextWorkflow  ContextType = "workflow"
)

func (t ContextType) Valid() bool {
	switch t {
	case ContextProject, ContextSprint, ContextTask, ContextDecision, ContextKnowledge, ContextWorkflow:
		return true
	}
	return false
}

type AccessLevel string

const (
	AccessPublic  AccessLevel = "public"
	AccessTeam    AccessLevel = "team"
	AccessRole    AccessLevel = "role"
	AccessPrivate AccessLevel = "private"
)

func (a AccessLevel) Valid() bool {
	switch a {
	case AccessPublic, AccessTeam, AccessRole, AccessPrivate:
		return true
	}
	return false
}

type ContextMetadata struct {
	ID                string      `json:"context_id" yaml:"context_id"`
	Type              ContextType `json:"context_type" yaml:"context_type"`
	Owner             string      `json:"owner" yaml:"owner"`
	CreatedAt         time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" yaml:"updated_at"`
	AccessLevel       AccessLevel `json:"access_level" yaml:"access_level"`
	Tags              []string    `json:"tags" yaml:"tags"`
	Version           int         `json:"version" yaml:"version"`
	TTLSeconds        *int        `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	RelatedContextIDs []string    `json:"related_contexts" yaml:"related_contexts"`
}

func (m ContextMetadata) IsExpired(now time.Time) bool {
	if m.TTLSeconds == nil {
		return false
	}
	return now.Sub(m.CreatedAt) > time.Duration(*m.TTLSeconds)*time.Second
}

func (m ContextMetadata) HasTag(tags ...string) bool {
	for _, want := range tags {
		for _, have := range m.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

type Context struct {
	Metadata          ContextMetadata `json:"metadata" yaml:"metadata"`
	Data              map[string]any  `json:"data" yaml:"data"`
	AccessPermissions map[string]bool `json:"access_permissions" yaml:"access_permissions"`
}

// HasAccess applies, in order: an explicit per-agent entry, public, private
// owner-only, and deny for team and role levels.
func (c *Context) HasAccess(agent string) bool {
	if allowed, ok := c.AccessPermissions[agent]; ok {
		return allowed
	}
	switch c.Metadata.AccessLevel {
	case AccessPublic:
		return true
	case AccessPrivate:
		return agent == c.Metadata.Owner
	default:
		return false
	}
}

func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := &Context{
		Metadata:          c.Metadata,
		Data:              CloneMap(c.Data),
		AccessPermissions: make(map[string]bool, len(c.AccessPermissions)),
	}
	out.Metadata.Tags = append([]string(nil), c.Metadata.Tags...)
	out.Metadata.RelatedContextIDs = append([]string(nil), c.Metadata.RelatedContextIDs...)
	if c.Metadata.TTLSeconds != nil {
		ttl := *c.Metadata.TTLSeconds
		out.Metadata.TTLSeconds = &ttl
	}
	for k, v := range c.AccessPermissions {
		out.AccessPermissions[k] = v
	}
	return out
}

// NormalizeTags returns the tag set as a sorted list without blanks or duplicates.
func NormalizeTags(tags []string) []string {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

type ConflictType string

const (
	ConflictResource ConflictType = "resource_conflict"
	ConflictDecision ConflictType = "decision_conflict"
	ConflictPriority ConflictType = "priority_conflict"
	ConflictSchedule ConflictType = "schedule_conflict"
	ConflictDesign   ConflictType = "design_conflict"
	ConflictProcess  ConflictType = "process_conflict"
)

func (t ConflictType) Valid() bool {
	switch t {
	case ConflictResource, ConflictDecision, ConflictPriority, ConflictSchedule, ConflictDesign, ConflictProcess:
		return true
	}
	return false
}

type ResolutionStrategy string

const (
	StrategyMajorityVote  ResolutionStrategy = "majority_vote"
	StrategyPriorityBased ResolutionStrategy = "priority_based"
	StrategyEscalate      ResolutionStrategy = "escalate"
	StrategyConsensus     ResolutionStrategy = "consensus"
	StrategyTimeBased     ResolutionStrategy = "time_based"
	StrategyRandom        ResolutionStrategy = "random"
	StrategyWeightedVote  ResolutionStrategy = "weighted_vote"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyMajorityVote, StrategyPriorityBased, StrategyEscalate, StrategyConsensus,
		StrategyTimeBased, StrategyRandom, StrategyWeightedVote:
		return true
	}
	return false
}

type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "open"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictEscalated ConflictStatus = "escalated"
	ConflictAbandoned ConflictStatus = "abandoned"
)

type ConflictOption struct {
	ID          string         `json:"option_id"`
	ProposedBy  string         `json:"proposed_by"`
	Description string         `json:"description"`
	Rationale   string         `json:"rationale"`
	Data        map[string]any `json:"data,omitempty"`
	Pros        []string       `json:"pros,omitempty"`
	Cons        []string       `json:"cons,omitempty"`
	Votes       []string       `json:"votes"`
}

func (o *ConflictOption) VoteCount() int {
	return len(o.Votes)
}

func (o *ConflictOption) HasVote(agent string) bool {
	for _, v := range o.Votes {
		if v == agent {
			return true
		}
	}
	return false
}

// Conflict keeps its options in insertion order; option ids are unique.
type Conflict struct {
	ID               string           `json:"conflict_id"`
	Type             ConflictType     `json:"conflict_type"`
	AgentsInvolved   []string         `json:"agents_involved"`
	Topic            string           `json:"topic"`
	Options          []ConflictOption `json:"options"`
	Status           ConflictStatus   `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	Resolution       string           `json:"resolution,omitempty"`
	EscalationReason string           `json:"escalation_reason,omitempty"`
	Context          map[string]any   `json:"context,omitempty"`
}

func (c *Conflict) Option(id string) *ConflictOption {
	for i := range c.Options {
		if c.Options[i].ID == id {
			return &c.Options[i]
		}
	}
	return nil
}

// Vote records agent's vote for optionID. It reports false when the option
// is unknown; repeated votes for the same option are no-ops.
func (c *Conflict) Vote(agent, optionID string) bool {
	opt := c.Option(optionID)
	if opt == nil {
		return false
	}
	if !opt.HasVote(agent) {
		opt.Votes = append(opt.Votes, agent)
	}
	return true
}

// WinningOption returns the option with the most votes, ties going to the
// earliest inserted option.
func (c *Conflict) WinningOption() (string, bool) {
	if len(c.Options) == 0 {
		return "", false
	}
	best := 0
	for i := 1; i < len(c.Options); i++ {
		if c.Options[i].VoteCount() > c.Options[best].VoteCount() {
			best = i
		}
	}
	return c.Options[best].ID, true
}

func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	out := *c
	out.AgentsInvolved = append([]string(nil), c.AgentsInvolved...)
	out.Options = make([]ConflictOption, len(c.Options))
	for i, opt := range c.Options {
		opt.Votes = append([]string(nil), opt.Votes...)
		opt.Pros = append([]string(nil), opt.Pros...)
		opt.Cons = append([]string(nil), opt.Cons...)
		opt.Data = CloneMap(opt.Data)
		out.Options[i] = opt
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	out.Context = CloneMap(c.Context)
	return &out
}

type AuditEventType string

const (
	EventMessageSent       AuditEventType = "message_sent"
	EventMessageReceived   AuditEventType = "message_received"
	EventMessageFailed     AuditEventType = "message_failed"
	EventContextCreated    AuditEventType = "context_created"
	EventContextUpdated    AuditEventType = "context_updated"
	EventContextShared     AuditEventType = "context_shared"
	EventContextAccessed   AuditEventType = "context_accessed"
	EventContextDeleted    AuditEventType = "context_deleted"
	EventTaskCreated       AuditEventType = "task_created"
	EventTaskCompleted     AuditEventType = "task_completed"
	EventTaskFailed        AuditEventType = "task_failed"
	EventDependencyAdded   AuditEventType = "dependency_added"
	EventDependencyRemoved AuditEventType = "dependency_removed"
	EventConflictCreated   AuditEventType = "conflict_created"
	EventConflictResolved  AuditEventType = "conflict_resolved"
	EventConflictEscalated AuditEventType = "conflict_escalated"
	EventDecisionMade      AuditEventType = "decision_made"
	EventWorkflowStarted   AuditEventType = "workflow_started"
	EventWorkflowCompleted AuditEventType = "workflow_completed"
	EventWorkflowFailed    AuditEventType = "workflow_failed"
)

type AuditEvent struct {
	ID         string         `json:"event_id"`
	Type       AuditEventType `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Agent      string         `json:"agent"`
	Subject    string         `json:"subject"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	Status     string         `json:"status"`
	DurationMS *float64       `json:"duration_ms,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type TaskRequestPayload struct {
	TaskID       string   `json:"task_id"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description"`
	Deadline     string   `json:"deadline,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Assignee     string   `json:"assignee,omitempty"`
	TaskPriority *int     `json:"task_priority,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

type TaskCompletePayload struct {
	TaskID      string         `json:"task_id"`
	Result      map[string]any `json:"result,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

type TaskUpdatePayload struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Note   string     `json:"note,omitempty"`
}

type ContextSharePayload struct {
	ContextID string   `json:"context_id"`
	Agents    []string `json:"agents"`
	Level     string   `json:"level,omitempty"`
}

type ConflictNotificationPayload struct {
	ConflictID string           `json:"conflict_id"`
	Type       ConflictType     `json:"conflict_type"`
	Topic      string           `json:"topic"`
	Agents     []string         `json:"agents"`
	Options    []ConflictOption `json:"options"`
}

type FeedbackPayload struct {
	ConflictID string `json:"conflict_id"`
	OptionID   string `json:"option_id"`
	Comment    string `json:"comment,omitempty"`
}

type DecisionNeededPayload struct {
	ConflictID string             `json:"conflict_id"`
	Strategy   ResolutionStrategy `json:"strategy,omitempty"`
}
