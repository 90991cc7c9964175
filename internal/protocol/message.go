package protocol

import (
	"time"

	"agentcoord/internal/domain"

	"github.com/google/uuid"
)

var now = func() time.Time { return time.Now().UTC() }

// NewMessage builds a pending, normal priority message with a fresh id.
func NewMessage(from string, to domain.Recipients, kind domain.MessageKind, subject string, payload map[string]any) domain.Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return domain.Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Kind:      kind,
		Subject:   subject,
		Payload:   payload,
		Priority:  domain.PriorityNormal,
		CreatedAt: now(),
		Status:    domain.MessageStatusPending,
	}
}

// WithDefaults fills id, timestamp, status and priority when absent.
func WithDefaults(msg domain.Message) domain.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	if msg.Status == "" {
		msg.Status = domain.MessageStatusPending
	}
	if msg.Priority == "" {
		msg.Priority = domain.PriorityNormal
	}
	return msg
}

func TaskRequest(from, to, taskID, description, deadline string, priority domain.Priority) domain.Message {
	if priority == "" {
		priority = domain.PriorityNormal
	}
	payload := map[string]any{
		"task_id":     taskID,
		"description": description,
		"priority":    string(priority),
	}
	if deadline != "" {
		payload["deadline"] = deadline
	}
	msg := NewMessage(from, domain.To(to), domain.KindTaskRequest, "New task: "+taskID, payload)
	msg.Priority = domain.PriorityHigh
	return msg
}

func TaskUpdate(from, to, taskID string, status domain.TaskStatus, note string) domain.Message {
	payload := map[string]any{"task_id": taskID, "status": string(status)}
	if note != "" {
		payload["note"] = note
	}
	return NewMessage(from, domain.To(to), domain.KindTaskUpdate, "Task update: "+taskID, payload)
}

func TaskComplete(from, to, taskID string, result map[string]any) domain.Message {
	return NewMessage(from, domain.To(to), domain.KindTaskComplete, "Task completed: "+taskID, map[string]any{
		"task_id":      taskID,
		"result":       result,
		"completed_at": now().Format(time.RFC3339Nano),
	})
}

func TaskFailed(from, to, taskID, reason string) domain.Message {
	msg := NewMessage(from, domain.To(to), domain.KindTaskFailed, "Task failed: "+taskID, map[string]any{
		"task_id": taskID,
		"result":  map[string]any{"error": reason},
	})
	msg.Priority = domain.PriorityHigh
	return msg
}

func FeedbackRequest(from string, to domain.Recipients, topic string, options map[string]any) domain.Message {
	if options == nil {
		options = map[string]any{}
	}
	msg := NewMessage(from, to, domain.KindRequestFeedback, "Feedback needed on: "+topic, map[string]any{
		"topic":        topic,
		"options":      options,
		"requested_at": now().Format(time.RFC3339Nano),
	})
	msg.Priority = domain.PriorityHigh
	return msg
}

func ProvideFeedback(from, to, conflictID, optionID, comment string) domain.Message {
	payload := map[string]any{"conflict_id": conflictID, "option_id": optionID}
	if comment != "" {
		payload["comment"] = comment
	}
	return NewMessage(from, domain.To(to), domain.KindProvideFeedback, conflictID, payload)
}

// ConflictNotification announces a new conflict. Options are encoded in
// insertion order.
func ConflictNotification(from string, to domain.Recipients, conflict domain.Conflict) domain.Message {
	options := make([]any, 0, len(conflict.Options))
	for _, opt := range conflict.Options {
		options = append(options, map[string]any{
			"option_id":   opt.ID,
			"proposed_by": opt.ProposedBy,
			"description": opt.Description,
			"rationale":   opt.Rationale,
		})
	}
	agents := make([]any, 0, len(conflict.AgentsInvolved))
	for _, a := range conflict.AgentsInvolved {
		agents = append(agents, a)
	}
	msg := NewMessage(from, to, domain.KindConflictNotification, conflict.ID, map[string]any{
		"conflict_id":   conflict.ID,
		"conflict_type": string(conflict.Type),
		"topic":         conflict.Topic,
		"agents":        agents,
		"options":       options,
	})
	msg.Priority = domain.PriorityHigh
	return msg
}

func DecisionNeeded(from, to, conflictID string, strategy domain.ResolutionStrategy) domain.Message {
	payload := map[string]any{"conflict_id": conflictID}
	if strategy != "" {
		payload["strategy"] = string(strategy)
	}
	msg := NewMessage(from, domain.To(to), domain.KindDecisionNeeded, conflictID, payload)
	msg.Priority = domain.PriorityHigh
	return msg
}

func StateSync(from string, to domain.Recipients, subject string, state map[string]any) domain.Message {
	return NewMessage(from, to, domain.KindStateSync, subject, state)
}

// Ack answers original with an ack, or a nack carrying reason when reason is set.
func Ack(from string, original domain.Message, reason string) domain.Message {
	kind := domain.KindAck
	payload := map[string]any{"message_id": original.ID}
	if reason != "" {
		kind = domain.KindNack
		payload["error"] = reason
	}
	msg := NewMessage(from, domain.To(original.From), kind, original.Subject, payload)
	msg.ReplyTo = original.ID
	return msg
}

// Reply addresses a response to the sender of original, keeping its subject.
func Reply(from string, original domain.Message, kind domain.MessageKind, payload map[string]any) domain.Message {
	msg := NewMessage(from, domain.To(original.From), kind, original.Subject, payload)
	msg.ReplyTo = original.ID
	return msg
}
