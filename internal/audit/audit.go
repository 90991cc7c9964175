package audit

import (
	"context"
	"errors"
	"log"
	"time"

	"agentcoord/internal/domain"

	"github.com/google/uuid"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPending = "pending"
)

// Sink stores audit events.
type Sink interface {
	Record(ctx context.Context, event domain.AuditEvent) error
}

// Multi fans one event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event domain.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder builds events for a sink. Sink failures are logged, never returned.
type Recorder struct {
	sink   Sink
	logger *log.Logger
	now    func() time.Time
}

func NewRecorder(sink Sink, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{
		sink:   sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Recorder) Emit(ctx context.Context, typ domain.AuditEventType, agent, subject, action string, details map[string]any) domain.AuditEvent {
	return r.Record(ctx, domain.AuditEvent{
		Type:    typ,
		Agent:   agent,
		Subject: subject,
		Action:  action,
		Details: details,
	})
}

// Failed records a failure event carrying err in its details.
func (r *Recorder) Failed(ctx context.Context, typ domain.AuditEventType, agent, subject, action string, err error) domain.AuditEvent {
	return r.Record(ctx, domain.AuditEvent{
		Type:    typ,
		Agent:   agent,
		Subject: subject,
		Action:  action,
		Details: map[string]any{"error": err.Error()},
		Status:  StatusFailure,
	})
}

// Record fills id, timestamp and status when absent and hands the event to
// the sink.
func (r *Recorder) Record(ctx context.Context, event domain.AuditEvent) domain.AuditEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}
	if r.sink == nil {
		return event
	}
	if err := r.sink.Record(ctx, event); err != nil {
		r.logger.Printf("audit record failed type=%s subject=%s err=%v", event.Type, event.Subject, err)
	}
	return event
}
