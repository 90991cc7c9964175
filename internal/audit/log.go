package audit

import (
	"context"
	"sync"
	"time"

	"agentcoord/internal/domain"
)

const (
	DefaultMaxEvents  = 10000
	DefaultQueryLimit = 100
)

// Log is a bounded in-memory sink. When full it drops the oldest tenth of its
// events.
type Log struct {
	mu        sync.RWMutex
	events    []domain.AuditEvent
	bySubject map[string][]int
	max       int
}

func NewLog(maxEvents int) *Log {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Log{
		bySubject: make(map[string][]int),
		max:       maxEvents,
	}
}

func (l *Log) Record(_ context.Context, event domain.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= l.max {
		l.trimLocked()
	}
	l.events = append(l.events, event)
	l.bySubject[event.Subject] = append(l.bySubject[event.Subject], len(l.events)-1)
	return nil
}

func (l *Log) trimLocked() {
	drop := l.max / 10
	if drop == 0 {
		drop = 1
	}
	if drop > len(l.events) {
		drop = len(l.events)
	}
	l.events = append([]domain.AuditEvent(nil), l.events[drop:]...)
	l.bySubject = make(map[string][]int)
	for i, e := range l.events {
		l.bySubject[e.Subject] = append(l.bySubject[e.Subject], i)
	}
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// ForSubject returns the latest limit events about subject, oldest first.
func (l *Log) ForSubject(subject string, limit int) []domain.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := tail(l.bySubject[subject], limit)
	out := make([]domain.AuditEvent, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.events[i])
	}
	return out
}

func (l *Log) ByAgent(agent string, limit int) []domain.AuditEvent {
	return l.filter(limit, func(e domain.AuditEvent) bool { return e.Agent == agent })
}

func (l *Log) ByType(typ domain.AuditEventType, limit int) []domain.AuditEvent {
	return l.filter(limit, func(e domain.AuditEvent) bool { return e.Type == typ })
}

// Recent returns the latest limit events of any kind.
func (l *Log) Recent(limit int) []domain.AuditEvent {
	return l.filter(limit, func(domain.AuditEvent) bool { return true })
}

func (l *Log) filter(limit int, keep func(domain.AuditEvent) bool) []domain.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.AuditEvent
	for _, e := range l.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return tail(out, limit)
}

// Timeline returns events about subject within [from, to]. Zero bounds are open.
func (l *Log) Timeline(subject string, from, to time.Time) []domain.AuditEvent {
	var out []domain.AuditEvent
	for _, e := range l.ForSubject(subject, DefaultQueryLimit) {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}

type Report struct {
	Subject           string              `json:"subject"`
	TotalEvents       int                 `json:"total_events"`
	AgentsInvolved    []string            `json:"agents_involved"`
	EventTypes        map[string]int      `json:"event_types"`
	Status            map[string]int      `json:"status"`
	TotalDurationMS   float64             `json:"total_duration_ms"`
	AverageDurationMS float64             `json:"average_duration_ms"`
	Start             *time.Time          `json:"start,omitempty"`
	End               *time.Time          `json:"end,omitempty"`
	Events            []domain.AuditEvent `json:"events"`
}

func (l *Log) Report(subject string, from, to time.Time) Report {
	events := l.Timeline(subject, from, to)
	r := Report{
		Subject:        subject,
		TotalEvents:    len(events),
		AgentsInvolved: []string{},
		EventTypes:     map[string]int{},
		Status:         map[string]int{StatusSuccess: 0, StatusFailure: 0},
		Events:         events,
	}
	seen := map[string]bool{}
	for _, e := range events {
		if !seen[e.Agent] {
			seen[e.Agent] = true
			r.AgentsInvolved = append(r.AgentsInvolved, e.Agent)
		}
		r.EventTypes[string(e.Type)]++
		if _, ok := r.Status[e.Status]; ok {
			r.Status[e.Status]++
		}
		if e.DurationMS != nil {
			r.TotalDurationMS += *e.DurationMS
		}
	}
	if len(events) > 0 {
		r.AverageDurationMS = r.TotalDurationMS / float64(len(events))
		start, end := events[0].Timestamp, events[len(events)-1].Timestamp
		r.Start, r.End = &start, &end
	}
	return r
}

func tail[T any](in []T, limit int) []T {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if len(in) > limit {
		in = in[len(in)-limit:]
	}
	return append([]T(nil), in...)
}
