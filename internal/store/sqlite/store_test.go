package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"agentcoord/internal/domain"
)

func newMessage(to string) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		From:      "planner",
		To:        domain.To(to),
		Kind:      domain.KindTaskRequest,
		Subject:   "New task: t-1",
		Payload:   map[string]any{"task_id": "t-1"},
		Priority:  domain.PriorityHigh,
		CreatedAt: time.Now().UTC(),
		Status:    domain.MessageStatusPending,
	}
}

func TestMessageQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	first := newMessage("coder")
	second := newMessage("coder")
	other := newMessage("reviewer")
	for _, m := range []domain.Message{first, second} {
		if ok, err := store.EnqueueMessage(ctx, "agents:coder", m); err != nil || !ok {
			t.Fatalf("enqueue message: ok=%v err=%v", ok, err)
		}
	}
	if _, err := store.EnqueueMessage(ctx, "agents:reviewer", other); err != nil {
		t.Fatalf("enqueue other message: %v", err)
	}
	ok, err := store.EnqueueMessage(ctx, "agents:coder", first)
	if err != nil {
		t.Fatalf("re-enqueue message: %v", err)
	}
	if ok {
		t.Fatalf("expected duplicate id to be ignored")
	}

	pending, err := store.ListDispatchableMessages(ctx, []string{"agents:coder"}, 10)
	if err != nil {
		t.Fatalf("list dispatchable: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("unexpected pending count=%d want=2", len(pending))
	}
	if pending[0].Message.ID != first.ID || pending[1].Message.ID != second.ID {
		t.Fatalf("dispatch order must follow publish order")
	}
	if pending[0].Message.Payload["task_id"] != "t-1" {
		t.Fatalf("payload lost in storage: %#v", pending[0].Message.Payload)
	}

	if err := store.MarkMessageDelivered(ctx, first.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	pending, err = store.ListDispatchableMessages(ctx, []string{"agents:coder", "agents:reviewer"}, 10)
	if err != nil {
		t.Fatalf("list dispatchable after delivery: %v", err)
	}
	if len(pending) != 2 || pending[0].Message.ID != second.ID {
		t.Fatalf("unexpected pending after delivery: %+v", pending)
	}

	recent, err := store.ListChannelMessages(ctx, "agents:coder", 10)
	if err != nil {
		t.Fatalf("list channel messages: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != second.ID {
		t.Fatalf("channel history must be most recent first")
	}
	if recent[1].Status != domain.MessageStatusDelivered {
		t.Fatalf("unexpected status=%s want=delivered", recent[1].Status)
	}

	if err := store.AckMessage(ctx, first.ID, "ok"); err != nil {
		t.Fatalf("ack message: %v", err)
	}
	if err := store.AckMessage(ctx, first.ID, "ok"); err != nil {
		t.Fatalf("repeat ack must be tolerated: %v", err)
	}
	acked, err := store.MessageAcked(ctx, first.ID)
	if err != nil || !acked {
		t.Fatalf("expected ack recorded: acked=%v err=%v", acked, err)
	}
	if err := store.AckMessage(ctx, "missing", "ok"); !errors.Is(err, domain.ErrUnknownEntity) {
		t.Fatalf("expected unknown entity for missing message, got %v", err)
	}

	counts, err := store.MessageCounts(ctx)
	if err != nil {
		t.Fatalf("message counts: %v", err)
	}
	if counts[domain.MessageStatusProcessed] != 1 || counts[domain.MessageStatusPending] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	pruned, err := store.PruneMessages(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune messages: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("unexpected pruned=%d want=1", pruned)
	}
}

func TestAuditEventsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	dur := 12.5
	events := []domain.AuditEvent{
		{ID: uuid.NewString(), Type: domain.EventContextCreated, Agent: "pm", Subject: "ctx-1", Action: "create", Status: "success", Details: map[string]any{"type": "project"}},
		{ID: uuid.NewString(), Type: domain.EventContextShared, Agent: "pm", Subject: "ctx-1", Action: "share", Status: "success", DurationMS: &dur},
		{ID: uuid.NewString(), Type: domain.EventTaskCreated, Agent: "dev", Subject: "t-1", Action: "create", Status: "success"},
	}
	for _, e := range events {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("record audit event: %v", err)
		}
	}

	got, err := store.ListAuditEvents(ctx, AuditQuery{Subject: "ctx-1"})
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected event count=%d want=2", len(got))
	}
	if got[0].Type != domain.EventContextCreated || got[0].Details["type"] != "project" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].DurationMS == nil || *got[1].DurationMS != dur {
		t.Fatalf("duration lost: %+v", got[1])
	}

	byAgent, err := store.ListAuditEvents(ctx, AuditQuery{Agent: "dev", Type: domain.EventTaskCreated})
	if err != nil {
		t.Fatalf("list audit events by agent: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].Subject != "t-1" {
		t.Fatalf("unexpected agent events: %+v", byAgent)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
