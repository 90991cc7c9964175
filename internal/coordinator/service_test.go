package coordinator

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"agentcoord/internal/audit"
	"agentcoord/internal/contextstore"
	"agentcoord/internal/domain"
	"agentcoord/internal/messaging"
	"agentcoord/internal/messaging/inproc"
	"agentcoord/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *audit.Log) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	bus := messaging.New(inproc.New(64, logger), logger)
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })

	events := audit.NewLog(0)
	recorder := audit.NewRecorder(events, logger)
	bus.SetRecorder(recorder)
	return New(bus, recorder, Config{StrictPayloads: true}, logger), events
}

func inbox(t *testing.T, s *Service, agent string) []domain.Message {
	t.Helper()
	msgs, err := s.Bus().Fetch(context.Background(), agent, 100)
	require.NoError(t, err)
	return msgs
}

func kinds(msgs []domain.Message) []domain.MessageKind {
	out := make([]domain.MessageKind, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind)
	}
	return out
}

func taskRequest(from, taskID, assignee string, dependsOn ...string) domain.Message {
	msg := protocol.TaskRequest(from, DefaultAgentName, taskID, "do "+taskID, "", "")
	msg.Payload["assignee"] = assignee
	if len(dependsOn) > 0 {
		deps := make([]any, 0, len(dependsOn))
		for _, d := range dependsOn {
			deps = append(deps, d)
		}
		msg.Payload["depends_on"] = deps
	}
	return msg
}

func TestChainDispatchesNextTaskOnCompletion(t *testing.T) {
	s, events := newTestService(t)
	ctx := context.Background()

	s.HandleMessage(ctx, taskRequest("pm", "A", "dev"))
	s.HandleMessage(ctx, taskRequest("pm", "B", "qa", "A"))
	s.HandleMessage(ctx, taskRequest("pm", "C", "dev", "B"))

	devInbox := inbox(t, s, "dev")
	require.Len(t, devInbox, 1, "only A is ready")
	assert.Equal(t, "A", devInbox[0].Payload["task_id"])
	assert.Empty(t, inbox(t, s, "qa"))
	assert.Equal(t, []string{"A"}, s.Snapshot().ReadyTasks)

	s.HandleMessage(ctx, protocol.TaskComplete("dev", DefaultAgentName, "A", map[string]any{"ok": true}))
	qaInbox := inbox(t, s, "qa")
	require.Len(t, qaInbox, 1)
	assert.Equal(t, domain.KindTaskRequest, qaInbox[0].Kind)
	assert.Equal(t, "B", qaInbox[0].Payload["task_id"])

	s.HandleMessage(ctx, protocol.TaskComplete("qa", DefaultAgentName, "B", nil))
	s.HandleMessage(ctx, protocol.TaskComplete("dev", DefaultAgentName, "C", nil))

	for _, id := range []string{"A", "B", "C"} {
		task, ok := s.Graph().Task(id)
		require.True(t, ok)
		assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	}
	assert.Len(t, events.ByType(domain.EventTaskCompleted, 0), 3)
	assert.Len(t, events.ByType(domain.EventWorkflowCompleted, 0), 1)
	// A was dispatched exactly once even though DispatchReady ran repeatedly.
	assert.Len(t, inbox(t, s, "dev"), 2)
}

func TestTaskRequestWithUnknownBlockerIsRejected(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	msg := taskRequest("pm", "B", "qa", "missing")
	s.HandleMessage(ctx, msg)

	_, ok := s.Graph().Task("B")
	assert.False(t, ok)
	replies := inbox(t, s, "pm")
	require.Len(t, replies, 1)
	assert.Equal(t, domain.KindNack, replies[0].Kind)
	assert.Equal(t, msg.ID, replies[0].ReplyTo)
}

func TestInvalidMessageIsNacked(t *testing.T) {
	s, events := newTestService(t)
	ctx := context.Background()

	msg := protocol.TaskRequest("pm", DefaultAgentName, "A", "d", "", "")
	msg.Priority = "urgent"
	s.HandleMessage(ctx, msg)

	replies := inbox(t, s, "pm")
	require.Len(t, replies, 1)
	assert.Equal(t, domain.KindNack, replies[0].Kind)
	assert.Equal(t, "invalid priority: urgent", replies[0].Payload["error"])
	assert.Len(t, events.ByType(domain.EventMessageFailed, 0), 1)
	assert.Empty(t, s.Graph().Tasks())
}

func TestStrictPayloadRejectsMalformed(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	msg := protocol.NewMessage("dev", domain.To(DefaultAgentName), domain.KindTaskUpdate, "update", map[string]any{
		"task_id": "A",
		"status":  "sleeping",
	})
	s.HandleMessage(ctx, msg)
	assert.Equal(t, []domain.MessageKind{domain.KindNack}, kinds(inbox(t, s, "dev")))
}

func TestTaskUpdateAndFailure(t *testing.T) {
	s, events := newTestService(t)
	ctx := context.Background()

	s.HandleMessage(ctx, taskRequest("pm", "A", "dev"))
	s.HandleMessage(ctx, taskRequest("pm", "B", "qa", "A"))
	s.HandleMessage(ctx, protocol.NewMessage("dev", domain.To(DefaultAgentName), domain.KindTaskUpdate, "starting A", map[string]any{
		"task_id": "A",
		"status":  "in_progress",
	}))
	task, _ := s.Graph().Task("A")
	assert.Equal(t, domain.TaskStatusInProgress, task.Status)

	s.HandleMessage(ctx, protocol.TaskFailed("dev", DefaultAgentName, "A", "compiler exploded"))
	task, _ = s.Graph().Task("A")
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	ready, reason := s.Graph().ValidateReady("B")
	assert.False(t, ready)
	assert.Contains(t, reason, "A(failed)")

	failed := events.ByType(domain.EventTaskFailed, 0)
	require.Len(t, failed, 1)
	assert.Equal(t, "compiler exploded", failed[0].Details["error"])
	assert.Len(t, events.ByType(domain.EventWorkflowFailed, 0), 1)
}

func TestTaskPriorityFromPayload(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	s.HandleMessage(ctx, taskRequest("pm", "plain", "dev"))
	urgent := taskRequest("pm", "urgent", "dev")
	urgent.Payload["task_priority"] = 0
	s.HandleMessage(ctx, urgent)

	task, ok := s.Graph().Task("urgent")
	require.True(t, ok)
	assert.Equal(t, 0, task.Priority)
	task, _ = s.Graph().Task("plain")
	assert.Equal(t, domain.DefaultTaskPriority, task.Priority, "absent priority gets the default")

	ready := s.Graph().ReadyTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, "urgent", ready[0].ID)
}

func TestResetToPendingRedispatches(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	s.HandleMessage(ctx, taskRequest("pm", "A", "dev"))
	s.HandleMessage(ctx, protocol.TaskFailed("dev", DefaultAgentName, "A", "flaky"))
	assert.Empty(t, s.DispatchReady(ctx), "failed task is not ready")

	s.HandleMessage(ctx, protocol.TaskUpdate("pm", DefaultAgentName, "A", domain.TaskStatusPending, "retry"))
	task, _ := s.Graph().Task("A")
	assert.Equal(t, domain.TaskStatusPending, task.Status)

	requests := 0
	for _, m := range inbox(t, s, "dev") {
		if m.Kind == domain.KindTaskRequest && m.Payload["task_id"] == "A" {
			requests++
		}
	}
	assert.Equal(t, 2, requests, "A is sent again after going back to pending")
	assert.Empty(t, s.DispatchReady(ctx), "and only once per reset")
}

func notification(from string, agents []string, strategyOptions ...string) domain.Message {
	c := domain.Conflict{
		ID:             "c-1",
		Type:           domain.ConflictDesign,
		AgentsInvolved: agents,
		Topic:          "database",
	}
	for _, opt := range strategyOptions {
		c.Options = append(c.Options, domain.ConflictOption{ID: opt, ProposedBy: from, Description: "use " + opt})
	}
	return protocol.ConflictNotification(from, domain.To(DefaultAgentName), c)
}

func TestDecisionWritesPublicContextAndAnnounces(t *testing.T) {
	s, events := newTestService(t)
	ctx := context.Background()

	s.HandleMessage(ctx, notification("architect", []string{"dev", "qa", "architect"}, "postgres", "sqlite"))
	s.HandleMessage(ctx, protocol.ProvideFeedback("dev", DefaultAgentName, "c-1", "sqlite", ""))
	s.HandleMessage(ctx, protocol.ProvideFeedback("qa", DefaultAgentName, "c-1", "sqlite", ""))
	s.HandleMessage(ctx, protocol.ProvideFeedback("architect", DefaultAgentName, "c-1", "postgres", "scale"))
	s.HandleMessage(ctx, protocol.DecisionNeeded("architect", DefaultAgentName, "c-1", domain.StrategyMajorityVote))

	c, ok := s.Conflicts().Get("c-1")
	require.True(t, ok)
	assert.Equal(t, domain.ConflictResolved, c.Status)
	assert.Equal(t, "sqlite", c.Resolution)

	doc, ok := s.GetContext(ctx, "someone-else", DecisionContextID("c-1"))
	require.True(t, ok, "decision contexts are public")
	assert.Equal(t, domain.ContextDecision, doc.Metadata.Type)
	assert.Equal(t, DefaultAgentName, doc.Metadata.Owner)
	assert.Equal(t, "sqlite", doc.Data["resolution"])
	assert.Equal(t, "use sqlite", doc.Data["description"])

	for _, agent := range []string{"dev", "qa", "architect"} {
		assert.Contains(t, kinds(inbox(t, s, agent)), domain.KindStateSync, agent)
	}
	assert.Len(t, events.ByType(domain.EventDecisionMade, 0), 1)
}

func TestResolvingAgainUpdatesDecisionContext(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	s.HandleMessage(ctx, notification("architect", []string{"dev"}, "a", "b"))
	require.NoError(t, s.Vote("c-1", "dev", "a"))
	_, err := s.Decide(ctx, "dev", "c-1", "")
	require.NoError(t, err)

	require.NoError(t, s.Vote("c-1", "ops", "b"))
	require.NoError(t, s.Vote("c-1", "qa", "b"))
	d, err := s.Decide(ctx, "dev", "c-1", domain.StrategyMajorityVote)
	require.NoError(t, err)
	assert.Equal(t, "b", d.OptionID)

	doc, ok := s.Contexts().Get(DecisionContextID("c-1"), "dev")
	require.True(t, ok)
	assert.Equal(t, 2, doc.Metadata.Version)
	assert.Equal(t, "b", doc.Data["resolution"])
}

func TestFailedConsensusEscalates(t *testing.T) {
	s, events := newTestService(t)
	ctx := context.Background()

	s.HandleMessage(ctx, notification("architect", []string{"dev", "qa"}, "a", "b"))
	require.NoError(t, s.Vote("c-1", "dev", "a"))
	require.NoError(t, s.Vote("c-1", "qa", "b"))

	d, err := s.Decide(ctx, "architect", "c-1", domain.StrategyConsensus)
	require.NoError(t, err)
	assert.False(t, d.Resolved)
	assert.True(t, d.Escalated)

	c, _ := s.Conflicts().Get("c-1")
	assert.Equal(t, domain.ConflictEscalated, c.Status)
	assert.Len(t, events.ByType(domain.EventConflictEscalated, 0), 1)
	_, ok := s.Contexts().Get(DecisionContextID("c-1"), "dev")
	assert.False(t, ok)
}

func TestVoteOnUnknownOptionIsNacked(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	s.HandleMessage(ctx, notification("architect", []string{"dev"}, "a"))
	s.HandleMessage(ctx, protocol.ProvideFeedback("dev", DefaultAgentName, "c-1", "zzz", ""))
	assert.Equal(t, []domain.MessageKind{domain.KindNack}, kinds(inbox(t, s, "dev")))
}

func TestContextShareAndUpdateNotifiesSubscribers(t *testing.T) {
	s, events := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateContext(ctx, contextstore.CreateInput{
		ID:    "sprint-1",
		Type:  domain.ContextSprint,
		Owner: "pm",
		Data:  map[string]any{"goal": "ship"},
	})
	require.NoError(t, err)
	_, ok := s.GetContext(ctx, "qa", "sprint-1")
	assert.False(t, ok, "team contexts need a grant")

	s.HandleMessage(ctx, protocol.NewMessage("pm", domain.To(DefaultAgentName), domain.KindContextShare, "share sprint", map[string]any{
		"context_id": "sprint-1",
		"agents":     []any{"qa"},
	}))
	_, ok = s.GetContext(ctx, "qa", "sprint-1")
	assert.True(t, ok)

	_, ok = s.UpdateContext(ctx, "pm", "sprint-1", map[string]any{"goal": "ship twice"})
	require.True(t, ok)
	qaInbox := inbox(t, s, "qa")
	require.Len(t, qaInbox, 1)
	assert.Equal(t, domain.KindStateSync, qaInbox[0].Kind)
	assert.Equal(t, "sprint-1", qaInbox[0].Payload["context_id"])
	assert.Empty(t, inbox(t, s, "pm"), "the updater is not notified")

	assert.Len(t, events.ByType(domain.EventContextShared, 0), 1)
	assert.Len(t, events.ByType(domain.EventContextUpdated, 0), 1)
	assert.False(t, s.DeleteContext(ctx, "qa", "sprint-1"), "only the owner deletes")
	assert.True(t, s.DeleteContext(ctx, "pm", "sprint-1"))
}

func TestShareByOutsiderIsRejected(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	_, err := s.CreateContext(ctx, contextstore.CreateInput{
		ID:          "secret",
		Type:        domain.ContextKnowledge,
		Owner:       "pm",
		AccessLevel: domain.AccessPrivate,
	})
	require.NoError(t, err)
	err = s.ShareContext(ctx, "intruder", "secret", []string{"intruder"}, "")
	require.ErrorIs(t, err, domain.ErrUnknownEntity)
	_, ok := s.GetContext(ctx, "intruder", "secret")
	assert.False(t, ok)
}

func TestStartSubscribesToInbox(t *testing.T) {
	s, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	_, err := s.Bus().Send(context.Background(), taskRequest("pm", "A", "dev"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := s.Graph().Task("A")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	s.Wait()
}
