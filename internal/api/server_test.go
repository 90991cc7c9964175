package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentcoord/internal/audit"
	"agentcoord/internal/coordinator"
	"agentcoord/internal/domain"
	"agentcoord/internal/messaging"
	"agentcoord/internal/messaging/inproc"
	"agentcoord/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type fixture struct {
	svc    *coordinator.Service
	events *audit.Log
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	bus := messaging.New(inproc.New(64, logger), logger)
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })

	events := audit.NewLog(0)
	recorder := audit.NewRecorder(events, logger)
	bus.SetRecorder(recorder)
	svc := coordinator.New(bus, recorder, coordinator.Config{StrictPayloads: true}, logger)

	srv := httptest.NewServer(New(svc, Options{Backend: "memory", AuditLog: events}, logger).Handler())
	t.Cleanup(srv.Close)
	return &fixture{svc: svc, events: events, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (f *fixture) decode(t *testing.T, method, path string, body any, wantCode int, out any) {
	t.Helper()
	code, data := f.do(t, method, path, body)
	require.Equal(t, wantCode, code, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)

	var health map[string]any
	f.decode(t, http.MethodGet, "/healthz", nil, http.StatusOK, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "memory", health["backend"])

	var stats struct {
		Coordinator coordinator.Snapshot `json:"coordinator"`
	}
	f.decode(t, http.MethodGet, "/stats", nil, http.StatusOK, &stats)
	assert.True(t, stats.Coordinator.BusConnected)
	assert.Equal(t, coordinator.DefaultAgentName, stats.Coordinator.Agent)
}

func TestSendAndFetchMessages(t *testing.T) {
	f := newFixture(t)

	msg := protocol.StateSync("pm", domain.To("dev"), "sprint started", map[string]any{"sprint": 4})
	var sent map[string]any
	f.decode(t, http.MethodPost, "/messages", msg, http.StatusAccepted, &sent)
	assert.Equal(t, msg.ID, sent["message_id"])

	var inbox []domain.Message
	f.decode(t, http.MethodGet, "/agents/dev/messages?limit=5", nil, http.StatusOK, &inbox)
	require.Len(t, inbox, 1)
	assert.Equal(t, domain.KindStateSync, inbox[0].Kind)
	assert.Equal(t, "pm", inbox[0].From)

	f.decode(t, http.MethodPost, "/messages/"+msg.ID+"/ack", nil, http.StatusOK, nil)
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/messages", map[string]any{
		"from": "pm",
		"to":   "dev",
		"kind": "gossip",
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTaskChainOverHTTP(t *testing.T) {
	f := newFixture(t)

	f.decode(t, http.MethodPost, "/tasks", map[string]any{
		"id": "design", "assignee": "architect", "actor": "pm", "dispatch": true,
	}, http.StatusCreated, nil)

	var build taskView
	f.decode(t, http.MethodPost, "/tasks", map[string]any{
		"id": "build", "assignee": "dev", "actor": "pm", "depends_on": []string{"design"}, "dispatch": true,
	}, http.StatusCreated, &build)
	assert.False(t, build.Ready)
	assert.Equal(t, []string{"design"}, build.Dependencies)
	assert.NotEmpty(t, build.Reason)

	code, _ := f.do(t, http.MethodPost, "/tasks", map[string]any{"id": "deploy", "depends_on": []string{"missing"}})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/tasks/design/dependencies", map[string]any{"blocking_task_id": "build"})
	assert.Equal(t, http.StatusConflict, code, "cycle")

	var ready []domain.Task
	f.decode(t, http.MethodGet, "/tasks/ready", nil, http.StatusOK, &ready)
	require.Len(t, ready, 1)
	assert.Equal(t, "design", ready[0].ID)

	f.decode(t, http.MethodPost, "/tasks/design/complete", map[string]any{"actor": "architect"}, http.StatusOK, nil)

	var devInbox []domain.Message
	f.decode(t, http.MethodGet, "/agents/dev/messages", nil, http.StatusOK, &devInbox)
	require.Len(t, devInbox, 1)
	assert.Equal(t, domain.KindTaskRequest, devInbox[0].Kind)
	assert.Equal(t, "build", devInbox[0].Payload["task_id"])

	var order map[string]json.RawMessage
	f.decode(t, http.MethodGet, "/tasks/order", nil, http.StatusOK, &order)
	assert.JSONEq(t, `["design","build"]`, string(order["order"]))
}

func TestTaskPriorityDefaultsOnlyWhenOmitted(t *testing.T) {
	f := newFixture(t)

	var plain, urgent taskView
	f.decode(t, http.MethodPost, "/tasks", map[string]any{"id": "plain"}, http.StatusCreated, &plain)
	f.decode(t, http.MethodPost, "/tasks", map[string]any{"id": "urgent", "priority": 0}, http.StatusCreated, &urgent)
	assert.Equal(t, domain.DefaultTaskPriority, plain.Priority)
	assert.Equal(t, 0, urgent.Priority)

	var ready []domain.Task
	f.decode(t, http.MethodGet, "/tasks/ready", nil, http.StatusOK, &ready)
	require.Len(t, ready, 2)
	assert.Equal(t, "urgent", ready[0].ID)

	code, _ := f.do(t, http.MethodPost, "/tasks", map[string]any{"id": "bad", "priority": -1})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestContextAccessIsHiddenAsNotFound(t *testing.T) {
	f := newFixture(t)

	f.decode(t, http.MethodPost, "/contexts", map[string]any{
		"context_id":   "roadmap",
		"context_type": "project",
		"owner":        "pm",
		"access_level": "private",
		"data":         map[string]any{"goal": "ship"},
		"tags":         []string{"planning"},
	}, http.StatusCreated, nil)

	var doc domain.Context
	f.decode(t, http.MethodGet, "/contexts/roadmap?agent=pm", nil, http.StatusOK, &doc)
	assert.Equal(t, "ship", doc.Data["goal"])

	code, _ := f.do(t, http.MethodGet, "/contexts/roadmap?agent=dev", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodPatch, "/contexts/roadmap?agent=dev", map[string]any{"goal": "stall"})
	assert.Equal(t, http.StatusNotFound, code)

	f.decode(t, http.MethodPost, "/contexts/roadmap/share", map[string]any{
		"actor": "pm", "agents": []string{"dev"},
	}, http.StatusOK, nil)
	f.decode(t, http.MethodGet, "/contexts/roadmap?agent=dev", nil, http.StatusOK, &doc)

	f.decode(t, http.MethodPatch, "/contexts/roadmap?agent=pm", map[string]any{"goal": "ship v2"}, http.StatusOK, &doc)
	assert.Equal(t, 2, doc.Metadata.Version)

	var history []domain.Context
	f.decode(t, http.MethodGet, "/contexts/roadmap/history?agent=pm", nil, http.StatusOK, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "ship", history[0].Data["goal"])

	var found []domain.Context
	f.decode(t, http.MethodGet, "/contexts?agent=dev&tag=planning", nil, http.StatusOK, &found)
	assert.Len(t, found, 1)

	var devInbox []domain.Message
	f.decode(t, http.MethodGet, "/agents/dev/messages", nil, http.StatusOK, &devInbox)
	assert.Contains(t, kindsOf(devInbox), domain.KindStateSync, "shared agents are subscribed to updates")
}

func kindsOf(msgs []domain.Message) []domain.MessageKind {
	out := make([]domain.MessageKind, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind)
	}
	return out
}

func TestContextExportYAML(t *testing.T) {
	f := newFixture(t)
	f.decode(t, http.MethodPost, "/contexts", map[string]any{
		"context_id":   "kb",
		"context_type": "knowledge",
		"owner":        "qa",
		"access_level": "public",
		"data":         map[string]any{"flaky": []string{"login"}},
		"tags":         []string{"testing", "bugs"},
	}, http.StatusCreated, nil)

	resp, err := http.Get(f.server.URL + "/contexts/kb/export?format=yaml&agent=dev")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	var out struct {
		Metadata struct {
			ID   string   `yaml:"context_id"`
			Tags []string `yaml:"tags"`
		} `yaml:"metadata"`
	}
	require.NoError(t, yaml.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "kb", out.Metadata.ID)
	assert.Equal(t, []string{"bugs", "testing"}, out.Metadata.Tags)

	code, _ := f.do(t, http.MethodGet, "/contexts/kb/export?format=xml&agent=dev", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConflictVoteAndResolve(t *testing.T) {
	f := newFixture(t)

	f.decode(t, http.MethodPost, "/conflicts", map[string]any{
		"conflict_id":   "db-choice",
		"conflict_type": "design_conflict",
		"topic":         "Primary database",
		"agents":        []string{"architect", "dev"},
		"options": []map[string]any{
			{"option_id": "postgres", "proposed_by": "architect", "description": "Postgres"},
			{"option_id": "sqlite", "proposed_by": "dev", "description": "SQLite"},
		},
	}, http.StatusCreated, nil)

	for _, agent := range []string{"architect", "dev"} {
		f.decode(t, http.MethodPost, "/conflicts/db-choice/vote", map[string]any{
			"agent": agent, "option_id": "postgres",
		}, http.StatusOK, nil)
	}
	code, _ := f.do(t, http.MethodPost, "/conflicts/db-choice/vote", map[string]any{"agent": "dev", "option_id": "mongo"})
	assert.Equal(t, http.StatusNotFound, code)

	var suggestion map[string]any
	f.decode(t, http.MethodGet, "/conflicts/db-choice/suggest", nil, http.StatusOK, &suggestion)
	assert.Equal(t, "postgres", suggestion["recommendation"])

	var decision coordinator.Decision
	f.decode(t, http.MethodPost, "/conflicts/db-choice/resolve", map[string]any{
		"actor": "pm", "strategy": "consensus",
	}, http.StatusOK, &decision)
	assert.True(t, decision.Resolved)
	assert.Equal(t, "postgres", decision.OptionID)
	assert.Equal(t, coordinator.DecisionContextID("db-choice"), decision.ContextID)

	var doc domain.Context
	f.decode(t, http.MethodGet, "/contexts/"+decision.ContextID+"?agent=anyone", nil, http.StatusOK, &doc)
	assert.Equal(t, "postgres", doc.Data["resolution"])

	var status map[string]any
	f.decode(t, http.MethodGet, "/conflicts/db-choice", nil, http.StatusOK, &status)
	assert.Equal(t, "resolved", status["status"])

	var history []map[string]any
	f.decode(t, http.MethodGet, "/conflicts/history", nil, http.StatusOK, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "db-choice", history[0]["conflict_id"])
}

func TestConflictWithoutAgreementEscalates(t *testing.T) {
	f := newFixture(t)
	f.decode(t, http.MethodPost, "/conflicts", map[string]any{
		"conflict_id":   "sprint-scope",
		"conflict_type": "priority_conflict",
		"topic":         "Sprint scope",
		"agents":        []string{"pm", "dev"},
		"options": []map[string]any{
			{"option_id": "a", "proposed_by": "pm"},
			{"option_id": "b", "proposed_by": "dev"},
		},
	}, http.StatusCreated, nil)

	var decision coordinator.Decision
	f.decode(t, http.MethodPost, "/conflicts/sprint-scope/resolve", map[string]any{"strategy": "consensus"}, http.StatusOK, &decision)
	assert.False(t, decision.Resolved)
	assert.True(t, decision.Escalated)

	var status map[string]any
	f.decode(t, http.MethodGet, "/conflicts/sprint-scope", nil, http.StatusOK, &status)
	assert.Equal(t, "escalated", status["status"])
}

func TestAuditQueries(t *testing.T) {
	f := newFixture(t)
	f.decode(t, http.MethodPost, "/tasks", map[string]any{"id": "T1", "actor": "pm"}, http.StatusCreated, nil)

	var events []domain.AuditEvent
	f.decode(t, http.MethodGet, "/audit?subject=T1", nil, http.StatusOK, &events)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventTaskCreated, events[0].Type)

	f.decode(t, http.MethodGet, "/audit?type=task_created", nil, http.StatusOK, &events)
	assert.Len(t, events, 1)

	var report map[string]any
	f.decode(t, http.MethodGet, "/audit/report?subject=T1", nil, http.StatusOK, &report)
	assert.Equal(t, "T1", report["subject"])

	code, _ := f.do(t, http.MethodGet, "/audit/report?subject=T1&from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStreamDeliversAndAcknowledges(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/agents/dev/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "subscribed", hello["event"])

	msg := protocol.StateSync("pm", domain.To("dev"), "standup", map[string]any{"at": "09:30"})
	f.decode(t, http.MethodPost, "/messages", msg, http.StatusAccepted, nil)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	got, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, domain.MessageStatusDelivered, got.Status)

	require.NoError(t, conn.WriteJSON(map[string]string{"ack": got.ID}))
	backend := f.svc.Bus().Backend().(*inproc.Backend)
	require.Eventually(t, func() bool {
		return backend.Acknowledged(got.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamRefusesCoordinatorInbox(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/agents/"+coordinator.DefaultAgentName+"/stream", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestStreamRefusesAgentWithLiveSubscriber(t *testing.T) {
	f := newFixture(t)
	bus := f.svc.Bus()
	got := make(chan domain.Message, 1)
	require.NoError(t, bus.Subscribe(context.Background(), "developer", func(_ context.Context, m domain.Message) { got <- m }))

	code, _ := f.do(t, http.MethodGet, "/agents/developer/stream", nil)
	assert.Equal(t, http.StatusConflict, code)

	_, err := bus.Send(context.Background(), protocol.StateSync("pm", domain.To("developer"), "hello", nil))
	require.NoError(t, err)
	select {
	case m := <-got:
		assert.Equal(t, "hello", m.Subject)
	case <-time.After(time.Second):
		t.Fatal("existing subscriber stopped receiving")
	}
}
