package redisbus

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"agentcoord/internal/domain"
	"agentcoord/internal/messaging"
	"agentcoord/internal/protocol"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*messaging.Bus, *Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := log.New(io.Discard, "", 0)
	backend := New("redis://"+mr.Addr()+"/0", logger)
	bus := messaging.New(backend, logger)
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })
	return bus, backend, mr
}

func TestPublishKeepsCappedHistory(t *testing.T) {
	bus, _, mr := newTestBus(t)
	ctx := context.Background()

	for _, subject := range []string{"first", "second"} {
		_, err := bus.Send(ctx, protocol.NewMessage("pm", domain.To("dev"), domain.KindStateSync, subject, nil))
		require.NoError(t, err)
	}
	inbox, err := bus.Fetch(ctx, "dev", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "second", inbox[0].Subject)

	stored, err := mr.List("messages:agents:dev")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestAcknowledgeAddsToSet(t *testing.T) {
	bus, backend, mr := newTestBus(t)
	ctx := context.Background()
	id, err := bus.Send(ctx, protocol.TaskComplete("dev", "pm", "t-1", nil))
	require.NoError(t, err)
	require.NoError(t, bus.Acknowledge(ctx, id))

	ok, err := backend.Acknowledged(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	members, err := mr.Members("acknowledged_messages")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)
}

func TestSubscribeReceivesPublished(t *testing.T) {
	bus, _, _ := newTestBus(t)
	ctx := context.Background()
	got := make(chan domain.Message, 1)
	require.NoError(t, bus.Subscribe(ctx, "dev", func(_ context.Context, m domain.Message) { got <- m }))

	sent := protocol.TaskRequest("pm", "dev", "t-7", "wire it", "", domain.PriorityCritical)
	_, err := bus.Send(ctx, sent)
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, sent.ID, m.ID)
		assert.Equal(t, "t-7", m.Payload["task_id"])
		assert.Equal(t, domain.MessageStatusDelivered, m.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not receive message")
	}
	require.NoError(t, bus.Unsubscribe("dev"))
}

func TestConnectFailureIsTransportError(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	backend := New("redis://"+addr+"/0", log.New(io.Discard, "", 0))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := backend.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransportUnavailable))

	_, err = backend.Publish(ctx, "agents:x", protocol.NewMessage("a", domain.To("x"), domain.KindAck, "s", nil))
	assert.True(t, errors.Is(err, domain.ErrTransportUnavailable))
}
