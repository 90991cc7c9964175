package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"agentcoord/internal/audit"
	"agentcoord/internal/domain"
	"agentcoord/internal/protocol"

	"github.com/google/uuid"
)

const DefaultFetchCount = 10

// Bus routes messages to per-agent channels over a Backend. It adds
// validation, recipient expansion and connection state; ordering and
// delivery guarantees are whatever the backend provides.
type Bus struct {
	backend Backend
	logger  *log.Logger

	mu        sync.RWMutex
	connected bool
	recorder  *audit.Recorder
	// subscribed maps agents with a live handler to their registration.
	subscribed map[string]uint64
	nextSub    uint64

	now func() time.Time
}

func New(backend Backend, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		backend:    backend,
		logger:     logger,
		subscribed: make(map[string]uint64),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder enables message_sent and message_failed audit events.
func (b *Bus) SetRecorder(r *audit.Recorder) {
	b.mu.Lock()
	b.recorder = r
	b.mu.Unlock()
}

func (b *Bus) Backend() Backend {
	return b.backend
}

func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if err := b.backend.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus backend: %w", err)
	}
	b.connected = true
	return nil
}

func (b *Bus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	b.subscribed = make(map[string]uint64)
	if err := b.backend.Disconnect(); err != nil {
		return fmt.Errorf("disconnect bus backend: %w", err)
	}
	return nil
}

func (b *Bus) ready() (*audit.Recorder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, fmt.Errorf("%w: bus is not connected", domain.ErrTransportUnavailable)
	}
	return b.recorder, nil
}

// Send validates msg and publishes it to its recipient's channel. A message
// with several recipients is broadcast and the first delivery id returned.
func (b *Bus) Send(ctx context.Context, msg domain.Message) (string, error) {
	if len(msg.To) > 1 {
		ids, err := b.Broadcast(ctx, msg)
		if len(ids) == 0 {
			return "", err
		}
		return ids[0], err
	}
	recorder, err := b.ready()
	if err != nil {
		return "", err
	}
	if err := protocol.ValidateErr(msg, b.now()); err != nil {
		return "", err
	}
	return b.publish(ctx, recorder, msg)
}

// Broadcast publishes one copy of msg per recipient. Each copy gets a fresh id
// so acknowledgment is independent per recipient.
func (b *Bus) Broadcast(ctx context.Context, msg domain.Message) ([]string, error) {
	recorder, err := b.ready()
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateErr(msg, b.now()); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(msg.To))
	var errs []error
	for _, recipient := range msg.To {
		copyMsg := msg
		copyMsg.ID = uuid.NewString()
		copyMsg.To = domain.To(recipient)
		copyMsg.Payload = domain.CloneMap(msg.Payload)
		copyMsg.Context = domain.CloneMap(msg.Context)
		id, err := b.publish(ctx, recorder, copyMsg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

func (b *Bus) publish(ctx context.Context, recorder *audit.Recorder, msg domain.Message) (string, error) {
	channel := ChannelFor(msg.To[0])
	id, err := b.backend.Publish(ctx, channel, msg)
	if err != nil {
		b.logger.Printf("bus publish failed id=%s channel=%s err=%v", msg.ID, channel, err)
		if recorder != nil {
			recorder.Failed(ctx, domain.EventMessageFailed, msg.From, msg.ID, "publish", err)
		}
		return "", fmt.Errorf("publish message %s: %w", msg.ID, err)
	}
	if recorder != nil {
		recorder.Emit(ctx, domain.EventMessageSent, msg.From, msg.ID, "publish", map[string]any{
			"to":      msg.To.String(),
			"kind":    string(msg.Kind),
			"subject": msg.Subject,
		})
	}
	return id, nil
}

// Subscribe registers handler for messages delivered to agent. An agent has at
// most one handler per bus; a second Subscribe fails with ErrDuplicateEntity
// until the first is removed with Unsubscribe.
func (b *Bus) Subscribe(ctx context.Context, agent string, handler Handler) error {
	if strings.TrimSpace(agent) == "" {
		return domain.Invalid("subscription", "", "agent name is required")
	}
	if _, err := b.ready(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.subscribed[agent]; ok {
		b.mu.Unlock()
		return domain.Duplicate("subscription", agent)
	}
	b.nextSub++
	token := b.nextSub
	b.subscribed[agent] = token
	b.mu.Unlock()

	if err := b.backend.Subscribe(ctx, ChannelFor(agent), handler); err != nil {
		b.release(agent, token)
		return fmt.Errorf("subscribe %s: %w", agent, err)
	}
	// Backends drop the handler when ctx ends; free the name with it.
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			b.release(agent, token)
		}()
	}
	return nil
}

func (b *Bus) release(agent string, token uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed[agent] == token {
		delete(b.subscribed, agent)
	}
}

// Subscribed reports whether agent has a live handler on this bus.
func (b *Bus) Subscribed(agent string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscribed[agent]
	return ok
}

func (b *Bus) Unsubscribe(agent string) error {
	if _, err := b.ready(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.subscribed, agent)
	b.mu.Unlock()
	if err := b.backend.Unsubscribe(ChannelFor(agent)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", agent, err)
	}
	return nil
}

// Fetch polls up to count messages from agent's channel in backend order.
func (b *Bus) Fetch(ctx context.Context, agent string, count int) ([]domain.Message, error) {
	if count <= 0 {
		count = DefaultFetchCount
	}
	if _, err := b.ready(); err != nil {
		return nil, err
	}
	msgs, err := b.backend.Fetch(ctx, ChannelFor(agent), count)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", agent, err)
	}
	return msgs, nil
}

func (b *Bus) Acknowledge(ctx context.Context, messageID string) error {
	if _, err := b.ready(); err != nil {
		return err
	}
	if err := b.backend.Acknowledge(ctx, messageID); err != nil {
		return fmt.Errorf("acknowledge %s: %w", messageID, err)
	}
	return nil
}
