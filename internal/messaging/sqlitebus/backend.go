package sqlitebus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"agentcoord/internal/domain"
	"agentcoord/internal/messaging"
	"agentcoord/internal/store/sqlite"
)

const (
	Name = "sqlite"

	DefaultPollInterval = 250 * time.Millisecond
	dispatchBatch       = 128
)

func init() {
	messaging.Register(Name, func(cfg messaging.BackendConfig, logger *log.Logger) (messaging.Backend, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: sqlite backend needs a database path", domain.ErrConfiguration)
		}
		b := New(nil, cfg.PollInterval, logger)
		b.path = cfg.URL
		return b, nil
	})
}

type subscription struct {
	ctx     context.Context
	handler messaging.Handler
}

// Backend is a durable queue over the sqlite store. Publish only enqueues; a
// dispatch loop hands pending rows on subscribed channels to their handlers
// and marks them delivered.
type Backend struct {
	path     string
	store    *sqlite.Store
	owned    bool
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	subs   map[string]subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wraps an already migrated store. A nil store is opened from the
// configured path on Connect and closed on Disconnect.
func New(store *sqlite.Store, interval time.Duration, logger *log.Logger) *Backend {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Backend{
		store:    store,
		interval: interval,
		logger:   logger,
		subs:     make(map[string]subscription),
	}
}

func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}
	if b.store == nil {
		st, err := sqlite.Open(b.path)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
		}
		b.store = st
		b.owned = true
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatchLoop(loopCtx)
	}()
	return nil
}

func (b *Backend) Disconnect() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.subs = make(map[string]subscription)
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owned {
		b.owned = false
		st := b.store
		b.store = nil
		if err := st.Close(); err != nil {
			return fmt.Errorf("close sqlite bus store: %w", err)
		}
	}
	return nil
}

func (b *Backend) conn() (*sqlite.Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil || b.store == nil {
		return nil, fmt.Errorf("%w: sqlite backend is disconnected", domain.ErrTransportUnavailable)
	}
	return b.store, nil
}

func (b *Backend) Publish(ctx context.Context, channel string, msg domain.Message) (string, error) {
	st, err := b.conn()
	if err != nil {
		return "", err
	}
	inserted, err := st.EnqueueMessage(ctx, channel, msg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	if !inserted {
		b.logger.Printf("sqlite backend ignored duplicate message id=%s channel=%s", msg.ID, channel)
	}
	return msg.ID, nil
}

func (b *Backend) Subscribe(ctx context.Context, channel string, handler messaging.Handler) error {
	if _, err := b.conn(); err != nil {
		return err
	}
	b.mu.Lock()
	b.subs[channel] = subscription{ctx: ctx, handler: handler}
	b.mu.Unlock()
	return nil
}

func (b *Backend) Unsubscribe(channel string) error {
	b.mu.Lock()
	delete(b.subs, channel)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Fetch(ctx context.Context, channel string, count int) ([]domain.Message, error) {
	st, err := b.conn()
	if err != nil {
		return nil, err
	}
	msgs, err := st.ListChannelMessages(ctx, channel, count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return msgs, nil
}

func (b *Backend) Acknowledge(ctx context.Context, messageID string) error {
	st, err := b.conn()
	if err != nil {
		return err
	}
	return st.AckMessage(ctx, messageID, "acknowledged")
}

func (b *Backend) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.DispatchOnce(ctx); err != nil {
				b.logger.Printf("sqlite dispatch loop error: %v", err)
			}
		}
	}
}

// DispatchOnce delivers every pending message on the subscribed channels in
// publish order.
func (b *Backend) DispatchOnce(ctx context.Context) error {
	b.mu.Lock()
	st := b.store
	subs := make(map[string]subscription, len(b.subs))
	channels := make([]string, 0, len(b.subs))
	for ch, sub := range b.subs {
		subs[ch] = sub
		channels = append(channels, ch)
	}
	b.mu.Unlock()
	if st == nil || len(channels) == 0 {
		return nil
	}

	pending, err := st.ListDispatchableMessages(ctx, channels, dispatchBatch)
	if err != nil {
		return err
	}
	for _, sm := range pending {
		sub, ok := subs[sm.Channel]
		if !ok {
			continue
		}
		if sub.ctx.Err() != nil {
			_ = b.Unsubscribe(sm.Channel)
			continue
		}
		msg := sm.Message
		msg.Status = domain.MessageStatusDelivered
		sub.handler(sub.ctx, msg)
		if err := st.MarkMessageDelivered(ctx, msg.ID); err != nil {
			b.logger.Printf("mark message delivered failed message=%s: %v", msg.ID, err)
		}
	}
	return nil
}
