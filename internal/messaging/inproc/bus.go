package inproc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"agentcoord/internal/domain"
	"agentcoord/internal/messaging"
)

const (
	Name              = "memory"
	DefaultBuffer     = 64
	DefaultHistoryCap = 1000
)

var ErrChannelFull = errors.New("channel queue is full")

func init() {
	messaging.Register(Name, func(cfg messaging.BackendConfig, logger *log.Logger) (messaging.Backend, error) {
		return New(cfg.Buffer, logger), nil
	})
}

type subscription struct {
	ch   chan domain.Message
	done chan struct{}
}

// Backend delivers in process. Each subscribed channel has a buffered queue
// drained in order by one goroutine; every channel keeps a bounded history
// for Fetch.
type Backend struct {
	mu         sync.RWMutex
	connected  bool
	subs       map[string]*subscription
	history    map[string][]domain.Message
	acked      map[string]struct{}
	buffer     int
	historyCap int

	wg     sync.WaitGroup
	logger *log.Logger
}

func New(buffer int, logger *log.Logger) *Backend {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Backend{
		subs:       make(map[string]*subscription),
		history:    make(map[string][]domain.Message),
		acked:      make(map[string]struct{}),
		buffer:     buffer,
		historyCap: DefaultHistoryCap,
		logger:     logger,
	}
}

func (b *Backend) Connect(context.Context) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	for channel, sub := range b.subs {
		close(sub.done)
		delete(b.subs, channel)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Backend) Publish(_ context.Context, channel string, msg domain.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return "", fmt.Errorf("%w: memory backend is disconnected", domain.ErrTransportUnavailable)
	}

	if sub, ok := b.subs[channel]; ok {
		delivered := msg
		delivered.Status = domain.MessageStatusDelivered
		select {
		case sub.ch <- delivered:
		default:
			return "", fmt.Errorf("%w: %w: %s", domain.ErrTransportUnavailable, ErrChannelFull, channel)
		}
	}

	hist := append([]domain.Message{msg}, b.history[channel]...)
	if len(hist) > b.historyCap {
		hist = hist[:b.historyCap]
	}
	b.history[channel] = hist
	return msg.ID, nil
}

// Subscribe starts delivery on channel, replacing any previous handler.
func (b *Backend) Subscribe(ctx context.Context, channel string, handler messaging.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return fmt.Errorf("%w: memory backend is disconnected", domain.ErrTransportUnavailable)
	}
	if old, ok := b.subs[channel]; ok {
		close(old.done)
	}
	sub := &subscription{
		ch:   make(chan domain.Message, b.buffer),
		done: make(chan struct{}),
	}
	b.subs[channel] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				b.drop(channel, sub)
				return
			case msg := <-sub.ch:
				handler(ctx, msg)
			}
		}
	}()
	return nil
}

func (b *Backend) drop(channel string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.subs[channel]; ok && cur == sub {
		delete(b.subs, channel)
	}
}

func (b *Backend) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}
	delete(b.subs, channel)
	close(sub.done)
	return nil
}

// Fetch returns up to count messages from the channel history, most recent
// first.
func (b *Backend) Fetch(_ context.Context, channel string, count int) ([]domain.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, fmt.Errorf("%w: memory backend is disconnected", domain.ErrTransportUnavailable)
	}
	hist := b.history[channel]
	if count > len(hist) {
		count = len(hist)
	}
	return append([]domain.Message(nil), hist[:count]...), nil
}

func (b *Backend) Acknowledge(_ context.Context, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked[messageID] = struct{}{}
	return nil
}

func (b *Backend) Acknowledged(messageID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.acked[messageID]
	return ok
}
