package redisbus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"agentcoord/internal/domain"
	"agentcoord/internal/messaging"
	"agentcoord/internal/protocol"

	"github.com/redis/go-redis/v9"
)

const (
	Name = "redis"

	historyKeyPrefix = "messages:"
	ackSetKey        = "acknowledged_messages"
	historyCap       = 1000
)

func init() {
	messaging.Register(Name, func(cfg messaging.BackendConfig, logger *log.Logger) (messaging.Backend, error) {
		return New(cfg.URL, logger), nil
	})
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Backend publishes over Redis pub/sub and keeps a capped per-channel list of
// recent messages for Fetch.
type Backend struct {
	url    string
	logger *log.Logger

	mu     sync.Mutex
	client *redis.Client
	subs   map[string]*subscription
}

func New(url string, logger *log.Logger) *Backend {
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Backend{url: url, logger: logger, subs: make(map[string]*subscription)}
}

func (b *Backend) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(b.url)
	if err != nil {
		return fmt.Errorf("%w: parse redis url: %v", domain.ErrConfiguration, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: ping redis: %v", domain.ErrTransportUnavailable, err)
	}
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.logger.Printf("redis backend connected addr=%s", opts.Addr)
	return nil
}

func (b *Backend) Disconnect() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscription)
	client := b.client
	b.client = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.pubsub.Close()
		<-sub.done
	}
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (b *Backend) conn() (*redis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, fmt.Errorf("%w: redis backend is disconnected", domain.ErrTransportUnavailable)
	}
	return b.client, nil
}

// Publish sends msg to live subscribers and prepends it to the channel's
// history list, trimmed to the newest 1000 entries.
func (b *Backend) Publish(ctx context.Context, channel string, msg domain.Message) (string, error) {
	client, err := b.conn()
	if err != nil {
		return "", err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return "", err
	}
	key := historyKeyPrefix + channel
	pipe := client.TxPipeline()
	pipe.Publish(ctx, channel, data)
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, historyCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: redis publish: %v", domain.ErrTransportUnavailable, err)
	}
	return msg.ID, nil
}

func (b *Backend) Subscribe(ctx context.Context, channel string, handler messaging.Handler) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("%w: redis subscribe: %v", domain.ErrTransportUnavailable, err)
	}

	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	b.mu.Lock()
	old := b.subs[channel]
	b.subs[channel] = sub
	b.mu.Unlock()
	if old != nil {
		_ = old.pubsub.Close()
		<-old.done
	}

	go func() {
		defer close(sub.done)
		for m := range pubsub.Channel() {
			msg, err := protocol.Decode([]byte(m.Payload))
			if err != nil {
				b.logger.Printf("redis backend dropped undecodable message channel=%s err=%v", channel, err)
				continue
			}
			msg.Status = domain.MessageStatusDelivered
			handler(ctx, msg)
		}
	}()
	return nil
}

func (b *Backend) Unsubscribe(channel string) error {
	b.mu.Lock()
	sub, ok := b.subs[channel]
	delete(b.subs, channel)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.pubsub.Close(); err != nil {
		return fmt.Errorf("close redis subscription: %w", err)
	}
	<-sub.done
	return nil
}

// Fetch reads up to count entries from the channel history, most recent first.
func (b *Backend) Fetch(ctx context.Context, channel string, count int) ([]domain.Message, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}
	raw, err := client.LRange(ctx, historyKeyPrefix+channel, 0, int64(count)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis fetch: %v", domain.ErrTransportUnavailable, err)
	}
	out := make([]domain.Message, 0, len(raw))
	for _, item := range raw {
		msg, err := protocol.Decode([]byte(item))
		if err != nil {
			b.logger.Printf("redis backend skipped undecodable history entry channel=%s err=%v", channel, err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (b *Backend) Acknowledge(ctx context.Context, messageID string) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	if err := client.SAdd(ctx, ackSetKey, messageID).Err(); err != nil {
		return fmt.Errorf("%w: redis ack: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (b *Backend) Acknowledged(ctx context.Context, messageID string) (bool, error) {
	client, err := b.conn()
	if err != nil {
		return false, err
	}
	ok, err := client.SIsMember(ctx, ackSetKey, messageID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis ack lookup: %v", domain.ErrTransportUnavailable, err)
	}
	return ok, nil
}
