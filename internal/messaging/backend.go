package messaging

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"agentcoord/internal/domain"
)

// Handler receives every message delivered to a subscribed channel.
type Handler func(ctx context.Context, msg domain.Message)

// Backend is a transport the Bus publishes through. Delivery loops for
// subscriptions are owned by the backend.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Publish(ctx context.Context, channel string, msg domain.Message) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Unsubscribe(channel string) error
	Fetch(ctx context.Context, channel string, count int) ([]domain.Message, error)
	Acknowledge(ctx context.Context, messageID string) error
}

const channelPrefix = "agents:"

// ChannelFor names the channel carrying messages addressed to agent.
func ChannelFor(agent string) string {
	return channelPrefix + agent
}

// BackendConfig selects and parameterizes a backend.
type BackendConfig struct {
	Name string
	// URL is the single connection string of the backend: a redis:// or
	// amqp:// URL, or a database path for sqlite.
	URL          string
	Buffer       int
	PollInterval time.Duration
}

// Factory builds an unconnected backend.
type Factory func(cfg BackendConfig, logger *log.Logger) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available to Open under name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("messaging: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("messaging: Register called twice for backend " + name)
	}
	registry[name] = f
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewBackend builds the backend registered under cfg.Name.
func NewBackend(cfg BackendConfig, logger *log.Logger) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown bus backend %q (known: %v)", domain.ErrConfiguration, cfg.Name, Backends())
	}
	return f(cfg, logger)
}

// Open builds the configured backend and returns a connected Bus over it.
func Open(ctx context.Context, cfg BackendConfig, logger *log.Logger) (*Bus, error) {
	backend, err := NewBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	bus := New(backend, logger)
	if err := bus.Connect(ctx); err != nil {
		return nil, err
	}
	return bus, nil
}
