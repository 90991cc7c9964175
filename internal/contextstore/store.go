package contextstore

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcoord/internal/domain"
)

// Notifier is told about every successful update. Delivery is the
// notifier's concern.
type Notifier interface {
	ContextUpdated(ctx context.Context, contextID, updater string, version int, subscribers []string)
}

type Config struct {
	// MaxHistory caps retained versions per context. Zero keeps all.
	MaxHistory int
	Now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.MaxHistory < 0 {
		c.MaxHistory = 0
	}
	return c
}

type entry struct {
	mu      sync.Mutex
	doc     *domain.Context
	history []*domain.Context
	subs    []string
}

// Store holds shared contexts. The registry lock guards membership; each
// entry's own lock serializes reads and writes of that context.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	notifier Notifier
	cfg      Config
	logger   *log.Logger
}

func New(notifier Notifier, cfg Config, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		entries:  make(map[string]*entry),
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// SetNotifier replaces the update notifier.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

type CreateInput struct {
	ID          string
	Type        domain.ContextType
	Owner       string
	Data        map[string]any
	AccessLevel domain.AccessLevel
	Tags        []string
	TTLSeconds  *int
}

func (s *Store) Create(in CreateInput) (domain.Context, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return domain.Context{}, domain.Invalid("context", "", "context id is required")
	}
	if strings.TrimSpace(in.Owner) == "" {
		return domain.Context{}, domain.Invalid("context", in.ID, "owner is required")
	}
	if !in.Type.Valid() {
		return domain.Context{}, domain.Invalid("context", in.ID, fmt.Sprintf("invalid context type %q", in.Type))
	}
	if in.AccessLevel == "" {
		in.AccessLevel = domain.AccessTeam
	}
	if !in.AccessLevel.Valid() {
		return domain.Context{}, domain.Invalid("context", in.ID, fmt.Sprintf("invalid access level %q", in.AccessLevel))
	}
	if in.TTLSeconds != nil && *in.TTLSeconds < 0 {
		return domain.Context{}, domain.Invalid("context", in.ID, "ttl must not be negative")
	}

	now := s.cfg.Now()
	doc := &domain.Context{
		Metadata: domain.ContextMetadata{
			ID:                in.ID,
			Type:              in.Type,
			Owner:             in.Owner,
			CreatedAt:         now,
			UpdatedAt:         now,
			AccessLevel:       in.AccessLevel,
			Tags:              domain.NormalizeTags(in.Tags),
			Version:           1,
			RelatedContextIDs: []string{},
		},
		Data:              domain.CloneMap(in.Data),
		AccessPermissions: map[string]bool{},
	}
	if doc.Data == nil {
		doc.Data = map[string]any{}
	}
	if in.TTLSeconds != nil {
		ttl := *in.TTLSeconds
		doc.Metadata.TTLSeconds = &ttl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[in.ID]; ok {
		return domain.Context{}, domain.Duplicate("context", in.ID)
	}
	s.entries[in.ID] = &entry{doc: doc}
	s.order = append(s.order, in.ID)
	return *doc.Clone(), nil
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Get returns the context when it exists, has not expired and requester may
// read it. Expired contexts are removed on the way.
func (s *Store) Get(id, requester string) (domain.Context, bool) {
	e := s.lookup(id)
	if e == nil {
		return domain.Context{}, false
	}
	e.mu.Lock()
	if e.doc.Metadata.IsExpired(s.cfg.Now()) {
		e.mu.Unlock()
		s.Delete(id)
		return domain.Context{}, false
	}
	if !e.doc.HasAccess(requester) {
		e.mu.Unlock()
		return domain.Context{}, false
	}
	out := *e.doc.Clone()
	e.mu.Unlock()
	return out, true
}

// Owner reports the owner of a live context without an access check.
func (s *Store) Owner(id string) (string, bool) {
	e := s.lookup(id)
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc.Metadata.IsExpired(s.cfg.Now()) {
		return "", false
	}
	return e.doc.Metadata.Owner, true
}

// Update merges patch into the context's top-level data. Only the owner may
// write; any other requester, an unknown id or an expired context yields
// false with nothing changed.
func (s *Store) Update(ctx context.Context, id, requester string, patch map[string]any) (domain.Context, bool) {
	e := s.lookup(id)
	if e == nil {
		return domain.Context{}, false
	}

	e.mu.Lock()
	now := s.cfg.Now()
	if e.doc.Metadata.IsExpired(now) {
		e.mu.Unlock()
		s.Delete(id)
		return domain.Context{}, false
	}
	if requester != e.doc.Metadata.Owner {
		e.mu.Unlock()
		return domain.Context{}, false
	}

	e.history = append(e.history, e.doc.Clone())
	if max := s.cfg.MaxHistory; max > 0 && len(e.history) > max {
		e.history = append([]*domain.Context(nil), e.history[len(e.history)-max:]...)
	}
	for k, v := range patch {
		e.doc.Data[k] = domain.CloneValue(v)
	}
	e.doc.Metadata.Version++
	e.doc.Metadata.UpdatedAt = now
	out := *e.doc.Clone()
	subs := append([]string(nil), e.subs...)
	e.mu.Unlock()

	s.mu.RLock()
	notifier := s.notifier
	s.mu.RUnlock()
	if notifier != nil {
		notifier.ContextUpdated(ctx, id, requester, out.Metadata.Version, subs)
	}
	return out, true
}

// Share grants read access to agents and subscribes them to updates. Level is
// informational: writes stay owner-only.
func (s *Store) Share(id string, agents []string, level string) bool {
	e := s.lookup(id)
	if e == nil {
		return false
	}
	if level == "" {
		level = "read"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, agent := range agents {
		agent = strings.TrimSpace(agent)
		if agent == "" {
			continue
		}
		e.doc.AccessPermissions[agent] = true
		e.subs = addUnique(e.subs, agent)
	}
	s.logger.Printf("context shared context=%s agents=%s level=%s", id, strings.Join(agents, ","), level)
	return true
}

// Revoke records an explicit deny for agent, which overrides the access level,
// and drops its subscription.
func (s *Store) Revoke(id, agent string) bool {
	e := s.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc.AccessPermissions[agent] = false
	e.subs = removeValue(e.subs, agent)
	return true
}

func (s *Store) Subscribe(id, agent string) bool {
	e := s.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = addUnique(e.subs, agent)
	return true
}

func (s *Store) Unsubscribe(id, agent string) bool {
	e := s.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = removeValue(e.subs, agent)
	return true
}

func (s *Store) Subscribers(id string) []string {
	e := s.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.subs...)
}

type FindQuery struct {
	Type domain.ContextType
	// Tags matches contexts carrying any of the listed tags.
	Tags []string
}

// Find lists live contexts requester can read that match q, in creation order.
func (s *Store) Find(requester string, q FindQuery) []domain.Context {
	now := s.cfg.Now()
	var out []domain.Context
	for _, e := range s.snapshot() {
		e.mu.Lock()
		doc := e.doc
		match := doc.HasAccess(requester) &&
			(q.Type == "" || doc.Metadata.Type == q.Type) &&
			(len(q.Tags) == 0 || doc.Metadata.HasTag(q.Tags...)) &&
			!doc.Metadata.IsExpired(now)
		if match {
			out = append(out, *doc.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

func (s *Store) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

const DefaultHistoryLimit = 10

// History returns up to limit archived versions, oldest first. Each entry is
// the state immediately before one update.
func (s *Store) History(id string, limit int) []domain.Context {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	e := s.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	start := 0
	if len(e.history) > limit {
		start = len(e.history) - limit
	}
	out := make([]domain.Context, 0, len(e.history)-start)
	for _, h := range e.history[start:] {
		out = append(out, *h.Clone())
	}
	return out
}

// Link relates two contexts in both directions.
func (s *Store) Link(a, b string) bool {
	if a == b {
		return false
	}
	ea, eb := s.lookup(a), s.lookup(b)
	if ea == nil || eb == nil {
		return false
	}
	first, second := ea, eb
	if b < a {
		first, second = eb, ea
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	ea.doc.Metadata.RelatedContextIDs = addUnique(ea.doc.Metadata.RelatedContextIDs, b)
	eb.doc.Metadata.RelatedContextIDs = addUnique(eb.doc.Metadata.RelatedContextIDs, a)
	return true
}

// Related walks relation links breadth first up to depth hops and returns
// each reachable context once, nearest first. Expired contexts are skipped
// and not walked through.
func (s *Store) Related(id string, depth int) []domain.Context {
	if depth <= 0 {
		depth = 1
	}
	now := s.cfg.Now()
	root := s.lookup(id)
	if root == nil {
		return nil
	}
	root.mu.Lock()
	expired := root.doc.Metadata.IsExpired(now)
	root.mu.Unlock()
	if expired {
		return nil
	}
	type hop struct {
		id    string
		depth int
	}
	visited := map[string]bool{id: true}
	queue := []hop{{id: id}}
	var out []domain.Context
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= depth {
			continue
		}
		e := s.lookup(cur.id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		next := append([]string(nil), e.doc.Metadata.RelatedContextIDs...)
		e.mu.Unlock()
		for _, rid := range next {
			if visited[rid] {
				continue
			}
			visited[rid] = true
			re := s.lookup(rid)
			if re == nil {
				continue
			}
			re.mu.Lock()
			if re.doc.Metadata.IsExpired(now) {
				re.mu.Unlock()
				continue
			}
			out = append(out, *re.doc.Clone())
			re.mu.Unlock()
			queue = append(queue, hop{id: rid, depth: cur.depth + 1})
		}
	}
	return out
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	s.order = removeValue(s.order, id)
	return true
}

// CleanupExpired deletes every expired context and returns how many went.
func (s *Store) CleanupExpired() int {
	now := s.cfg.Now()
	s.mu.RLock()
	var expired []string
	for _, id := range s.order {
		e := s.entries[id]
		e.mu.Lock()
		if e.doc.Metadata.IsExpired(now) {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if s.Delete(id) {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Printf("contexts expired count=%d", removed)
	}
	return removed
}

type Stats struct {
	TotalContexts int            `json:"total_contexts"`
	ByType        map[string]int `json:"by_type"`
	ByAccessLevel map[string]int `json:"by_access_level"`
	Subscriptions map[string]int `json:"subscriptions"`
}

func (s *Store) Stats() Stats {
	st := Stats{
		ByType:        map[string]int{},
		ByAccessLevel: map[string]int{},
		Subscriptions: map[string]int{},
	}
	for _, e := range s.snapshot() {
		e.mu.Lock()
		st.TotalContexts++
		st.ByType[string(e.doc.Metadata.Type)]++
		st.ByAccessLevel[string(e.doc.Metadata.AccessLevel)]++
		if len(e.subs) > 0 {
			st.Subscriptions[e.doc.Metadata.ID] = len(e.subs)
		}
		e.mu.Unlock()
	}
	return st
}

func addUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

func removeValue(list []string, v string) []string {
	out := list[:0]
	for _, have := range list {
		if have != v {
			out = append(out, have)
		}
	}
	return out
}

func sortedCopy(list []string) []string {
	out := append([]string(nil), list...)
	sort.Strings(out)
	return out
}
