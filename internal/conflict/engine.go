package conflict

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"agentcoord/internal/domain"
)

const (
	DefaultHistoryCapacity = 500
	DefaultHistoryLimit    = 50
)

// EscalationHandler receives a snapshot of every escalated conflict.
type EscalationHandler func(ctx context.Context, c domain.Conflict)

type Config struct {
	HistoryCapacity int
	Rand            *rand.Rand
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = DefaultHistoryCapacity
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Resolution is one entry of the resolution history.
type Resolution struct {
	ConflictID string                    `json:"conflict_id"`
	Topic      string                    `json:"topic"`
	Strategy   domain.ResolutionStrategy `json:"strategy"`
	OptionID   string                    `json:"resolution"`
	Agents     []string                  `json:"agents"`
	ResolvedAt time.Time                 `json:"resolved_at"`
}

type record struct {
	mu       sync.Mutex
	conflict *domain.Conflict
}

// Engine records conflicts, collects votes and resolves them. Votes and
// resolution on one conflict serialize on that conflict's lock.
type Engine struct {
	mu        sync.RWMutex
	records   map[string]*record
	order     []string
	escalate  EscalationHandler
	history   []Resolution
	histStart int

	rngMu      sync.Mutex
	strategies map[domain.ResolutionStrategy]Strategy

	cfg    Config
	logger *log.Logger
}

func New(cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		records:    make(map[string]*record),
		strategies: strategies(cfg.Rand),
		cfg:        cfg,
		logger:     logger,
	}
}

func (e *Engine) SetEscalationHandler(h EscalationHandler) {
	e.mu.Lock()
	e.escalate = h
	e.mu.Unlock()
}

type CreateInput struct {
	ID      string
	Type    domain.ConflictType
	Agents  []string
	Topic   string
	Options []domain.ConflictOption
	Context map[string]any
}

func (e *Engine) Create(in CreateInput) (domain.Conflict, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return domain.Conflict{}, domain.Invalid("conflict", "", "conflict id is required")
	}
	if !in.Type.Valid() {
		return domain.Conflict{}, domain.Invalid("conflict", in.ID, fmt.Sprintf("invalid conflict type %q", in.Type))
	}
	c := &domain.Conflict{
		ID:             in.ID,
		Type:           in.Type,
		AgentsInvolved: dedupe(in.Agents),
		Topic:          in.Topic,
		Status:         domain.ConflictOpen,
		CreatedAt:      e.cfg.Now(),
		Context:        domain.CloneMap(in.Context),
	}
	for _, opt := range in.Options {
		if err := addOption(c, opt); err != nil {
			return domain.Conflict{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.records[in.ID]; ok {
		return domain.Conflict{}, domain.Duplicate("conflict", in.ID)
	}
	e.records[in.ID] = &record{conflict: c}
	e.order = append(e.order, in.ID)
	return *c.Clone(), nil
}

func addOption(c *domain.Conflict, opt domain.ConflictOption) error {
	opt.ID = strings.TrimSpace(opt.ID)
	if opt.ID == "" {
		return domain.Invalid("conflict", c.ID, "option id is required")
	}
	if c.Option(opt.ID) != nil {
		return &domain.EntityError{Kind: domain.ErrDuplicateEntity, Entity: "conflict option", ID: opt.ID, Reason: "already proposed in " + c.ID}
	}
	opt.Votes = []string{}
	opt.Pros = append([]string(nil), opt.Pros...)
	opt.Cons = append([]string(nil), opt.Cons...)
	opt.Data = domain.CloneMap(opt.Data)
	c.Options = append(c.Options, opt)
	return nil
}

func (e *Engine) lookup(id string) *record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.records[id]
}

// AddOption proposes another option on an open conflict.
func (e *Engine) AddOption(id string, opt domain.ConflictOption) error {
	r := e.lookup(id)
	if r == nil {
		return domain.NotFound("conflict", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflict.Status != domain.ConflictOpen {
		return domain.Invalid("conflict", id, fmt.Sprintf("cannot add options while %s", r.conflict.Status))
	}
	return addOption(r.conflict, opt)
}

func (e *Engine) Get(id string) (domain.Conflict, bool) {
	r := e.lookup(id)
	if r == nil {
		return domain.Conflict{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.conflict.Clone(), true
}

// List returns every conflict in creation order.
func (e *Engine) List() []domain.Conflict {
	e.mu.RLock()
	recs := make([]*record, 0, len(e.order))
	for _, id := range e.order {
		recs = append(recs, e.records[id])
	}
	e.mu.RUnlock()

	out := make([]domain.Conflict, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, *r.conflict.Clone())
		r.mu.Unlock()
	}
	return out
}

// Vote records agent's support for optionID. It reports false for an unknown
// conflict or option. An agent may support several options.
func (e *Engine) Vote(id, agent, optionID string) bool {
	r := e.lookup(id)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conflict.Vote(agent, optionID)
}

// Resolve applies strategy. On a winner the conflict becomes resolved and the
// decision is appended to the history; resolving again recomputes. The
// escalate strategy never picks a winner and escalates instead. ok is false
// when no option qualifies.
func (e *Engine) Resolve(ctx context.Context, id string, strategy domain.ResolutionStrategy) (string, bool, error) {
	if strategy == "" {
		strategy = domain.StrategyMajorityVote
	}
	if strategy == domain.StrategyEscalate {
		if err := e.Escalate(ctx, id, "escalation requested"); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	pick, ok := e.strategies[strategy]
	if !ok {
		return "", false, domain.Invalid("conflict", id, fmt.Sprintf("unknown resolution strategy %q", strategy))
	}
	r := e.lookup(id)
	if r == nil {
		return "", false, domain.NotFound("conflict", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var winner string
	var found bool
	if strategy == domain.StrategyRandom {
		e.rngMu.Lock()
		winner, found = pick(r.conflict)
		e.rngMu.Unlock()
	} else {
		winner, found = pick(r.conflict)
	}
	if !found {
		return "", false, nil
	}

	now := e.cfg.Now()
	c := r.conflict
	c.Status = domain.ConflictResolved
	c.Resolution = winner
	c.ResolvedAt = &now
	e.record(Resolution{
		ConflictID: c.ID,
		Topic:      c.Topic,
		Strategy:   strategy,
		OptionID:   winner,
		Agents:     append([]string(nil), c.AgentsInvolved...),
		ResolvedAt: now,
	})
	e.logger.Printf("conflict resolved conflict=%s strategy=%s option=%s", c.ID, strategy, winner)
	return winner, true, nil
}

func (e *Engine) record(res Resolution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) < e.cfg.HistoryCapacity {
		e.history = append(e.history, res)
		return
	}
	e.history[e.histStart] = res
	e.histStart = (e.histStart + 1) % len(e.history)
}

// History returns up to limit of the most recent resolutions, oldest first.
func (e *Engine) History(limit int) []Resolution {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := len(e.history)
	ordered := make([]Resolution, 0, n)
	ordered = append(ordered, e.history[e.histStart:]...)
	ordered = append(ordered, e.history[:e.histStart]...)
	if n > limit {
		ordered = ordered[n-limit:]
	}
	return ordered
}

// Escalate marks the conflict escalated and hands it to the escalation
// handler, when one is set.
func (e *Engine) Escalate(ctx context.Context, id, reason string) error {
	r := e.lookup(id)
	if r == nil {
		return domain.NotFound("conflict", id)
	}
	if reason == "" {
		reason = "unable to resolve automatically"
	}
	r.mu.Lock()
	r.conflict.Status = domain.ConflictEscalated
	r.conflict.EscalationReason = reason
	snapshot := *r.conflict.Clone()
	r.mu.Unlock()

	e.logger.Printf("conflict escalated conflict=%s reason=%q", id, reason)
	e.mu.RLock()
	handler := e.escalate
	e.mu.RUnlock()
	if handler != nil {
		handler(ctx, snapshot)
	}
	return nil
}

// Abandon closes a conflict without a decision.
func (e *Engine) Abandon(id string) error {
	r := e.lookup(id)
	if r == nil {
		return domain.NotFound("conflict", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflict.Status = domain.ConflictAbandoned
	return nil
}

type OptionSummary struct {
	OptionID    string   `json:"option_id"`
	Description string   `json:"description"`
	ProposedBy  string   `json:"proposed_by"`
	Votes       int      `json:"votes"`
	Pros        []string `json:"pros"`
	Cons        []string `json:"cons"`
}

// Suggestion is a non-binding recommendation.
type Suggestion struct {
	ConflictID     string          `json:"conflict_id"`
	Topic          string          `json:"topic"`
	Options        []OptionSummary `json:"options"`
	Recommendation string          `json:"recommendation,omitempty"`
	Reasoning      []string        `json:"reasoning"`
}

func (e *Engine) Suggest(id string) (Suggestion, bool) {
	c, ok := e.Get(id)
	if !ok {
		return Suggestion{}, false
	}
	s := Suggestion{ConflictID: c.ID, Topic: c.Topic, Reasoning: []string{}}
	for _, opt := range c.Options {
		s.Options = append(s.Options, OptionSummary{
			OptionID:    opt.ID,
			Description: opt.Description,
			ProposedBy:  opt.ProposedBy,
			Votes:       opt.VoteCount(),
			Pros:        opt.Pros,
			Cons:        opt.Cons,
		})
	}
	if winner, ok := c.WinningOption(); ok {
		s.Recommendation = winner
		s.Reasoning = append(s.Reasoning, fmt.Sprintf("option %q has most support (%d votes)", winner, c.Option(winner).VoteCount()))
		if _, agreed := consensus(&c); agreed {
			s.Reasoning = append(s.Reasoning, "every involved agent agrees")
		}
	}
	return s, true
}

type StatusReport struct {
	ConflictID     string                `json:"conflict_id"`
	Status         domain.ConflictStatus `json:"status"`
	Topic          string                `json:"topic"`
	Agents         []string              `json:"agents"`
	OptionsCount   int                   `json:"options_count"`
	VotesPerOption map[string]int        `json:"votes_per_option"`
	Resolution     string                `json:"resolution,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

func (e *Engine) Status(id string) (StatusReport, bool) {
	c, ok := e.Get(id)
	if !ok {
		return StatusReport{}, false
	}
	report := StatusReport{
		ConflictID:     c.ID,
		Status:         c.Status,
		Topic:          c.Topic,
		Agents:         c.AgentsInvolved,
		OptionsCount:   len(c.Options),
		VotesPerOption: make(map[string]int, len(c.Options)),
		Resolution:     c.Resolution,
		CreatedAt:      c.CreatedAt,
	}
	for _, opt := range c.Options {
		report.VotesPerOption[opt.ID] = opt.VoteCount()
	}
	return report, true
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
