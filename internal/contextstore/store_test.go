package contextstore

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"agentcoord/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type recordedUpdate struct {
	id, updater string
	version     int
	subscribers []string
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []recordedUpdate
}

func (n *recordingNotifier) ContextUpdated(_ context.Context, id, updater string, version int, subscribers []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, recordedUpdate{id, updater, version, subscribers})
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *recordingNotifier, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := &recordingNotifier{}
	return New(n, Config{Now: clock.Now}, log.New(io.Discard, "", 0)), n, clock
}

func ttl(sec int) *int { return &sec }

func TestCreateAndDuplicate(t *testing.T) {
	s, _, _ := newTestStore(t)
	c, err := s.Create(CreateInput{ID: "proj", Type: domain.ContextProject, Owner: "pm", Data: map[string]any{"goal": "ship"}, AccessLevel: domain.AccessPublic, Tags: []string{"q1", "roadmap", "q1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Metadata.Version)
	assert.Equal(t, []string{"q1", "roadmap"}, c.Metadata.Tags)
	assert.Equal(t, c.Metadata.CreatedAt, c.Metadata.UpdatedAt)

	_, err = s.Create(CreateInput{ID: "proj", Type: domain.ContextProject, Owner: "pm"})
	assert.True(t, errors.Is(err, domain.ErrDuplicateEntity))

	_, err = s.Create(CreateInput{ID: "x", Type: "galaxy", Owner: "pm"})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestPrivateContextOwnerOnly(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Create(CreateInput{ID: "secret", Type: domain.ContextKnowledge, Owner: "dev", AccessLevel: domain.AccessPrivate})
	require.NoError(t, err)

	_, ok := s.Get("secret", "dev")
	assert.True(t, ok)
	_, ok = s.Get("secret", "designer")
	assert.False(t, ok)
}

func TestTeamContextRequiresShare(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Create(CreateInput{ID: "design", Type: domain.ContextTask, Owner: "Designer", AccessLevel: domain.AccessTeam})
	require.NoError(t, err)

	_, ok := s.Get("design", "Developer")
	assert.False(t, ok)

	require.True(t, s.Share("design", []string{"Developer"}, "read"))
	got, ok := s.Get("design", "Developer")
	require.True(t, ok)
	assert.Equal(t, "design", got.Metadata.ID)
	assert.Equal(t, []string{"Developer"}, s.Subscribers("design"))

	_, ok = s.Get("design", "Designer")
	assert.False(t, ok, "team level alone does not open access, not even to the owner")
}

func TestOwnerLookupSkipsAccessCheck(t *testing.T) {
	s, _, clock := newTestStore(t)
	_, err := s.Create(CreateInput{ID: "design", Type: domain.ContextTask, Owner: "Designer", TTLSeconds: ttl(5)})
	require.NoError(t, err)

	owner, ok := s.Owner("design")
	require.True(t, ok)
	assert.Equal(t, "Designer", owner)

	clock.Advance(6 * time.Second)
	_, ok = s.Owner("design")
	assert.False(t, ok)
	_, ok = s.Owner("nope")
	assert.False(t, ok)
}

func TestRevokeOverridesPublic(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Create(CreateInput{ID: "pub", Type: domain.ContextProject, Owner: "pm", AccessLevel: domain.AccessPublic})
	require.NoError(t, err)
	require.True(t, s.Subscribe("pub", "qa"))
	require.True(t, s.Revoke("pub", "qa"))

	_, ok := s.Get("pub", "qa")
	assert.False(t, ok)
	_, ok = s.Get("pub", "dev")
	assert.True(t, ok)
	assert.Empty(t, s.Subscribers("pub"))
}

func TestUpdateVersioningAndHistory(t *testing.T) {
	s, n, clock := newTestStore(t)
	_, err := s.Create(CreateInput{ID: "sprint", Type: domain.ContextSprint, Owner: "pm", Data: map[string]any{"goal": "a", "meta": map[string]any{"x": 1}}, AccessLevel: domain.AccessPublic})
	require.NoError(t, err)
	s.Subscribe("sprint", "dev")

	clock.Advance(time.Minute)
	updated, ok := s.Update(context.Background(), "sprint", "pm", map[string]any{"meta": map[string]any{"y": 2}, "status": "active"})
	require.True(t, ok)
	assert.Equal(t, 2, updated.Metadata.Version)
	assert.Equal(t, "a", updated.Data["goal"])
	assert.Equal(t, map[string]any{"y": 2}, updated.Data["meta"], "nested values are replaced, not merged")
	assert.True(t, updated.Metadata.UpdatedAt.After(updated.Metadata.CreatedAt))

	history := s.History("sprint", 0)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Metadata.Version)
	assert.Equal(t, map[string]any{"x": 1}, history[0].Data["meta"])

	_, ok = s.Update(context.Background(), "sprint", "dev", map[string]any{"goal": "hijack"})
	assert.False(t, ok, "only the owner may write")
	_, ok = s.Update(context.Background(), "sprint", "pm", map[string]any{"goal": "b"})
	require.True(t, ok)
	assert.Len(t, s.History("sprint", 10), 2)
	assert.Len(t, s.History("sprint", 1), 1)

	require.Len(t, n.updates, 2)
	assert.Equal(t, recordedUpdate{"sprint", "pm", 3, []string{"dev"}}, n.updates[1])
}

func TestHistoryIsolatedFromLaterWrites(t *testing.T) {
	s, _, _ := newTestStore(t)
	nested := map[string]any{"k": "v"}
	_, err := s.Create(CreateInput{ID: "c", Type: domain.ContextTask, Owner: "pm", Data: map[string]any{"n": nested}})
	require.NoError(t, err)
	nested["k"] = "mutated by caller"

	_, ok := s.Update(context.Background(), "c", "pm", map[string]any{"z": 1})
	require.True(t, ok)
	assert.Equal(t, map[string]any{"k": "v"}, s.History("c", 1)[0].Data["n"])
}

func TestExpiry(t *testing.T) {
	s, _, clock := newTestStore(t)
	_, err := s.Create(CreateInput{ID: "tmp", Type: domain.ContextWorkflow, Owner: "pm", AccessLevel: domain.AccessPublic, TTLSeconds: ttl(1)})
	require.NoError(t, err)

	_, ok := s.Get("tmp", "anyone")
	assert.True(t, ok)

	clock.Advance(1500 * time.Millisecond)
	_, ok = s.Get("tmp", "anyone")
	assert.False(t, ok)
	assert.False(t, s.Delete("tmp"), "expired context is removed on read")
}

func TestCleanupExpired(t *testing.T) {
	s, _, clock := newTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		in := CreateInput{ID: id, Type: domain.ContextTask, Owner: "pm"}
		if i < 2 {
			in.TTLSeconds = ttl(10)
		}
		_, err := s.Create(in)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, s.CleanupExpired())
	clock.Advance(11 * time.Second)
	assert.Equal(t, 2, s.CleanupExpired())
	assert.Equal(t, 1, s.Stats().TotalContexts)
}

func TestFind(t *testing.T) {
	s, _, _ := newTestStore(t)
	mk := func(id string, typ domain.ContextType, level domain.AccessLevel, tags ...string) {
		_, err := s.Create(CreateInput{ID: id, Type: typ, Owner: "pm", AccessLevel: level, Tags: tags})
		require.NoError(t, err)
	}
	mk("p1", domain.ContextProject, domain.AccessPublic, "web")
	mk("p2", domain.ContextProject, domain.AccessPublic, "mobile")
	mk("d1", domain.ContextDecision, domain.AccessPublic, "web")
	mk("t1", domain.ContextTask, domain.AccessTeam, "web")

	ids := func(cs []domain.Context) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.Metadata.ID)
		}
		return out
	}
	assert.Equal(t, []string{"p1", "p2", "d1"}, ids(s.Find("dev", FindQuery{})))
	assert.Equal(t, []string{"p1", "p2"}, ids(s.Find("dev", FindQuery{Type: domain.ContextProject})))
	assert.Equal(t, []string{"p1", "d1"}, ids(s.Find("dev", FindQuery{Tags: []string{"web", "tv"}})))
}

func TestLinkAndRelated(t *testing.T) {
	s, _, _ := newTestStore(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := s.Create(CreateInput{ID: id, Type: domain.ContextKnowledge, Owner: "pm", AccessLevel: domain.AccessPublic})
		require.NoError(t, err)
	}
	require.True(t, s.Link("a", "b"))
	require.True(t, s.Link("b", "c"))
	require.True(t, s.Link("c", "a"))
	require.True(t, s.Link("c", "d"))
	assert.False(t, s.Link("a", "missing"))

	one := s.Related("a", 1)
	assert.Len(t, one, 2)
	all := s.Related("a", 5)
	seen := map[string]int{}
	for _, c := range all {
		seen[c.Metadata.ID]++
	}
	assert.Equal(t, map[string]int{"b": 1, "c": 1, "d": 1}, seen)
}

func TestRelatedSkipsExpired(t *testing.T) {
	s, _, clock := newTestStore(t)
	mk := func(id string, seconds *int) {
		_, err := s.Create(CreateInput{ID: id, Type: domain.ContextKnowledge, Owner: "pm", AccessLevel: domain.AccessPublic, TTLSeconds: seconds})
		require.NoError(t, err)
	}
	mk("root", nil)
	mk("stale", ttl(5))
	mk("behind-stale", nil)
	mk("fresh", nil)
	require.True(t, s.Link("root", "stale"))
	require.True(t, s.Link("stale", "behind-stale"))
	require.True(t, s.Link("root", "fresh"))
	assert.Len(t, s.Related("root", 2), 3)

	clock.Advance(6 * time.Second)
	related := s.Related("root", 2)
	require.Len(t, related, 1)
	assert.Equal(t, "fresh", related[0].Metadata.ID)
	assert.Empty(t, s.Related("stale", 1))
}

func TestStats(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, _ = s.Create(CreateInput{ID: "a", Type: domain.ContextProject, Owner: "pm", AccessLevel: domain.AccessPublic})
	_, _ = s.Create(CreateInput{ID: "b", Type: domain.ContextProject, Owner: "pm"})
	s.Share("b", []string{"dev", "qa"}, "read")

	st := s.Stats()
	assert.Equal(t, 2, st.TotalContexts)
	assert.Equal(t, 2, st.ByType["project"])
	assert.Equal(t, 1, st.ByAccessLevel["public"])
	assert.Equal(t, 1, st.ByAccessLevel["team"])
	assert.Equal(t, map[string]int{"b": 2}, st.Subscriptions)
}

func TestExportFormats(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Create(CreateInput{ID: "e", Type: domain.ContextDecision, Owner: "pm", Data: map[string]any{"choice": "grid"}, AccessLevel: domain.AccessPublic, Tags: []string{"z", "a"}})
	require.NoError(t, err)

	doc, ok := s.Export("e", "dev")
	require.True(t, ok)
	raw, err := Marshal(doc, FormatJSON)
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, `"metadata"`)
	assert.Contains(t, out, `"access_permissions"`)
	assert.True(t, strings.Index(out, `"a"`) < strings.Index(out, `"z"`))

	raw, err = Marshal(doc, FormatYAML)
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &back))
	meta := back["metadata"].(map[string]any)
	assert.Equal(t, []any{"a", "z"}, meta["tags"])
	assert.Equal(t, "grid", back["data"].(map[string]any)["choice"])

	_, err = Marshal(doc, "xml")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Create(CreateInput{ID: "hot", Type: domain.ContextTask, Owner: "pm"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Update(context.Background(), "hot", "pm", map[string]any{"n": i})
		}(i)
	}
	wg.Wait()

	got, ok := s.Get("hot", "pm")
	require.False(t, ok, "team context is not readable without a grant")
	s.Share("hot", []string{"pm"}, "read")
	got, ok = s.Get("hot", "pm")
	require.True(t, ok)
	assert.Equal(t, 51, got.Metadata.Version)
	assert.Len(t, s.History("hot", 100), 50)
}
