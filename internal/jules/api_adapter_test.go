package jules

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/events"
	"github.com/aristath/delegator/internal/persistence"
)

// fakeAPI serves a scripted sequence of session states.
type fakeAPI struct {
	mu         sync.Mutex
	sources    []Source
	states     []string
	polls      int
	approved   bool
	created    CreateSessionRequest
	activities []Activity
}

func (f *fakeAPI) ListSources(context.Context) ([]Source, error) { return f.sources, nil }

func (f *fakeAPI) CreateSession(_ context.Context, req CreateSessionRequest) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = req
	return &Session{ID: "s1", State: StateQueued, URL: "https://jules.google/session/s1"}, nil
}

func (f *fakeAPI) GetSession(context.Context, string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.states) {
		i = len(f.states) - 1
	}
	f.polls++
	return &Session{ID: "s1", State: f.states[i], URL: "https://jules.google/session/s1"}, nil
}

func (f *fakeAPI) ApprovePlan(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = true
	return nil
}

func (f *fakeAPI) ListActivities(context.Context, string) ([]Activity, error) {
	return f.activities, nil
}

func projectWithCache(t *testing.T, source string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".jules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sourceCacheFile), []byte(source+"\n"), 0o644))
	return dir
}

func TestAPIAdapter_CompletesSession(t *testing.T) {
	api := &fakeAPI{
		states: []string{StateInProgress, StateInProgress, StateCompleted},
		activities: []Activity{
			{Description: "Plan generated", Originator: "agent"},
			{Description: "Edited", CodeChangeMade: &CodeChange{Files: []string{"b.go", "a.go"}}},
			{Description: "Edited again", CodeChangeMade: &CodeChange{Files: []string{"a.go"}}},
		},
	}
	adapter := NewAPIAdapter(api, WithPollInterval(time.Millisecond))

	out, err := adapter.ExecutePrompt(context.Background(), projectWithCache(t, "sources/x"), "add tests", nil)
	require.NoError(t, err)

	var res APIResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, []string{"a.go", "b.go"}, res.ModifiedFiles)
	assert.Equal(t, 3, res.ActivitiesCount)
	assert.Equal(t, "main", res.Metadata["branch"])
	assert.Equal(t, "sources/x", res.Metadata["source"])
	assert.Contains(t, res.Log, "Jules Session Activity Log:")
	assert.Equal(t, "sources/x", api.created.Source)
}

func TestAPIAdapter_FailedSession(t *testing.T) {
	api := &fakeAPI{states: []string{StateFailed}}
	adapter := NewAPIAdapter(api, WithPollInterval(time.Millisecond))

	out, err := adapter.ExecutePrompt(context.Background(), projectWithCache(t, "sources/x"), "p", nil)
	require.NoError(t, err)

	var res APIResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Success)
	assert.Equal(t, StateFailed, res.State)
}

func TestAPIAdapter_ApprovesPlan(t *testing.T) {
	api := &fakeAPI{states: []string{StatePlanning, StateAwaitingPlanApproval, StateInProgress, StateCompleted}}
	adapter := NewAPIAdapter(api, WithPollInterval(time.Millisecond))

	_, err := adapter.ExecutePrompt(context.Background(), projectWithCache(t, "sources/x"), "p", agent.Params{
		agent.ParamRequirePlanApproval: true,
		agent.ParamBranch:              "develop",
	})
	require.NoError(t, err)
	assert.True(t, api.approved)
	assert.True(t, api.created.RequirePlanApproval)
	assert.Equal(t, "develop", api.created.StartingBranch)
}

func TestAPIAdapter_Detached(t *testing.T) {
	api := &fakeAPI{states: []string{StateQueued}}
	adapter := NewAPIAdapter(api, WithPollInterval(time.Millisecond))

	out, err := adapter.ExecutePrompt(context.Background(), projectWithCache(t, "sources/x"), "p", agent.Params{
		agent.ParamDetached: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, api.polls)

	var res APIResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, StateQueued, res.State)
	assert.False(t, res.Success)
}

func TestAPIAdapter_Timeout(t *testing.T) {
	api := &fakeAPI{states: []string{StateInProgress}}
	adapter := NewAPIAdapter(api,
		WithPollInterval(5*time.Millisecond),
		WithSessionTimeout(50*time.Millisecond))

	_, err := adapter.ExecutePrompt(context.Background(), projectWithCache(t, "sources/x"), "p", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not complete within")
}

func TestAPIAdapter_ResolvesSourceByDirectoryName(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "widgets")
	require.NoError(t, os.Mkdir(project, 0o755))

	api := &fakeAPI{
		states: []string{StateCompleted},
		sources: []Source{
			{Name: "sources/github/acme/other", GitHubRepo: &GitHubRepo{Owner: "acme", Repo: "other"}},
			{Name: "sources/github/acme/widgets", GitHubRepo: &GitHubRepo{Owner: "acme", Repo: "widgets"}},
		},
	}
	adapter := NewAPIAdapter(api, WithPollInterval(time.Millisecond))

	_, err := adapter.ExecutePrompt(context.Background(), project, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "sources/github/acme/widgets", api.created.Source)

	cached, err := os.ReadFile(filepath.Join(project, sourceCacheFile))
	require.NoError(t, err)
	assert.Equal(t, "sources/github/acme/widgets", string(cached))
}

func TestAPIAdapter_SourceNotFound(t *testing.T) {
	api := &fakeAPI{states: []string{StateCompleted}}
	adapter := NewAPIAdapter(api)

	_, err := adapter.ExecutePrompt(context.Background(), t.TempDir(), "p", nil)
	require.ErrorIs(t, err, ErrSourceNotFound)
	assert.Contains(t, err.Error(), "https://jules.google/")
}

func TestAPIAdapter_RecordsSessions(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(events.TopicJules, 8)

	api := &fakeAPI{states: []string{StateCompleted}}
	adapter := NewAPIAdapter(api,
		WithPollInterval(time.Millisecond),
		WithSessionStore(store),
		WithEvents(bus))

	_, err = adapter.ExecutePrompt(context.Background(), projectWithCache(t, "sources/x"), "p", nil)
	require.NoError(t, err)

	sess, err := store.GetJulesSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, sess.State)
	assert.Equal(t, "api", sess.Mode)

	select {
	case evt := <-sub:
		assert.Equal(t, "s1", evt.TaskID())
	case <-time.After(time.Second):
		t.Fatal("expected a jules session event")
	}
}

func TestFormatActivityLog(t *testing.T) {
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'm'
	}
	log := formatActivityLog([]Activity{{
		Description:    "Wrote code",
		CreateTime:     "2026-01-01T00:00:00Z",
		Originator:     "agent",
		AgentMessaged:  &AgentMessage{AgentMessage: string(long)},
		CodeChangeMade: &CodeChange{Files: []string{"1", "2", "3", "4", "5", "6"}},
	}})

	assert.Contains(t, log, "1. Wrote code")
	assert.Contains(t, log, "Message: "+string(long[:100])+"...")
	assert.Contains(t, log, "Files changed: 1, 2, 3, 4, 5")
	assert.NotContains(t, log, "5, 6")
}
