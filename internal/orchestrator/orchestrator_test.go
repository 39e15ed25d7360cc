package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectlib/projectlib/internal/models"
	"github.com/projectlib/projectlib/internal/term"
)

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	mu            sync.Mutex
	statuses      map[string]models.RunState
	configs       map[string]models.RunConfiguration
	outcomes      map[string]int
	saveStatusErr error
}

func newMemStore() *memStore {
	return &memStore{
		statuses: make(map[string]models.RunState),
		configs:  make(map[string]models.RunConfiguration),
		outcomes: make(map[string]int),
	}
}

func (m *memStore) LoadRunStatuses(ctx context.Context) ([]models.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RunState, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) SaveRunStatus(ctx context.Context, state models.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveStatusErr != nil {
		return m.saveStatusErr
	}
	m.statuses[state.ProjectID] = state
	return nil
}

func (m *memStore) ListRunConfigurations(ctx context.Context, projectID string) ([]models.RunConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RunConfiguration
	for _, c := range m.configs {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) SaveRunConfiguration(ctx context.Context, cfg models.RunConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *memStore) UpdateRunOutcome(ctx context.Context, runID string, exitCode int, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[runID] = exitCode
	return nil
}

func (m *memStore) status(projectID string) (models.RunState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[projectID]
	return s, ok
}

// fakeBackend lets tests drive process exit by hand.
type fakeBackend struct {
	mu     sync.Mutex
	writes []byte
	kills  int
	cb     term.Callbacks
}

func (b *fakeBackend) Write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, p...)
	return nil
}

func (b *fakeBackend) Resize(cols, rows int) error { return nil }

func (b *fakeBackend) Kill(graceful bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kills++
	return nil
}

func (b *fakeBackend) killCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kills
}

func (b *fakeBackend) exit(code int) { b.cb.Exit(code) }

type fakeSpawner struct {
	mu       sync.Mutex
	backends []*fakeBackend
	specs    []term.CommandSpec
	err      error
}

func (f *fakeSpawner) spawn(spec term.CommandSpec, cb term.Callbacks) (term.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b := &fakeBackend{cb: cb}
	f.backends = append(f.backends, b)
	f.specs = append(f.specs, spec)
	return b, nil
}

func (f *fakeSpawner) backend(i int) *fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backends[i]
}

func (f *fakeSpawner) spec(i int) term.CommandSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[i]
}

var testProject = models.Project{ID: "p1", Name: "demo", Path: "/tmp/demo"}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memStore, *fakeSpawner) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	spawner := &fakeSpawner{}
	registry := term.NewRegistryWithSpawner(logger, spawner.spawn)
	o := New(store, registry, logger)
	return o, store, spawner
}

func TestStartWithoutConfigurationRejects(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	_, err := o.Start(context.Background(), testProject, StartOverrides{})
	require.ErrorIs(t, err, ErrMissingRunConfiguration)

	state, ok := o.State(testProject.ID)
	if ok {
		assert.Equal(t, models.RunStatusIdle, state.Status)
	}
}

func TestStartResolvesFromSavedConfiguration(t *testing.T) {
	o, store, spawner := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRunConfiguration(ctx, models.RunConfiguration{
		ID: "cfg1", ProjectID: testProject.ID, Command: "npm",
		Args: []string{"run", "dev"}, UpdatedAt: time.UnixMilli(1000),
	}))

	sessionID, err := o.Start(ctx, testProject, StartOverrides{})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	assert.Equal(t, "npm", spawner.spec(0).Command)
	assert.Equal(t, []string{"run", "dev"}, spawner.spec(0).Args)
	assert.Equal(t, testProject.Path, spawner.spec(0).Cwd)

	state, ok := o.State(testProject.ID)
	require.True(t, ok)
	assert.Equal(t, models.RunStatusRunning, state.Status)
	assert.Equal(t, sessionID, state.TabID)
	assert.Equal(t, "cfg1", state.LastRunID)
	require.NotNil(t, state.StartedAt)
	assert.Nil(t, state.FinishedAt)

	// Transition persisted before Start returned.
	persisted, ok := store.status(testProject.ID)
	require.True(t, ok)
	assert.Equal(t, models.RunStatusRunning, persisted.Status)

	spawner.backend(0).exit(0)

	state, _ = o.State(testProject.ID)
	assert.Equal(t, models.RunStatusSucceeded, state.Status)
	require.NotNil(t, state.LastExitCode)
	assert.Equal(t, 0, *state.LastExitCode)
	require.NotNil(t, state.FinishedAt)

	// Outcome written back to the saved configuration.
	assert.Equal(t, 0, store.outcomes["cfg1"])
}

func TestStartPrefersExplicitOverrides(t *testing.T) {
	o, _, spawner := newTestOrchestrator(t)

	_, err := o.Start(context.Background(), testProject, StartOverrides{
		Command: "cargo",
		Args:    []string{"run", "--release"},
		Env:     map[string]string{"RUST_LOG": "debug"},
		Cwd:     "/tmp/elsewhere",
	})
	require.NoError(t, err)

	spec := spawner.spec(0)
	assert.Equal(t, "cargo", spec.Command)
	assert.Equal(t, []string{"run", "--release"}, spec.Args)
	assert.Equal(t, map[string]string{"RUST_LOG": "debug"}, spec.Env)
	assert.Equal(t, "/tmp/elsewhere", spec.Cwd)
}

func TestSecondStartRejectedWhileActive(t *testing.T) {
	o, _, spawner := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Start(ctx, testProject, StartOverrides{Command: "make"})
	require.NoError(t, err)

	_, err = o.Start(ctx, testProject, StartOverrides{Command: "make"})
	require.ErrorIs(t, err, ErrRunAlreadyInProgress)

	// A terminal state re-admits start.
	spawner.backend(0).exit(0)
	_, err = o.Start(ctx, testProject, StartOverrides{})
	require.NoError(t, err)
}

func TestConcurrentStartsAdmitExactlyOne(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Start(ctx, testProject, StartOverrides{Command: "make"})
		}(i)
	}
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if errors.Is(err, ErrRunAlreadyInProgress) {
			rejected++
		} else {
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 1, rejected)
}

func TestStopYieldsStoppedRegardlessOfExitCode(t *testing.T) {
	o, _, spawner := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Start(ctx, testProject, StartOverrides{Command: "make"})
	require.NoError(t, err)

	o.Stop(testProject.ID)
	assert.Equal(t, 1, spawner.backend(0).killCount())

	spawner.backend(0).exit(137)

	state, _ := o.State(testProject.ID)
	assert.Equal(t, models.RunStatusStopped, state.Status)
	require.NotNil(t, state.LastExitCode)
	assert.Equal(t, 137, *state.LastExitCode)
	assert.Nil(t, o.Notifier().Pending(), "a requested stop must not raise a failure toast")
}

func TestStopWithoutRunIsNoop(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.Stop(testProject.ID)
	o.Stop("never-seen")
}

func TestFailureEmitsSingleDismissibleNotification(t *testing.T) {
	o, _, spawner := newTestOrchestrator(t)
	ctx := context.Background()

	sessionID, err := o.Start(ctx, testProject, StartOverrides{Command: "make"})
	require.NoError(t, err)
	spawner.backend(0).exit(2)

	state, _ := o.State(testProject.ID)
	assert.Equal(t, models.RunStatusFailed, state.Status)

	note := o.Notifier().Pending()
	require.NotNil(t, note)
	assert.Equal(t, testProject.ID, note.ProjectID)
	assert.Equal(t, sessionID, note.SessionID)
	assert.Contains(t, note.Message, "demo")

	o.Notifier().Dismiss()
	assert.Nil(t, o.Notifier().Pending())
}

func TestIndeterminateExitCodeCountsAsFailed(t *testing.T) {
	o, _, spawner := newTestOrchestrator(t)

	_, err := o.Start(context.Background(), testProject, StartOverrides{Command: "make"})
	require.NoError(t, err)
	spawner.backend(0).exit(term.ExitCodeUnknown)

	state, _ := o.State(testProject.ID)
	assert.Equal(t, models.RunStatusFailed, state.Status)
}

func TestPTYFailureFallsBackToAdapter(t *testing.T) {
	o, _, spawner := newTestOrchestrator(t)
	spawner.err = errors.New("pty unavailable")

	fallback := &fakeSpawner{}
	o.fallback = fallback.spawn

	sessionID, err := o.Start(context.Background(), testProject, StartOverrides{Command: "make"})
	require.NoError(t, err)

	require.Len(t, fallback.backends, 1)
	state, _ := o.State(testProject.ID)
	assert.Equal(t, models.RunStatusRunning, state.Status)
	assert.Equal(t, sessionID, state.TabID)

	// The fallback session is indistinguishable: write, stop, exit all work.
	o.registry.Write(sessionID, []byte("input"))
	assert.Equal(t, []byte("input"), fallback.backend(0).writes)

	o.Stop(testProject.ID)
	fallback.backend(0).exit(130)
	state, _ = o.State(testProject.ID)
	assert.Equal(t, models.RunStatusStopped, state.Status)
}

func TestBothSpawnsFailingRollsBackToFailed(t *testing.T) {
	o, store, spawner := newTestOrchestrator(t)
	spawner.err = errors.New("pty unavailable")
	o.fallback = func(spec term.CommandSpec, cb term.Callbacks) (term.Backend, error) {
		return nil, errors.New("exec not found")
	}

	_, err := o.Start(context.Background(), testProject, StartOverrides{Command: "bad-cmd"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRunAlreadyInProgress)

	state, _ := o.State(testProject.ID)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Empty(t, state.TabID)
	require.NotNil(t, state.FinishedAt)

	persisted, ok := store.status(testProject.ID)
	require.True(t, ok)
	assert.Equal(t, models.RunStatusFailed, persisted.Status)

	// No run process lingers.
	o.Stop(testProject.ID)
}

func TestStartRepeatsLastInvocation(t *testing.T) {
	o, _, spawner := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Start(ctx, testProject, StartOverrides{Command: "npm", Args: []string{"run", "dev"}})
	require.NoError(t, err)
	spawner.backend(0).exit(0)

	_, err = o.Start(ctx, testProject, StartOverrides{})
	require.NoError(t, err)

	spec := spawner.spec(1)
	assert.Equal(t, "npm", spec.Command)
	assert.Equal(t, []string{"run", "dev"}, spec.Args)
}

func TestRememberConfigurationRoundTrip(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	cfg := models.RunConfiguration{
		Command: "go",
		Args:    []string{"run", "."},
		Env:     map[string]string{"GOFLAGS": "-race"},
		Cwd:     "/tmp/demo",
	}
	require.NoError(t, o.RememberConfiguration(ctx, testProject, cfg))

	configs, err := store.ListRunConfigurations(ctx, testProject.ID)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, cfg.Command, configs[0].Command)
	assert.Equal(t, cfg.Args, configs[0].Args)
	assert.Equal(t, cfg.Env, configs[0].Env)
	assert.Equal(t, cfg.Cwd, configs[0].Cwd)

	// Last-used fields refreshed, status untouched.
	state, ok := o.State(testProject.ID)
	require.True(t, ok)
	assert.Equal(t, models.RunStatusIdle, state.Status)
	assert.Equal(t, "go", state.LastCommand)
	assert.Equal(t, configs[0].ID, state.LastRunID)
}

func TestLoadPersistedStatesReconciles(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	exit := 0
	require.NoError(t, store.SaveRunStatus(ctx, models.RunState{
		ProjectID: "p1", Status: models.RunStatusSucceeded, LastExitCode: &exit, TabID: "stale-tab",
	}))
	require.NoError(t, store.SaveRunStatus(ctx, models.RunState{
		ProjectID: "p2", Status: models.RunStatusRunning,
	}))
	require.NoError(t, store.SaveRunStatus(ctx, models.RunState{
		ProjectID: "gone", Status: models.RunStatusIdle,
	}))

	projects := []models.Project{{ID: "p1"}, {ID: "p2"}, {ID: "fresh"}}
	require.NoError(t, o.LoadPersistedStates(ctx, projects))

	states := o.States()
	require.Len(t, states, 3)

	assert.Equal(t, models.RunStatusSucceeded, states["p1"].Status)
	assert.Empty(t, states["p1"].TabID, "sessions do not survive a restart")

	// A row stuck in running means the previous process died mid-run.
	assert.Equal(t, models.RunStatusFailed, states["p2"].Status)
	assert.Nil(t, states["p2"].LastExitCode)
	demoted, _ := store.status("p2")
	assert.Equal(t, models.RunStatusFailed, demoted.Status)

	assert.Equal(t, models.RunStatusIdle, states["fresh"].Status)
	_, known := states["gone"]
	assert.False(t, known)
}

func TestSyncProjectsAddsAndDrops(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	o.SyncProjects([]models.Project{{ID: "p1"}, {ID: "p2"}})
	assert.Len(t, o.States(), 2)

	o.SyncProjects([]models.Project{{ID: "p2"}, {ID: "p3"}})
	states := o.States()
	require.Len(t, states, 2)
	_, hasP1 := states["p1"]
	assert.False(t, hasP1)
	assert.Equal(t, models.RunStatusIdle, states["p3"].Status)
}

func TestDistinctProjectsDoNotInterfere(t *testing.T) {
	o, _, spawner := newTestOrchestrator(t)
	ctx := context.Background()

	p1 := models.Project{ID: "p1", Name: "one", Path: "/tmp/one"}
	p2 := models.Project{ID: "p2", Name: "two", Path: "/tmp/two"}

	s1, err := o.Start(ctx, p1, StartOverrides{Command: "make"})
	require.NoError(t, err)
	s2, err := o.Start(ctx, p2, StartOverrides{Command: "cargo"})
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	spawner.backend(0).exit(1)

	state1, _ := o.State("p1")
	state2, _ := o.State("p2")
	assert.Equal(t, models.RunStatusFailed, state1.Status)
	assert.Equal(t, models.RunStatusRunning, state2.Status)

	spawner.backend(1).exit(0)
	state2, _ = o.State("p2")
	assert.Equal(t, models.RunStatusSucceeded, state2.Status)
}

func TestSubscribeSeesEveryTransition(t *testing.T) {
	o, _, spawner := newTestOrchestrator(t)
	ch, cancel := o.Subscribe()
	defer cancel()

	drain := func() bool {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}

	_, err := o.Start(context.Background(), testProject, StartOverrides{Command: "make"})
	require.NoError(t, err)
	assert.True(t, drain(), "start must nudge subscribers before returning")

	state, _ := o.State(testProject.ID)
	assert.Equal(t, models.RunStatusRunning, state.Status)

	spawner.backend(0).exit(0)
	assert.True(t, drain())
}

func TestPersistenceFailureKeepsMemoryAuthoritative(t *testing.T) {
	o, store, spawner := newTestOrchestrator(t)
	store.saveStatusErr = errors.New("disk full")

	_, err := o.Start(context.Background(), testProject, StartOverrides{Command: "make"})
	require.NoError(t, err, "persistence failures are logged, not raised")

	state, _ := o.State(testProject.ID)
	assert.Equal(t, models.RunStatusRunning, state.Status)

	spawner.backend(0).exit(0)
	state, _ = o.State(testProject.ID)
	assert.Equal(t, models.RunStatusSucceeded, state.Status)
}

func TestImmediateExitRacesStartTail(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	// Exit fires on its own goroutine before Start re-acquires the lock,
	// the shortest-lived process imaginable.
	spawn := func(spec term.CommandSpec, cb term.Callbacks) (term.Backend, error) {
		b := &fakeBackend{cb: cb}
		go cb.Exit(0)
		return b, nil
	}
	o := New(store, term.NewRegistryWithSpawner(logger, spawn), logger)

	ch, cancel := o.Subscribe()
	defer cancel()

	_, err := o.Start(context.Background(), testProject, StartOverrides{Command: "true"})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		state, _ := o.State(testProject.ID)
		if !state.Status.Active() {
			assert.Equal(t, models.RunStatusSucceeded, state.Status)
			require.NotNil(t, state.LastExitCode)
			assert.Equal(t, 0, *state.LastExitCode)
			break
		}
		select {
		case <-ch:
		case <-deadline:
			t.Fatal("run never settled")
		}
	}

	// The run process is gone, so a fresh start is admitted.
	_, err = o.Start(context.Background(), testProject, StartOverrides{})
	require.NoError(t, err)
}

func TestStartDisposesPreviousRunSession(t *testing.T) {
	o, _, spawner := newTestOrchestrator(t)
	ctx := context.Background()

	first, err := o.Start(ctx, testProject, StartOverrides{Command: "make"})
	require.NoError(t, err)
	spawner.backend(0).exit(0)

	// The finished run's session stays readable until the next run.
	_, ok := o.registry.Session(first)
	require.True(t, ok)

	second, err := o.Start(ctx, testProject, StartOverrides{})
	require.NoError(t, err)

	_, ok = o.registry.Session(first)
	assert.False(t, ok, "the dead run session must be disposed when a new run binds")
	_, ok = o.registry.Session(second)
	assert.True(t, ok)
	assert.Equal(t, 1, o.registry.SessionCount(testProject.ID))
}

func TestRememberFlagSavesConfigurationOnStart(t *testing.T) {
	o, store, spawner := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Start(ctx, testProject, StartOverrides{
		Command:  "npm",
		Args:     []string{"run", "dev"},
		Remember: true,
	})
	require.NoError(t, err)

	configs, err := store.ListRunConfigurations(ctx, testProject.ID)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "npm", configs[0].Command)

	// Exit writes the outcome back to the remembered configuration.
	spawner.backend(0).exit(0)
	assert.Equal(t, 0, store.outcomes[configs[0].ID])
}
