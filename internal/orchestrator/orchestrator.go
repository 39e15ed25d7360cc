package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projectlib/projectlib/internal/models"
	"github.com/projectlib/projectlib/internal/term"
)

// Typed, recoverable conditions. Callers handle these explicitly: prompt
// for a configuration, or ignore the duplicate start.
var (
	ErrRunAlreadyInProgress    = errors.New("a run is already in progress for this project")
	ErrMissingRunConfiguration = errors.New("no run configuration for this project")
)

// StartOverrides lets a caller replace any subset of the resolved
// invocation. RunID ties the invocation to a saved configuration so its
// outcome fields get updated on exit; Remember saves the resolved tuple
// as a new configuration before starting.
type StartOverrides struct {
	Command  string
	Args     []string
	Env      map[string]string
	Cwd      string
	RunID    string
	Remember bool
}

// runProcess is the orchestrator's handle on one live run: never the raw
// process, only a kill capability, the bound session, and the flag that
// disambiguates a requested stop from a natural exit.
type runProcess struct {
	projectID     string
	runID         string
	sessionID     string
	stopRequested bool
	kill          func() error
}

// Orchestrator drives the per-project run state machine:
// idle → starting → running → succeeded | failed | stopped → idle.
// Every transition persists a status snapshot before the mutating call
// returns; the in-memory map stays authoritative if persistence fails.
type Orchestrator struct {
	store    Store
	registry *term.Registry
	logger   *slog.Logger
	notifier *Notifier

	// fallback spawns the subprocess path when the PTY spawn fails.
	fallback term.SpawnFunc
	now      func() time.Time

	mu       sync.Mutex
	states   map[string]models.RunState
	procs    map[string]*runProcess
	watchers []chan struct{}
}

func New(store Store, registry *term.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		logger:   logger,
		notifier: NewNotifier(),
		fallback: term.SpawnAdapter,
		now:      time.Now,
		states:   make(map[string]models.RunState),
		procs:    make(map[string]*runProcess),
	}
}

// Start resolves the effective command for project, spawns it in a new
// terminal session, and transitions idle/terminal → starting → running.
// It returns the bound session id as soon as the process is up; it does
// not wait for completion.
func (o *Orchestrator) Start(ctx context.Context, project models.Project, ov StartOverrides) (string, error) {
	o.mu.Lock()
	state := o.stateLocked(project.ID)
	if state.Status.Active() {
		o.mu.Unlock()
		return "", ErrRunAlreadyInProgress
	}

	inv, err := o.resolveLocked(ctx, project, state, ov)
	if err != nil {
		o.mu.Unlock()
		return "", err
	}

	if ov.Remember {
		cfg := models.RunConfiguration{
			ID:        inv.runID,
			ProjectID: project.ID,
			Command:   inv.spec.Command,
			Args:      inv.spec.Args,
			Env:       inv.spec.Env,
			Cwd:       inv.spec.Cwd,
			UpdatedAt: o.now(),
		}
		if err := o.store.SaveRunConfiguration(ctx, cfg); err != nil {
			o.logger.Error("failed to save run configuration", "project", project.ID, "error", err)
		}
	}

	now := o.now()
	previousTab := state.TabID
	state.Status = models.RunStatusStarting
	state.LastRunID = inv.runID
	state.LastCommand = inv.spec.Command
	state.LastArgs = inv.spec.Args
	state.LastEnv = inv.spec.Env
	state.LastCwd = inv.spec.Cwd
	state.LastExitCode = nil
	state.StartedAt = &now
	state.FinishedAt = nil
	state.TabID = ""
	o.commitLocked(ctx, state)

	proc := &runProcess{projectID: project.ID, runID: inv.runID}
	o.procs[project.ID] = proc
	o.mu.Unlock()

	// The previous run's session outlived its process so the output stayed
	// readable; a new run replaces it.
	if previousTab != "" {
		o.registry.Dispose(previousTab)
	}

	title := fmt.Sprintf("Run: %s", inv.spec.Command)
	onExit := func(code int) { o.finishRun(project, proc, code) }

	session, err := o.registry.CreateRunSession(project.ID, title, inv.spec, nil, onExit)
	if err != nil {
		o.logger.Warn("pty spawn failed, falling back to subprocess",
			"project", project.ID, "command", inv.spec.Command, "error", err)
		session, err = o.registry.CreateRunSession(project.ID, title, inv.spec, o.fallback, onExit)
	}
	if err != nil {
		o.mu.Lock()
		delete(o.procs, project.ID)
		state = o.stateLocked(project.ID)
		finished := o.now()
		state.Status = models.RunStatusFailed
		state.FinishedAt = &finished
		o.commitLocked(ctx, state)
		o.mu.Unlock()
		return "", fmt.Errorf("failed to start run for %s: %w", project.Name, err)
	}

	o.mu.Lock()
	proc.sessionID = session.ID
	proc.kill = func() error { return o.registry.Kill(session.ID, true) }
	state = o.stateLocked(project.ID)
	if state.Status == models.RunStatusStarting {
		// A very short-lived process may already have driven the state to
		// a terminal status; only then is the running transition skipped.
		state.Status = models.RunStatusRunning
		state.TabID = session.ID
		o.commitLocked(ctx, state)
	}
	o.mu.Unlock()

	o.logger.Info("run started",
		"project", project.ID, "session", session.ID, "command", inv.spec.Command)
	return session.ID, nil
}

// Stop requests termination of the project's live run. Advisory: the
// authoritative transition to stopped happens only when the process
// actually exits.
func (o *Orchestrator) Stop(projectID string) {
	o.mu.Lock()
	proc := o.procs[projectID]
	if proc == nil {
		o.mu.Unlock()
		return
	}
	proc.stopRequested = true
	kill := proc.kill
	o.mu.Unlock()

	if kill == nil {
		return
	}
	if err := kill(); err != nil {
		o.logger.Warn("kill failed", "project", projectID, "error", err)
	}
}

// finishRun is the single authoritative writer of final run status. It
// runs on the backend's exit notification.
func (o *Orchestrator) finishRun(project models.Project, proc *runProcess, code int) {
	ctx := context.Background()

	o.mu.Lock()
	if o.procs[proc.projectID] == proc {
		delete(o.procs, proc.projectID)
	}
	state, known := o.states[proc.projectID]
	if !known {
		o.mu.Unlock()
		o.logger.Warn("run finished for unknown project", "project", proc.projectID)
		return
	}

	var outcome models.RunStatus
	switch {
	case proc.stopRequested:
		outcome = models.RunStatusStopped
	case code != 0:
		outcome = models.RunStatusFailed
	default:
		outcome = models.RunStatusSucceeded
	}

	finished := o.now()
	exit := code
	state.Status = outcome
	state.LastExitCode = &exit
	state.FinishedAt = &finished
	o.commitLocked(ctx, state)
	// Start's tail writes proc.sessionID under o.mu; take a copy while we
	// still hold it.
	sessionID := proc.sessionID
	o.mu.Unlock()

	// Best-effort: a no-op when the run id does not name a saved
	// configuration.
	if err := o.store.UpdateRunOutcome(ctx, proc.runID, code, finished); err != nil {
		o.logger.Error("failed to update run outcome", "run", proc.runID, "error", err)
	}

	if outcome == models.RunStatusFailed {
		o.notifier.Publish(Notification{
			ProjectID:   project.ID,
			ProjectName: project.Name,
			SessionID:   sessionID,
			Message:     fmt.Sprintf("Run failed for %s (exit code %d)", project.Name, code),
		})
	}

	o.logger.Info("run finished",
		"project", proc.projectID, "session", sessionID, "status", string(outcome), "exit_code", code)
}

// RememberConfiguration persists cfg and refreshes the project's
// last-used fields without touching its status.
func (o *Orchestrator) RememberConfiguration(ctx context.Context, project models.Project, cfg models.RunConfiguration) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.ProjectID = project.ID
	cfg.UpdatedAt = o.now()

	if err := o.store.SaveRunConfiguration(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save run configuration: %w", err)
	}

	o.mu.Lock()
	state := o.stateLocked(project.ID)
	state.LastRunID = cfg.ID
	state.LastCommand = cfg.Command
	state.LastArgs = append([]string(nil), cfg.Args...)
	state.LastEnv = cloneEnv(cfg.Env)
	state.LastCwd = cfg.Cwd
	o.commitLocked(ctx, state)
	o.mu.Unlock()

	return nil
}

// LoadPersistedStates rebuilds the state map from storage at startup.
// Unknown projects are dropped, missing ones synthesize idle, and rows a
// crashed previous process left in starting/running demote to failed:
// nothing is running after a restart, and idle would hide that the last
// run never finished.
func (o *Orchestrator) LoadPersistedStates(ctx context.Context, projects []models.Project) error {
	stored, err := o.store.LoadRunStatuses(ctx)
	if err != nil {
		return fmt.Errorf("failed to load run statuses: %w", err)
	}

	known := make(map[string]bool, len(projects))
	for _, p := range projects {
		known[p.ID] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.states = make(map[string]models.RunState, len(projects))
	for _, state := range stored {
		if !known[state.ProjectID] {
			continue
		}
		if state.Status.Active() {
			state.Status = models.RunStatusFailed
			state.LastExitCode = nil
			state.TabID = ""
			o.commitLocked(ctx, state)
			continue
		}
		state.TabID = "" // sessions do not survive a restart
		o.states[state.ProjectID] = state
	}
	for _, p := range projects {
		if _, ok := o.states[p.ID]; !ok {
			o.states[p.ID] = models.RunState{
				ProjectID: p.ID,
				Status:    models.RunStatusIdle,
				UpdatedAt: o.now(),
			}
		}
	}

	o.notifyLocked()
	return nil
}

// SyncProjects reconciles the in-memory state set against the known
// project set. Pure set reconciliation: no process is touched.
func (o *Orchestrator) SyncProjects(projects []models.Project) {
	known := make(map[string]bool, len(projects))
	for _, p := range projects {
		known[p.ID] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for id := range o.states {
		if !known[id] {
			delete(o.states, id)
		}
	}
	for _, p := range projects {
		if _, ok := o.states[p.ID]; !ok {
			o.states[p.ID] = models.RunState{
				ProjectID: p.ID,
				Status:    models.RunStatusIdle,
				UpdatedAt: o.now(),
			}
		}
	}

	o.notifyLocked()
}

// State returns the current run state for one project.
func (o *Orchestrator) State(projectID string) (models.RunState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[projectID]
	return state.Clone(), ok
}

// States returns a snapshot of all run states keyed by project id.
func (o *Orchestrator) States() map[string]models.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]models.RunState, len(o.states))
	for id, state := range o.states {
		out[id] = state.Clone()
	}
	return out
}

// Subscribe returns a channel nudged on every state mutation. The
// mutation is already visible through States by the time the nudge
// arrives; notifications coalesce.
func (o *Orchestrator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	o.mu.Lock()
	o.watchers = append(o.watchers, ch)
	o.mu.Unlock()

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, w := range o.watchers {
			if w == ch {
				o.watchers = append(o.watchers[:i], o.watchers[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// Notifier exposes the failure toast channel.
func (o *Orchestrator) Notifier() *Notifier {
	return o.notifier
}

// invocation is a fully resolved run command.
type invocation struct {
	runID string
	spec  term.CommandSpec
}

// resolveLocked builds the effective invocation: explicit overrides win,
// then the project's last-used command, then the most recently saved
// configuration.
func (o *Orchestrator) resolveLocked(ctx context.Context, project models.Project, state models.RunState, ov StartOverrides) (invocation, error) {
	var inv invocation

	switch {
	case state.LastCommand != "":
		inv.runID = state.LastRunID
		inv.spec = term.CommandSpec{
			Command: state.LastCommand,
			Args:    append([]string(nil), state.LastArgs...),
			Env:     cloneEnv(state.LastEnv),
			Cwd:     state.LastCwd,
		}
	case ov.Command == "":
		configs, err := o.store.ListRunConfigurations(ctx, project.ID)
		if err != nil {
			return inv, fmt.Errorf("failed to load run configurations: %w", err)
		}
		if len(configs) > 0 {
			cfg := configs[0]
			inv.runID = cfg.ID
			inv.spec = term.CommandSpec{
				Command: cfg.Command,
				Args:    append([]string(nil), cfg.Args...),
				Env:     cloneEnv(cfg.Env),
				Cwd:     cfg.Cwd,
			}
		}
	}

	if ov.Command != "" {
		inv.spec.Command = ov.Command
	}
	if ov.Args != nil {
		inv.spec.Args = append([]string(nil), ov.Args...)
	}
	if ov.Env != nil {
		inv.spec.Env = cloneEnv(ov.Env)
	}
	if ov.Cwd != "" {
		inv.spec.Cwd = ov.Cwd
	}
	if ov.RunID != "" {
		inv.runID = ov.RunID
	}

	if inv.spec.Command == "" {
		return inv, ErrMissingRunConfiguration
	}
	if inv.spec.Cwd == "" {
		inv.spec.Cwd = project.Path
	}
	if inv.runID == "" {
		inv.runID = uuid.NewString()
	}
	return inv, nil
}

// stateLocked returns the project's state, synthesizing idle for a
// project seen for the first time. Caller holds o.mu.
func (o *Orchestrator) stateLocked(projectID string) models.RunState {
	if state, ok := o.states[projectID]; ok {
		return state
	}
	return models.RunState{ProjectID: projectID, Status: models.RunStatusIdle}
}

// commitLocked makes a mutation authoritative: in-memory first, then the
// persisted snapshot, then the change nudge, all before the mutating
// call returns. Persistence failures are logged; memory stays the source
// of truth for this session. Caller holds o.mu.
func (o *Orchestrator) commitLocked(ctx context.Context, state models.RunState) {
	state.UpdatedAt = o.now()
	o.states[state.ProjectID] = state
	if err := o.store.SaveRunStatus(ctx, state); err != nil {
		o.logger.Error("failed to persist run status",
			"project", state.ProjectID, "status", string(state.Status), "error", err)
	}
	o.notifyLocked()
}

func (o *Orchestrator) notifyLocked() {
	for _, ch := range o.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func cloneEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
