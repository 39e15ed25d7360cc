package term

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/projectlib/projectlib/internal/models"
)

// Session is one live terminal surface bound to exactly one backing
// process. The registry owns the process handle; everyone else sees ids
// and summaries.
type Session struct {
	ID        string
	ProjectID string
	Title     string
	Cwd       string
	Kind      models.SessionKind

	backend Backend
	buffer  *Buffer
}

// Output returns the current scrollback contents.
func (s *Session) Output() string {
	return s.buffer.Contents()
}

// Registry owns all live sessions: creation, data flow wiring, disposal,
// and broadcasting of the session set.
type Registry struct {
	logger     *slog.Logger
	spawn      SpawnFunc
	shellFn    func() Shell
	scrollback int

	mu       sync.Mutex
	sessions map[string]*Session
	ordinals map[string]int // per-project terminal numbering
	shell    *Shell         // resolved once, then cached
	watchers []chan struct{}
}

func NewRegistry(logger *slog.Logger) *Registry {
	return NewRegistryWithSpawner(logger, SpawnPTY)
}

// NewRegistryWithSpawner overrides the default PTY spawner; tests inject
// fakes here.
func NewRegistryWithSpawner(logger *slog.Logger, spawn SpawnFunc) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger,
		spawn:      spawn,
		shellFn:    DefaultShell,
		scrollback: DefaultScrollback,
		sessions:   make(map[string]*Session),
		ordinals:   make(map[string]int),
	}
}

// SetScrollback adjusts the per-session scrollback cap for sessions
// created after the call.
func (r *Registry) SetScrollback(bytes int) {
	if bytes > 0 {
		r.scrollback = bytes
	}
}

// SetShell overrides platform shell resolution for interactive sessions.
func (r *Registry) SetShell(program string, args ...string) {
	if program == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shell = &Shell{Program: program, Args: args}
}

// CreateInteractiveSession spawns the platform default shell rooted at
// projectPath and registers it under a per-project ordinal title.
func (r *Registry) CreateInteractiveSession(projectID, projectPath string) (*Session, error) {
	r.mu.Lock()
	if r.shell == nil {
		sh := r.shellFn()
		r.shell = &sh
	}
	shell := *r.shell
	r.ordinals[projectID]++
	title := fmt.Sprintf("Terminal %d", r.ordinals[projectID])
	r.mu.Unlock()

	spec := CommandSpec{Command: shell.Program, Args: shell.Args, Cwd: projectPath}
	return r.create(projectID, title, models.SessionKindShell, spec, nil, nil)
}

// CreateRunSession spawns a run command for a project. spawn may override
// the default PTY path (the orchestrator passes the ShellAdapter spawner
// when the PTY fails); onExit, if set, observes the process exit code.
// A spawn failure propagates untouched: it is the caller's fallback
// trigger.
func (r *Registry) CreateRunSession(projectID, title string, spec CommandSpec, spawn SpawnFunc, onExit func(code int)) (*Session, error) {
	return r.create(projectID, title, models.SessionKindRun, spec, spawn, onExit)
}

func (r *Registry) create(projectID, title string, kind models.SessionKind, spec CommandSpec, spawn SpawnFunc, onExit func(code int)) (*Session, error) {
	if spawn == nil {
		spawn = r.spawn
	}

	buffer := NewBuffer(r.scrollback)
	id := uuid.NewString()

	cb := Callbacks{
		Data: buffer.Write,
		Exit: func(code int) {
			buffer.WriteEpilogue(code)
			r.notify()
			if onExit != nil {
				onExit(code)
			}
		},
	}

	backend, err := spawn(spec, cb)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:        id,
		ProjectID: projectID,
		Title:     title,
		Cwd:       spec.Cwd,
		Kind:      kind,
		backend:   backend,
		buffer:    buffer,
	}

	r.mu.Lock()
	r.sessions[id] = session
	r.mu.Unlock()
	r.notify()

	r.logger.Info("terminal session created",
		"session", id, "project", projectID, "kind", string(kind), "command", spec.Command)
	return session, nil
}

// Write forwards data to a session's backing process. Unknown ids are
// no-ops; write failures are logged, never raised: a broken pipe must
// not take the application down.
func (r *Registry) Write(sessionID string, data []byte) {
	session, ok := r.get(sessionID)
	if !ok {
		return
	}
	if err := session.backend.Write(data); err != nil {
		r.logger.Warn("terminal write failed", "session", sessionID, "error", err)
	}
}

// Resize forwards a geometry change. Non-positive dimensions and unknown
// ids are ignored.
func (r *Registry) Resize(sessionID string, cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	session, ok := r.get(sessionID)
	if !ok {
		return
	}
	if err := session.backend.Resize(cols, rows); err != nil {
		r.logger.Warn("terminal resize failed", "session", sessionID, "error", err)
	}
}

// Kill signals a session's backing process. Unknown ids are no-ops.
func (r *Registry) Kill(sessionID string, graceful bool) error {
	session, ok := r.get(sessionID)
	if !ok {
		return nil
	}
	return session.backend.Kill(graceful)
}

// Dispose tears a session down: kills the backing process (best effort),
// closes the buffer, removes the session, and republishes the session
// list. Safe to call twice.
func (r *Registry) Dispose(sessionID string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := session.backend.Kill(false); err != nil {
		r.logger.Warn("kill on dispose failed", "session", sessionID, "error", err)
	}
	session.buffer.Close()
	r.notify()

	r.logger.Info("terminal session disposed", "session", sessionID, "project", session.ProjectID)
}

// Session returns a live session by id.
func (r *Registry) Session(sessionID string) (*Session, bool) {
	return r.get(sessionID)
}

// Sessions returns a summary snapshot of all live sessions, ordered by
// project then title.
func (r *Registry) Sessions() []models.SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.SessionSummary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, models.SessionSummary{
			ID:        s.ID,
			ProjectID: s.ProjectID,
			Title:     s.Title,
			Kind:      s.Kind,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// SessionCount reports how many live sessions a project has.
func (r *Registry) SessionCount(projectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sessions {
		if s.ProjectID == projectID {
			n++
		}
	}
	return n
}

// Subscribe returns a channel that receives a nudge whenever the session
// set changes. Notifications coalesce; read the snapshot with Sessions.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, w := range r.watchers {
			if w == ch {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

func (r *Registry) get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

func (r *Registry) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
