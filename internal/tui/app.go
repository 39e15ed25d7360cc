package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/projectlib/projectlib/internal/detect"
	"github.com/projectlib/projectlib/internal/models"
	"github.com/projectlib/projectlib/internal/orchestrator"
	"github.com/projectlib/projectlib/internal/storage"
	"github.com/projectlib/projectlib/internal/term"
)

type View int

const (
	ViewProjects View = iota
	ViewTerminal
	ViewRunForm
	ViewSuggestions
)

// Form field order in the run form.
const (
	fieldCommand = iota
	fieldArgs
	fieldEnv
	fieldCwd
	fieldCount
)

type App struct {
	orch        *orchestrator.Orchestrator
	registry    *term.Registry
	store       *storage.Storage
	detectorDir string
	logger      *slog.Logger

	stateCh   <-chan struct{}
	sessionCh <-chan struct{}

	view        View
	projects    []models.Project
	selectedIdx int

	activeSession string
	terminal      viewport.Model
	termReady     bool

	inputs   []textinput.Model
	focusIdx int
	remember bool

	suggestions    []models.RunSuggestion
	selectedSugIdx int

	width  int
	height int
	err    error
}

func NewApp(orch *orchestrator.Orchestrator, registry *term.Registry, store *storage.Storage, detectorDir string, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	stateCh, _ := orch.Subscribe()
	sessionCh, _ := registry.Subscribe()

	inputs := make([]textinput.Model, fieldCount)
	for i := range inputs {
		inputs[i] = textinput.New()
		inputs[i].CharLimit = 512
	}
	inputs[fieldCommand].Placeholder = "command (e.g. pnpm)"
	inputs[fieldArgs].Placeholder = "args (space separated)"
	inputs[fieldEnv].Placeholder = "env (KEY=VALUE, space separated)"
	inputs[fieldCwd].Placeholder = "working directory (defaults to project path)"

	return &App{
		orch:        orch,
		registry:    registry,
		store:       store,
		detectorDir: detectorDir,
		logger:      logger,
		stateCh:     stateCh,
		sessionCh:   sessionCh,
		view:        ViewProjects,
		inputs:      inputs,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadProjects, a.waitForState(), a.waitForSessions())
}

// waitForState turns the orchestrator's coalescing nudge channel into a
// bubbletea message. Re-armed after every delivery.
func (a *App) waitForState() tea.Cmd {
	return func() tea.Msg {
		<-a.stateCh
		return stateChangedMsg{}
	}
}

func (a *App) waitForSessions() tea.Cmd {
	return func() tea.Msg {
		<-a.sessionCh
		return sessionChangedMsg{}
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.layoutTerminal()
		if a.activeSession != "" {
			a.registry.Resize(a.activeSession, a.terminal.Width, a.terminal.Height)
		}
		return a, nil

	case projectsLoadedMsg:
		a.projects = msg.projects
		a.err = msg.err
		if msg.err == nil {
			a.orch.SyncProjects(msg.projects)
		}
		if a.selectedIdx >= len(a.projects) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.projects) - 1
		}
		return a, nil

	case stateChangedMsg:
		// The snapshot is already current; re-render and re-arm.
		return a, a.waitForState()

	case sessionChangedMsg:
		if a.view == ViewTerminal {
			a.refreshTerminal()
		}
		return a, a.waitForSessions()

	case runStartedMsg:
		if msg.err != nil {
			if errors.Is(msg.err, orchestrator.ErrMissingRunConfiguration) {
				return a.openRunForm()
			}
			if !errors.Is(msg.err, orchestrator.ErrRunAlreadyInProgress) {
				a.err = msg.err
			}
			return a, nil
		}
		a.err = nil
		return a.openTerminal(msg.sessionID)

	case terminalOpenedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		return a.openTerminal(msg.sessionID)

	case suggestionsMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.suggestions = msg.suggestions
		a.selectedSugIdx = 0
		a.view = ViewSuggestions
		return a, nil

	case projectDeletedMsg:
		a.err = msg.err
		return a, a.loadProjects
	}

	if a.view == ViewRunForm {
		return a.updateFormInputs(msg)
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewProjects:
		return a.handleProjectsKey(msg)
	case ViewTerminal:
		return a.handleTerminalKey(msg)
	case ViewRunForm:
		return a.handleRunFormKey(msg)
	case ViewSuggestions:
		return a.handleSuggestionsKey(msg)
	}
	return a, nil
}

func (a *App) handleProjectsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.projects)-1 {
			a.selectedIdx++
		}

	case "enter":
		if p, ok := a.selectedProject(); ok {
			// Re-open the run's terminal if one is live, otherwise drop
			// into an interactive shell in the project directory.
			if state, ok := a.orch.State(p.ID); ok && state.TabID != "" {
				if _, alive := a.registry.Session(state.TabID); alive {
					return a.openTerminal(state.TabID)
				}
			}
			return a, a.openShell(p)
		}

	case "r":
		if p, ok := a.selectedProject(); ok {
			return a, a.startRun(p, orchestrator.StartOverrides{})
		}

	case "s":
		if p, ok := a.selectedProject(); ok {
			a.orch.Stop(p.ID)
		}

	case "n":
		return a.openRunForm()

	case "t":
		if p, ok := a.selectedProject(); ok {
			return a, a.openShell(p)
		}

	case "i":
		if p, ok := a.selectedProject(); ok {
			return a, a.loadSuggestions(p)
		}

	case "d":
		if p, ok := a.selectedProject(); ok {
			return a, a.deleteProject(p.ID)
		}

	case "esc":
		a.orch.Notifier().Dismiss()
		a.err = nil
	}

	return a, nil
}

func (a *App) handleTerminalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+q":
		a.view = ViewProjects
		a.activeSession = ""
		return a, nil

	case "ctrl+e":
		// Close the session for good: kill whatever is left and drop the
		// scrollback.
		if a.activeSession != "" {
			a.registry.Dispose(a.activeSession)
			a.activeSession = ""
		}
		a.view = ViewProjects
		return a, nil

	case "ctrl+x":
		// Kill the process behind the session; the exit handler settles
		// the final status.
		if a.activeSession != "" {
			if err := a.registry.Kill(a.activeSession, true); err != nil {
				a.logger.Warn("failed to kill session", "session", a.activeSession, "error", err)
			}
		}
		return a, nil
	}

	if a.activeSession != "" {
		if data := keyBytes(msg); len(data) > 0 {
			a.registry.Write(a.activeSession, data)
		}
	}
	return a, nil
}

func (a *App) handleRunFormKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.view = ViewProjects
		return a, nil

	case "ctrl+c":
		return a, tea.Quit

	case "ctrl+r":
		a.remember = !a.remember
		return a, nil

	case "tab", "down":
		a.focusField((a.focusIdx + 1) % fieldCount)
		return a, nil

	case "shift+tab", "up":
		a.focusField((a.focusIdx + fieldCount - 1) % fieldCount)
		return a, nil

	case "enter":
		p, ok := a.selectedProject()
		if !ok {
			a.view = ViewProjects
			return a, nil
		}
		ov := orchestrator.StartOverrides{
			Command:  strings.TrimSpace(a.inputs[fieldCommand].Value()),
			Args:     splitArgs(a.inputs[fieldArgs].Value()),
			Env:      parseEnv(a.inputs[fieldEnv].Value()),
			Cwd:      strings.TrimSpace(a.inputs[fieldCwd].Value()),
			Remember: a.remember,
		}
		if ov.Command == "" {
			a.err = orchestrator.ErrMissingRunConfiguration
			return a, nil
		}
		a.view = ViewProjects
		return a, a.startRun(p, ov)
	}

	return a.updateFormInputs(msg)
}

func (a *App) handleSuggestionsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewProjects
		a.suggestions = nil

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedSugIdx > 0 {
			a.selectedSugIdx--
		}

	case "down", "j":
		if a.selectedSugIdx < len(a.suggestions)-1 {
			a.selectedSugIdx++
		}

	case "enter":
		if s, ok := a.selectedSuggestion(); ok {
			p, pok := a.selectedProject()
			if !pok {
				return a, nil
			}
			a.view = ViewProjects
			return a, a.startRun(p, orchestrator.StartOverrides{
				Command:  s.Command,
				Args:     s.Args,
				Env:      s.Env,
				Cwd:      s.Cwd,
				Remember: true,
			})
		}

	case "e":
		if s, ok := a.selectedSuggestion(); ok {
			model, cmd := a.openRunForm()
			a.inputs[fieldCommand].SetValue(s.Command)
			a.inputs[fieldArgs].SetValue(strings.Join(s.Args, " "))
			a.inputs[fieldEnv].SetValue(joinEnv(s.Env))
			a.inputs[fieldCwd].SetValue(s.Cwd)
			return model, cmd
		}
	}

	return a, nil
}

func (a *App) openRunForm() (tea.Model, tea.Cmd) {
	for i := range a.inputs {
		a.inputs[i].SetValue("")
	}
	a.remember = true
	a.view = ViewRunForm
	a.focusField(fieldCommand)
	return a, textinput.Blink
}

func (a *App) focusField(idx int) {
	a.focusIdx = idx
	for i := range a.inputs {
		if i == idx {
			a.inputs[i].Focus()
		} else {
			a.inputs[i].Blur()
		}
	}
}

func (a *App) updateFormInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	cmds := make([]tea.Cmd, len(a.inputs))
	for i := range a.inputs {
		a.inputs[i], cmds[i] = a.inputs[i].Update(msg)
	}
	return a, tea.Batch(cmds...)
}

func (a *App) openTerminal(sessionID string) (tea.Model, tea.Cmd) {
	a.activeSession = sessionID
	a.view = ViewTerminal
	a.layoutTerminal()
	a.registry.Resize(sessionID, a.terminal.Width, a.terminal.Height)
	a.refreshTerminal()
	return a, nil
}

func (a *App) layoutTerminal() {
	w, h := a.width, a.height-2 // header + help line
	if w < 1 {
		w = 80
	}
	if h < 1 {
		h = 24
	}
	if !a.termReady {
		a.terminal = viewport.New(w, h)
		a.termReady = true
		return
	}
	a.terminal.Width = w
	a.terminal.Height = h
}

func (a *App) refreshTerminal() {
	session, ok := a.registry.Session(a.activeSession)
	if !ok {
		return
	}
	a.terminal.SetContent(session.Output())
	a.terminal.GotoBottom()
}

func (a *App) selectedProject() (models.Project, bool) {
	if len(a.projects) == 0 || a.selectedIdx >= len(a.projects) {
		return models.Project{}, false
	}
	return a.projects[a.selectedIdx], true
}

func (a *App) selectedSuggestion() (models.RunSuggestion, bool) {
	if len(a.suggestions) == 0 || a.selectedSugIdx >= len(a.suggestions) {
		return models.RunSuggestion{}, false
	}
	return a.suggestions[a.selectedSugIdx], true
}

func (a *App) View() string {
	switch a.view {
	case ViewProjects:
		return a.viewProjects()
	case ViewTerminal:
		return a.viewTerminal()
	case ViewRunForm:
		return a.viewRunForm()
	case ViewSuggestions:
		return a.viewSuggestions()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStopped   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	toastStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("124")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewProjects() string {
	s := titleStyle.Render("Projectlib") + "\n"

	if note := a.orch.Notifier().Pending(); note != nil {
		s += toastStyle.Render(note.Message) + dimStyle.Render("  [esc] dismiss") + "\n"
	}
	s += "\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	if len(a.projects) == 0 {
		s += "No projects yet. Add one with `projectlib add <path>`.\n"
	} else {
		s += "Projects\n"
		s += "────────\n"

		states := a.orch.States()
		for i, p := range a.projects {
			line := a.formatProjectLine(p, states[p.ID])
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] open  [r] run  [s] stop  [n] new run  [i] inspect  [t] terminal  [d] delete  [q] quit")

	return s
}

func (a *App) formatProjectLine(p models.Project, state models.RunState) string {
	name := truncate(p.Name, 24)
	badge := a.formatStatus(state)
	sessions := ""
	if n := a.registry.SessionCount(p.ID); n > 0 {
		sessions = dimStyle.Render(fmt.Sprintf("⌨ %d", n))
	}
	lang := dimStyle.Render(p.DetectedLang)
	return fmt.Sprintf("%-24s %-22s %-6s %s", name, badge, sessions, lang)
}

func (a *App) formatStatus(state models.RunState) string {
	switch state.Status {
	case models.RunStatusStarting:
		return statusRunning.Render("◌ starting")
	case models.RunStatusRunning:
		badge := "● running"
		if state.StartedAt != nil {
			badge += " " + formatAge(*state.StartedAt)
		}
		return statusRunning.Render(badge)
	case models.RunStatusSucceeded:
		return statusSucceeded.Render("✓ succeeded")
	case models.RunStatusFailed:
		badge := "✗ failed"
		if state.LastExitCode != nil && *state.LastExitCode != term.ExitCodeUnknown {
			badge += fmt.Sprintf(" (%d)", *state.LastExitCode)
		}
		return statusFailed.Render(badge)
	case models.RunStatusStopped:
		return statusStopped.Render("■ stopped")
	default:
		return dimStyle.Render("· idle")
	}
}

func (a *App) viewTerminal() string {
	session, ok := a.registry.Session(a.activeSession)
	title := "Terminal"
	if ok {
		title = session.Title
	}

	header := titleStyle.Render(title)
	if p, pok := a.selectedProject(); pok {
		if state, sok := a.orch.State(p.ID); sok && state.TabID == a.activeSession {
			header += "  " + a.formatStatus(state)
		}
	}

	return header + "\n" + a.terminal.View() + "\n" +
		helpStyle.Render("[ctrl+q] back  [ctrl+x] kill  [ctrl+e] close")
}

func (a *App) viewRunForm() string {
	s := titleStyle.Render("New Run") + "\n\n"

	if p, ok := a.selectedProject(); ok {
		s += labelStyle.Render("Project: ") + p.Name + dimStyle.Render("  "+p.Path) + "\n\n"
	}

	labels := [fieldCount]string{"Command", "Args", "Env", "Cwd"}
	for i, input := range a.inputs {
		s += labelStyle.Render(fmt.Sprintf("%-8s", labels[i])) + input.View() + "\n"
	}

	rememberMark := "[ ]"
	if a.remember {
		rememberMark = "[x]"
	}
	s += "\n" + labelStyle.Render("Remember ") + rememberMark + dimStyle.Render("  save as run configuration") + "\n"

	if a.err != nil {
		s += "\n" + statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	s += "\n" + helpStyle.Render("[tab] next field  [ctrl+r] toggle remember  [enter] start  [esc] cancel")

	return s
}

func (a *App) viewSuggestions() string {
	s := titleStyle.Render("Detected Run Commands") + "\n\n"

	if len(a.suggestions) == 0 {
		s += "Nothing detected for this project.\n"
	} else {
		for i, sug := range a.suggestions {
			cmd := sug.Command
			if len(sug.Args) > 0 {
				cmd += " " + strings.Join(sug.Args, " ")
			}
			line := fmt.Sprintf("%-10s %-40s %s", sug.Language, truncate(cmd, 40), dimStyle.Render(sug.Reason))
			if i == a.selectedSugIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] run  [e] edit  [esc] back")

	return s
}

// Messages

type stateChangedMsg struct{}

type sessionChangedMsg struct{}

type projectsLoadedMsg struct {
	projects []models.Project
	err      error
}

type runStartedMsg struct {
	sessionID string
	err       error
}

type terminalOpenedMsg struct {
	sessionID string
	err       error
}

type suggestionsMsg struct {
	suggestions []models.RunSuggestion
	err         error
}

type projectDeletedMsg struct {
	err error
}

// Commands

func (a *App) loadProjects() tea.Msg {
	projects, err := a.store.ListProjects(context.Background())
	return projectsLoadedMsg{projects: projects, err: err}
}

func (a *App) startRun(p models.Project, ov orchestrator.StartOverrides) tea.Cmd {
	return func() tea.Msg {
		sessionID, err := a.orch.Start(context.Background(), p, ov)
		return runStartedMsg{sessionID: sessionID, err: err}
	}
}

func (a *App) openShell(p models.Project) tea.Cmd {
	return func() tea.Msg {
		session, err := a.registry.CreateInteractiveSession(p.ID, p.Path)
		if err != nil {
			return terminalOpenedMsg{err: err}
		}
		return terminalOpenedMsg{sessionID: session.ID}
	}
}

func (a *App) loadSuggestions(p models.Project) tea.Cmd {
	return func() tea.Msg {
		suggestions, err := detect.Detect(p.Path)
		if err != nil {
			return suggestionsMsg{err: err}
		}
		for _, s := range detect.RunUserDetectors(a.detectorDir, p.Path, a.logger) {
			suggestions = append(suggestions, s)
		}
		return suggestionsMsg{suggestions: suggestions}
	}
}

func (a *App) deleteProject(id string) tea.Cmd {
	return func() tea.Msg {
		err := a.store.DeleteProject(context.Background(), id)
		return projectDeletedMsg{err: err}
	}
}

// keyBytes maps a bubbletea key event to the bytes a terminal expects.
func keyBytes(msg tea.KeyMsg) []byte {
	switch msg.Type {
	case tea.KeyRunes:
		return []byte(string(msg.Runes))
	case tea.KeySpace:
		return []byte(" ")
	case tea.KeyEnter:
		return []byte("\r")
	case tea.KeyBackspace:
		return []byte{0x7f}
	case tea.KeyTab:
		return []byte("\t")
	case tea.KeyEsc:
		return []byte{0x1b}
	case tea.KeyUp:
		return []byte("\x1b[A")
	case tea.KeyDown:
		return []byte("\x1b[B")
	case tea.KeyRight:
		return []byte("\x1b[C")
	case tea.KeyLeft:
		return []byte("\x1b[D")
	case tea.KeyHome:
		return []byte("\x1b[H")
	case tea.KeyEnd:
		return []byte("\x1b[F")
	case tea.KeyCtrlC:
		return []byte{0x03}
	case tea.KeyCtrlD:
		return []byte{0x04}
	case tea.KeyCtrlZ:
		return []byte{0x1a}
	case tea.KeyCtrlL:
		return []byte{0x0c}
	case tea.KeyCtrlU:
		return []byte{0x15}
	case tea.KeyCtrlW:
		return []byte{0x17}
	}
	return nil
}

// splitArgs splits a space separated argument string. Quoting is not
// supported; the run form is for simple invocations.
func splitArgs(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func parseEnv(s string) map[string]string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	env := make(map[string]string)
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	if len(env) == 0 {
		return nil
	}
	return env
}

func joinEnv(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return strings.Join(pairs, " ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
