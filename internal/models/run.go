package models

import "time"

type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusStarting  RunStatus = "starting"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Active reports whether a new run may not begin while this status holds.
func (s RunStatus) Active() bool {
	return s == RunStatusStarting || s == RunStatusRunning
}

// RunConfiguration is a saved, reusable (command, args, env, cwd) tuple.
type RunConfiguration struct {
	ID           string
	ProjectID    string
	Command      string
	Args         []string
	Env          map[string]string
	Cwd          string
	LastExitCode *int
	UpdatedAt    time.Time
}

// RunState is the live, per-project execution status. At most one per project.
type RunState struct {
	ProjectID    string
	Status       RunStatus
	LastRunID    string
	LastCommand  string
	LastArgs     []string
	LastEnv      map[string]string
	LastCwd      string
	LastExitCode *int
	StartedAt    *time.Time
	FinishedAt   *time.Time
	TabID        string
	UpdatedAt    time.Time
}

// Clone returns a deep copy so snapshots handed to observers never alias
// orchestrator-owned state.
func (s RunState) Clone() RunState {
	out := s
	out.LastArgs = append([]string(nil), s.LastArgs...)
	if s.LastEnv != nil {
		out.LastEnv = make(map[string]string, len(s.LastEnv))
		for k, v := range s.LastEnv {
			out.LastEnv[k] = v
		}
	}
	if s.LastExitCode != nil {
		code := *s.LastExitCode
		out.LastExitCode = &code
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
