package models

import "time"

// Project is read-only to the run core; the editor side owns it.
type Project struct {
	ID           string
	Name         string
	Path         string
	DetectedLang string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RunSuggestion is a detected way to run a project, offered to the user
// when no configuration exists yet.
type RunSuggestion struct {
	Language string
	Command  string
	Args     []string
	Env      map[string]string
	Cwd      string
	Reason   string
}
