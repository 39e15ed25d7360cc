package models

type SessionKind string

const (
	SessionKindShell SessionKind = "interactive-shell"
	SessionKindRun   SessionKind = "run-invocation"
)

// SessionSummary is what the presentation layer sees of a live terminal
// session; the registry keeps the process handles to itself.
type SessionSummary struct {
	ID        string
	ProjectID string
	Title     string
	Kind      SessionKind
}
