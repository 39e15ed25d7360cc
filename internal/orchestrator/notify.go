package orchestrator

import "sync"

// Notification is a dismissible failure toast. At most one is pending at
// a time; a newer failure replaces an undismissed older one.
type Notification struct {
	ProjectID   string
	ProjectName string
	SessionID   string
	Message     string
}

type Notifier struct {
	mu      sync.Mutex
	pending *Notification
	signal  chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{signal: make(chan struct{}, 1)}
}

func (n *Notifier) Publish(note Notification) {
	n.mu.Lock()
	n.pending = &note
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// Pending returns the current notification, or nil.
func (n *Notifier) Pending() *Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil {
		return nil
	}
	note := *n.pending
	return &note
}

func (n *Notifier) Dismiss() {
	n.mu.Lock()
	n.pending = nil
	n.mu.Unlock()
}

// Changed receives a nudge whenever a notification is published.
func (n *Notifier) Changed() <-chan struct{} {
	return n.signal
}
