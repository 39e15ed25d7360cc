package term

import "runtime"

// CommandSpec describes a process to spawn.
type CommandSpec struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
}

// Callbacks receive output and the exit notification for a backend.
// Data is delivered serially; Exit fires exactly once, after the final
// Data call.
type Callbacks struct {
	Data func(p []byte)
	Exit func(code int)
}

// Backend is the capability surface shared by a PTY-backed process and
// the subprocess fallback. Callers never branch on which one they hold.
type Backend interface {
	Write(p []byte) error
	Resize(cols, rows int) error
	Kill(graceful bool) error
}

// SpawnFunc constructs a running backend wired to cb. A spawn failure is
// the caller's fallback trigger.
type SpawnFunc func(spec CommandSpec, cb Callbacks) (Backend, error)

// ExitCodeUnknown is reported when a process ends without a usable exit
// code (killed by a signal, or the wait itself failed).
const ExitCodeUnknown = -1

// interruptSupported reports whether a graceful interrupt is worth
// attempting. Windows cannot deliver os.Interrupt to a child, so kills
// there are unconditional. Best-effort either way; delivery is never
// assumed.
func interruptSupported() bool {
	return runtime.GOOS != "windows"
}
