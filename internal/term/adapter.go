package term

import (
	"io"
	"os"
	"os/exec"
	"sync"
)

// ShellAdapter bridges a plain subprocess to the Backend interface so the
// registry can treat it exactly like a PTY-backed process. stdout and
// stderr are merged into one output stream; resize is tracked but inert.
type ShellAdapter struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu   sync.Mutex // serializes Data delivery across the two pipe pumps
	cols int
	rows int
}

// SpawnAdapter starts spec as a plain subprocess wrapped in a ShellAdapter.
// Its signature matches SpawnFunc so it can serve as a spawn override.
func SpawnAdapter(spec CommandSpec, cb Callbacks) (Backend, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = mergedEnv(spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	a := &ShellAdapter{cmd: cmd, stdin: stdin, cols: defaultCols, rows: defaultRows}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go a.pump(stdout, cb, &pumps)
	go a.pump(stderr, cb, &pumps)

	go func() {
		pumps.Wait()
		a.cmd.Wait()

		code := ExitCodeUnknown
		if a.cmd.ProcessState != nil {
			code = a.cmd.ProcessState.ExitCode()
		}
		if cb.Exit != nil {
			cb.Exit(code)
		}
	}()

	return a, nil
}

func (a *ShellAdapter) pump(r io.Reader, cb Callbacks, pumps *sync.WaitGroup) {
	defer pumps.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && cb.Data != nil {
			chunk := append([]byte(nil), buf[:n]...)
			a.mu.Lock()
			cb.Data(chunk)
			a.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (a *ShellAdapter) Write(p []byte) error {
	_, err := a.stdin.Write(p)
	return err
}

// Resize records the requested geometry. A plain subprocess has no
// terminal to resize.
func (a *ShellAdapter) Resize(cols, rows int) error {
	a.mu.Lock()
	a.cols, a.rows = cols, rows
	a.mu.Unlock()
	return nil
}

func (a *ShellAdapter) Kill(graceful bool) error {
	if a.cmd.Process == nil {
		return nil
	}
	if graceful && interruptSupported() {
		return a.cmd.Process.Signal(os.Interrupt)
	}
	return a.cmd.Process.Kill()
}
