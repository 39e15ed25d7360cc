package term

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

const (
	defaultCols = 80
	defaultRows = 24
)

type ptyBackend struct {
	cmd *exec.Cmd
	f   *os.File
}

// SpawnPTY starts spec under a pseudo-terminal. The returned backend is
// already pumping output into cb.
func SpawnPTY(spec CommandSpec, cb Callbacks) (Backend, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = mergedEnv(spec.Env)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		return nil, err
	}

	b := &ptyBackend{cmd: cmd, f: f}
	go b.pump(cb)
	return b, nil
}

func (b *ptyBackend) pump(cb Callbacks) {
	buf := make([]byte, 4096)
	for {
		n, err := b.f.Read(buf)
		if n > 0 && cb.Data != nil {
			cb.Data(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}

	b.cmd.Wait()
	b.f.Close()

	code := ExitCodeUnknown
	if b.cmd.ProcessState != nil {
		code = b.cmd.ProcessState.ExitCode()
	}
	if cb.Exit != nil {
		cb.Exit(code)
	}
}

func (b *ptyBackend) Write(p []byte) error {
	_, err := b.f.Write(p)
	return err
}

func (b *ptyBackend) Resize(cols, rows int) error {
	return pty.Setsize(b.f, &pty.Winsize{Cols: clampDim(cols), Rows: clampDim(rows)})
}

// clampDim bounds a dimension to what the winsize fields can carry; a
// silent uint16 wraparound would hand the child a nonsense geometry.
func clampDim(v int) uint16 {
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}

func (b *ptyBackend) Kill(graceful bool) error {
	if b.cmd.Process == nil {
		return nil
	}
	if graceful && interruptSupported() {
		return b.cmd.Process.Signal(os.Interrupt)
	}
	return b.cmd.Process.Kill()
}

// mergedEnv layers spec env vars over the parent environment, matching
// what a spawned terminal inherits.
func mergedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil // exec.Cmd inherits os.Environ when Env is nil
	}
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
