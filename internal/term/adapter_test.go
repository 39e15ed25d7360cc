//go:build unix

package term

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector accumulates Data callbacks and signals Exit.
type collector struct {
	mu   sync.Mutex
	data []byte
	exit chan int
}

func newCollector() *collector {
	return &collector{exit: make(chan int, 1)}
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		Data: func(p []byte) {
			c.mu.Lock()
			c.data = append(c.data, p...)
			c.mu.Unlock()
		},
		Exit: func(code int) { c.exit <- code },
	}
}

func (c *collector) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.data)
}

func (c *collector) waitExit(t *testing.T) int {
	t.Helper()
	select {
	case code := <-c.exit:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for process exit")
		return 0
	}
}

func TestAdapterMergesStdoutAndStderr(t *testing.T) {
	c := newCollector()
	_, err := SpawnAdapter(CommandSpec{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err 1>&2"},
	}, c.callbacks())
	require.NoError(t, err)

	code := c.waitExit(t)
	assert.Equal(t, 0, code)
	assert.Contains(t, c.output(), "out")
	assert.Contains(t, c.output(), "err")
}

func TestAdapterReportsExitCode(t *testing.T) {
	c := newCollector()
	_, err := SpawnAdapter(CommandSpec{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	}, c.callbacks())
	require.NoError(t, err)

	assert.Equal(t, 3, c.waitExit(t))
}

func TestAdapterForwardsStdin(t *testing.T) {
	c := newCollector()
	b, err := SpawnAdapter(CommandSpec{
		Command: "sh",
		Args:    []string{"-c", "read line; echo got:$line"},
	}, c.callbacks())
	require.NoError(t, err)

	require.NoError(t, b.Write([]byte("ping\n")))
	assert.Equal(t, 0, c.waitExit(t))
	assert.Contains(t, c.output(), "got:ping")
}

func TestAdapterResizeIsInert(t *testing.T) {
	c := newCollector()
	b, err := SpawnAdapter(CommandSpec{
		Command: "sh",
		Args:    []string{"-c", "exit 0"},
	}, c.callbacks())
	require.NoError(t, err)

	assert.NoError(t, b.Resize(120, 40))
	c.waitExit(t)
}

func TestAdapterKillYieldsSentinelCode(t *testing.T) {
	c := newCollector()
	b, err := SpawnAdapter(CommandSpec{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
	}, c.callbacks())
	require.NoError(t, err)

	require.NoError(t, b.Kill(false))
	assert.Equal(t, ExitCodeUnknown, c.waitExit(t))
}

func TestAdapterSpawnFailure(t *testing.T) {
	c := newCollector()
	_, err := SpawnAdapter(CommandSpec{Command: "definitely-not-a-command-xyz"}, c.callbacks())
	assert.Error(t, err)
}

func TestAdapterRespectsEnvAndCwd(t *testing.T) {
	dir := t.TempDir()
	c := newCollector()
	_, err := SpawnAdapter(CommandSpec{
		Command: "sh",
		Args:    []string{"-c", "echo $MARKER; pwd"},
		Cwd:     dir,
		Env:     map[string]string{"MARKER": "set-by-test"},
	}, c.callbacks())
	require.NoError(t, err)

	c.waitExit(t)
	assert.Contains(t, c.output(), "set-by-test")
	assert.Contains(t, c.output(), dir)
}
