package tasks

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procd/internal/config"
	"github.com/loykin/procd/internal/daemon"
	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/process"
)

func TestMain(m *testing.M) {
	process.Init()
	os.Exit(m.Run())
}

func TestBuildCommand(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		line string
		args []string
	}{
		{"", []string{"/bin/true"}},
		{"echo hi there", []string{"echo", "hi", "there"}},
		{"sh -c 'echo a > /dev/null'", []string{"/bin/sh", "-c", "echo a > /dev/null"}},
		{"/usr/bin/sh -c \"x\"", []string{"/bin/sh", "-c", "x"}},
		{"echo $HOME | wc -c", []string{"/bin/sh", "-c", "echo $HOME | wc -c"}},
	}
	for _, c := range cases {
		cmd := BuildCommand(ctx, c.line)
		assert.Equal(t, c.args, cmd.Args, c.line)
	}
}

func TestParseExplicitShell(t *testing.T) {
	sh, after, ok := parseExplicitShell("  /bin/sh -c 'exit 3'")
	require.True(t, ok)
	assert.Equal(t, "/bin/sh", sh)
	assert.Equal(t, "exit 3", after)

	_, _, ok = parseExplicitShell("bash -c true")
	assert.False(t, ok)
}

func FuzzParseExplicitShell(f *testing.F) {
	f.Add("sh -c 'echo hi'")
	f.Add("/bin/sh -c \"")
	f.Add("ls -la")
	f.Fuzz(func(t *testing.T, line string) {
		sh, after, ok := parseExplicitShell(line)
		if !ok {
			return
		}
		if sh == "" {
			t.Fatalf("matched without a shell for %q", line)
		}
		if len(after) > len(line) {
			t.Fatalf("script longer than input: %q", after)
		}
		if sh2, after2, ok2 := parseExplicitShell(line); sh2 != sh || after2 != after || !ok2 {
			t.Fatalf("not deterministic for %q", line)
		}
	})
}

func TestRunOnceReturnsCommandCode(t *testing.T) {
	var out bytes.Buffer
	c := NewCommand("sh -c 'echo out; exit 3'", 0)
	c.stdout = &out
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	code, set := res.Code()
	assert.True(t, set)
	assert.Equal(t, 3, code)
	assert.Equal(t, "out\n", out.String())
}

func TestRunWithIntervalContinuesAndIsPreemptible(t *testing.T) {
	c := NewCommand("true", time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := c.Run(ctx)
	require.NoError(t, err)
	_, set := res.Code()
	assert.False(t, set)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunMissingBinaryIsPosixError(t *testing.T) {
	c := NewCommand("/definitely/not/here", 0)
	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, faults.ErrPosix)
}

func TestReloadRereadsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procd.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = \"w\"\ncommand = \"echo two\"\ninterval = \"2s\"\n"), 0o600))
	c := NewCommand("echo one", time.Second)
	c.cfgPath = path
	require.NoError(t, c.Reload(context.Background()))
	line, interval, _ := c.snapshot()
	assert.Equal(t, "echo two", line)
	assert.Equal(t, 2*time.Second, interval)

	require.NoError(t, os.WriteFile(path, []byte("broken = ["), 0o600))
	require.NoError(t, c.Reload(context.Background()))
	line, _, _ = c.snapshot()
	assert.Equal(t, "echo two", line, "a broken file keeps the previous command")
}

func TestNewCommandDaemonValidatesOptions(t *testing.T) {
	_, err := NewCommandDaemon(map[string]string{})
	assert.ErrorIs(t, err, faults.ErrInvalidConfig)
	_, err = NewCommandDaemon(map[string]string{config.OptCommand: "true", config.OptInterval: "soon"})
	assert.ErrorIs(t, err, faults.ErrInvalidConfig)
	_, err = NewCommandDaemon(map[string]string{config.OptCommand: "true", config.OptUID: "x"})
	assert.ErrorIs(t, err, faults.ErrInvalidConfig)

	task, err := NewCommandDaemon(map[string]string{config.OptCommand: "true", config.OptInterval: "1s"})
	require.NoError(t, err)
	assert.IsType(t, &daemon.Daemon{}, task)
}

func TestCommandDaemonInChild(t *testing.T) {
	dir := t.TempDir()
	outLog := filepath.Join(dir, "out.log")
	pidPath := filepath.Join(dir, "cmd.pid")
	h := process.New(CommandTask,
		process.WithRole("cmd-test"),
		process.WithControlDSN("pidfile://"+pidPath),
		process.WithOptions(map[string]string{
			config.OptCommand:   "sh -c 'echo tick'",
			config.OptInterval:  "20ms",
			config.OptOutputLog: outLog,
		}))
	t.Cleanup(func() { _ = h.Close() })

	pid, err := h.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(outLog)
		return err == nil && strings.Count(string(b), "tick") >= 2
	}, 10*time.Second, 20*time.Millisecond)

	_, err = h.Start(context.Background())
	assert.ErrorIs(t, err, faults.ErrAlreadyRunning)

	require.NoError(t, h.Stop())
	st, err := h.Wait(true)
	require.NoError(t, err)
	assert.Equal(t, pid, st.PID)
	assert.Equal(t, process.ExitNormal, st.Code)
}
