package procd_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procd"
)

func TestMain(m *testing.M) {
	procd.Init()
	os.Exit(m.Run())
}

func writeConfig(t *testing.T, body string) *procd.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	c, err := procd.LoadConfig(path)
	require.NoError(t, err)
	return c
}

func TestRoleStartRestartStop(t *testing.T) {
	ctx := context.Background()
	pidPath := filepath.Join(t.TempDir(), "role.pid")
	c := writeConfig(t, `
name = "facade"
command = "true"
interval = "20ms"
pidfile = "`+pidPath+`"
use_os_env = true
`)
	r, err := procd.OpenRole(ctx, c, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	assert.False(t, r.Handle.HasPID())

	pid, err := r.Handle.Start(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := r.Control.PID(ctx)
		return err == nil && got == pid
	}, 10*time.Second, 10*time.Millisecond)

	// A second controller adopts the recorded pid and is refused a duplicate start.
	other, err := procd.OpenRole(ctx, c, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	assert.Equal(t, pid, other.Handle.PID())
	_, err = other.Handle.Start(ctx)
	assert.True(t, errors.Is(err, procd.ErrAlreadyRunning))

	newPID, err := r.Handle.Restart(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, pid, newPID)

	require.NoError(t, r.Handle.Stop())
	st, err := r.Handle.Wait(true)
	require.NoError(t, err)
	assert.Equal(t, procd.ExitNormal, st.Code)
}

func TestRoleForegroundRunsOnce(t *testing.T) {
	ctx := context.Background()
	c := writeConfig(t, `
name = "fg"
command = "sh -c 'exit 5'"
interval = "0s"
control_dsn = "memory://fg"
`)
	r, err := procd.OpenRole(ctx, c, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	code, err := r.Foreground(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, code)
}

func TestRunInlineDaemon(t *testing.T) {
	n := 0
	d := procd.NewDaemon(runnerFunc(func(context.Context) (procd.Result, error) {
		n++
		if n == 3 {
			return procd.Exit(0), nil
		}
		return procd.Continue, nil
	}), procd.DaemonConfig{})
	assert.Equal(t, 0, procd.RunInline(context.Background(), d, procd.WithRole("inline")))
	assert.Equal(t, uint64(3), d.Iterations())
}

type runnerFunc func(context.Context) (procd.Result, error)

func (f runnerFunc) Run(ctx context.Context) (procd.Result, error) { return f(ctx) }
