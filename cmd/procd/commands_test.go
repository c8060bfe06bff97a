package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procd"
	"github.com/loykin/procd/internal/faults"
)

func TestMain(m *testing.M) {
	procd.Init()
	os.Exit(m.Run())
}

func writeTOML(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "procd.toml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestStartStatusReloadRestartStop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfgPath := writeTOML(t, dir, `
name = "cli-test"
command = "true"
interval = "20ms"
pidfile = "`+filepath.Join(dir, "cli.pid")+`"
output_log = "`+filepath.Join(dir, "out.log")+`"
restart_timeout = "10s"
`)
	c := command{flags: &GlobalFlags{ConfigPath: cfgPath}}
	out := captureStdout(t)

	require.NoError(t, c.Start(ctx))
	var started startResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &started))
	require.Greater(t, started.PID, 0)
	t.Cleanup(func() { _ = c.Kill(ctx) })

	require.Eventually(t, func() bool {
		out.Reset()
		if err := c.Status(ctx); err != nil {
			return false
		}
		var rep statusReport
		return json.Unmarshal(out.Bytes(), &rep) == nil && rep.Running && rep.PID == started.PID
	}, 10*time.Second, 20*time.Millisecond)

	err := c.Start(ctx)
	assert.ErrorIs(t, err, faults.ErrAlreadyRunning)

	require.NoError(t, c.Reload(ctx))

	out.Reset()
	require.NoError(t, c.Restart(ctx, RestartFlags{Timeout: -1}))
	var restarted startResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &restarted))
	assert.NotEqual(t, started.PID, restarted.PID)

	require.Eventually(t, func() bool {
		out.Reset()
		var rep statusReport
		return c.Status(ctx) == nil && json.Unmarshal(out.Bytes(), &rep) == nil && rep.PID == restarted.PID
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Stop(ctx, StopFlags{Wait: 10 * time.Second}))

	out.Reset()
	require.NoError(t, c.Status(ctx))
	var rep statusReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.False(t, rep.Running)
}

func TestSignalCommandsRequireRunningDaemon(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfgPath := writeTOML(t, dir, `
name = "idle"
command = "true"
pidfile = "`+filepath.Join(dir, "idle.pid")+`"
`)
	c := command{flags: &GlobalFlags{ConfigPath: cfgPath}}
	assert.ErrorIs(t, c.Stop(ctx, StopFlags{}), faults.ErrNotRunning)
	assert.ErrorIs(t, c.Kill(ctx), faults.ErrNotRunning)
	assert.ErrorIs(t, c.Reload(ctx), faults.ErrNotRunning)
}

func TestRunForegroundOnce(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTOML(t, dir, `
name = "once"
command = "sh -c 'exit 4'"
interval = "0s"
control_dsn = "memory://once"
`)
	c := command{flags: &GlobalFlags{ConfigPath: cfgPath}}
	code, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, code)
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTOML(t, dir, `name = "x"`)
	c := command{flags: &GlobalFlags{ConfigPath: cfgPath}}
	assert.ErrorIs(t, c.Start(context.Background()), faults.ErrInvalidConfig)

	c = command{flags: &GlobalFlags{ConfigPath: writeTOML(t, t.TempDir(), "name = \"x\"\ncommand = \"true\""), LogLevel: "loud"}}
	assert.ErrorIs(t, c.Status(context.Background()), faults.ErrInvalidConfig)
}

func TestRootHasSubcommands(t *testing.T) {
	root := buildRoot()
	for _, name := range []string{"run", "start", "stop", "kill", "reload", "restart", "status"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestStatusFallsBackToDetectCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTOML(t, dir, `
name = "detect-test"
command = "true"
pidfile = "`+filepath.Join(dir, "detect.pid")+`"
detect = ["false", "true"]
`)
	c := command{flags: &GlobalFlags{ConfigPath: cfgPath}}
	out := captureStdout(t)

	require.NoError(t, c.Status(context.Background()))
	var rep statusReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.True(t, rep.Running)
	assert.Zero(t, rep.PID)
	assert.Equal(t, "cmd:true", rep.Detected)
}
