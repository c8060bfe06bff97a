package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New().WithSet("A", "1").WithSet("B", "${A}-x").WithSet("KEEP", "${MISSING}")
	out := e.Merge([]string{"A=2", "C=${B}", "bad", "=skip"})
	assert.Equal(t, []string{"A=2", "B=2-x", "C=${A}-x", "KEEP=${MISSING}"}, out)
}

func TestWithSetDoesNotMutateReceiver(t *testing.T) {
	base := New().WithSet("A", "1")
	_ = base.WithSet("A", "2")
	assert.Equal(t, []string{"A=1"}, base.Merge(nil))
}

func TestWithOSIncludesProcessEnv(t *testing.T) {
	t.Setenv("PROCD_ENV_TEST", "yes")
	out := New().WithOS().Merge(nil)
	assert.Contains(t, out, "PROCD_ENV_TEST=yes")
	assert.NotContains(t, New().Merge(nil), "PROCD_ENV_TEST=yes")
}

func TestWithFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "app.env")
	require.NoError(t, os.WriteFile(p, []byte("# comment\n\nX = 1\nY=two\nnoequals\n"), 0o600))
	e, err := New().WithPairs([]string{"X=0"}).WithFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"X=1", "Y=two"}, e.Merge(nil))

	_, err = New().WithFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
