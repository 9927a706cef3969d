package commands

import (
	"bytes"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/vfsinit/pkg/reboot"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestActionForSignal(t *testing.T) {
	assert.Equal(t, reboot.ActionRestart, actionForSignal(syscall.SIGHUP))
	assert.Equal(t, reboot.ActionPowerOff, actionForSignal(syscall.SIGTERM))
	assert.Equal(t, reboot.ActionPowerOff, actionForSignal(syscall.SIGINT))
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vfsinit dev")
}

func TestConfigInitValidateShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	out, err = run(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Validation: OK")
	assert.Contains(t, out, "Store type:          memory")

	out, err = run(t, "config", "show", "--config", path, "--output", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "features:")
}

func TestLifecycleRejectsUnknownAction(t *testing.T) {
	_, err := run(t, "lifecycle", "suspend", "--addr", "127.0.0.1:1")
	assert.Error(t, err)
}

func TestStopWithoutPidFile(t *testing.T) {
	_, err := run(t, "stop", "--pid-file", filepath.Join(t.TempDir(), "none.pid"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PID file not found")
}
