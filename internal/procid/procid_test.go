package procid

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySelf(t *testing.T) {
	t.Parallel()

	self, err := Lookup(os.Getpid())
	require.NoError(t, err)
	assert.False(t, self.Zombie)
	assert.True(t, Verify(os.Getpid(), self.StartTime, ""))
}

func TestVerifyRejectsWrongStartTime(t *testing.T) {
	t.Parallel()

	self, err := Lookup(os.Getpid())
	require.NoError(t, err)
	if self.StartTime == 0 {
		t.Skip("platform does not report start times")
	}
	assert.False(t, Verify(os.Getpid(), self.StartTime+1, ""))
}

func TestVerifyChecksMarker(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sleep", "5")
	cmd.Env = append(os.Environ(), Marker("tx-marker"))
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	info, err := Lookup(cmd.Process.Pid)
	require.NoError(t, err)

	assert.True(t, Verify(cmd.Process.Pid, info.StartTime, Marker("tx-marker")))
	if _, err := readEnviron(cmd.Process.Pid); err == nil {
		assert.False(t, Verify(cmd.Process.Pid, info.StartTime, Marker("other")))
	}
}

func TestVerifyExitedProcess(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("true")
	cmd.Env = append(os.Environ(), Marker("tx-exited"))
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	assert.False(t, Verify(pid, 0, Marker("tx-exited")))
}

func TestLookupRejectsInvalidPID(t *testing.T) {
	t.Parallel()

	_, err := Lookup(0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, Alive(-1))
}
