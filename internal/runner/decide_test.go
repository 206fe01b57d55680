package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tether/internal/spool"
	"github.com/mattjoyce/tether/internal/txstore"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		stdout     string
		artifact   *spool.Artifact
		raw        string
		offsets    map[txstore.Stream]int64
		wantStatus txstore.Status
		wantErr    string
		wantExit   *int
	}{
		{
			name:       "no artifact",
			wantStatus: txstore.StatusUnknown,
			wantErr:    ErrLost.Error(),
		},
		{
			name:       "corrupt artifact",
			raw:        `{"exit`,
			wantStatus: txstore.StatusUnknown,
			wantErr:    "corrupt",
		},
		{
			name:       "spawn error",
			artifact:   &spool.Artifact{ExitCode: -1, Error: "spawn: exec format error"},
			wantStatus: txstore.StatusFailed,
			wantErr:    ErrSpawn.Error(),
		},
		{
			name:       "signal",
			artifact:   &spool.Artifact{ExitCode: -1, Signal: "SIGKILL"},
			wantStatus: txstore.StatusFailed,
			wantErr:    "SIGKILL",
		},
		{
			name:       "exit zero",
			stdout:     "ok\n",
			artifact:   &spool.Artifact{},
			offsets:    map[txstore.Stream]int64{txstore.StreamStdout: 3},
			wantStatus: txstore.StatusCompleted,
			wantExit:   intPtr(0),
		},
		{
			name:       "exit non-zero",
			artifact:   &spool.Artifact{ExitCode: 4},
			wantStatus: txstore.StatusCompleted,
			wantExit:   intPtr(4),
		},
		{
			name:       "stored output short",
			stdout:     "ok\n",
			artifact:   &spool.Artifact{},
			offsets:    map[txstore.Stream]int64{txstore.StreamStdout: 1},
			wantStatus: txstore.StatusFailed,
			wantErr:    "output mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, err := spool.NewManager(t.TempDir())
			require.NoError(t, err)
			dir, err := mgr.Create(context.Background(), "tx")
			require.NoError(t, err)

			if tt.stdout != "" {
				require.NoError(t, os.WriteFile(dir.StreamPath(txstore.StreamStdout), []byte(tt.stdout), 0o600))
			}
			if tt.raw != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir.Path, "exitcode"), []byte(tt.raw), 0o600))
			}
			if tt.artifact != nil {
				art := *tt.artifact
				art.StdoutBLAKE3, art.StdoutBytes, err = dir.Digest(txstore.StreamStdout)
				require.NoError(t, err)
				art.StderrBLAKE3, art.StderrBytes, err = dir.Digest(txstore.StreamStderr)
				require.NoError(t, err)
				art.FinishedAt = time.Now()
				require.NoError(t, dir.WriteArtifact(art))
			}
			offsets := tt.offsets
			if offsets == nil {
				offsets = map[txstore.Stream]int64{}
			}

			u := decide("tx", dir, offsets)
			assert.Equal(t, tt.wantStatus, u.Status)
			if tt.wantErr != "" {
				assert.Contains(t, u.Error, tt.wantErr)
			}
			assert.Equal(t, tt.wantExit, u.ExitCode)
		})
	}
}

func TestDecideDetectsTamperedSpool(t *testing.T) {
	mgr, err := spool.NewManager(t.TempDir())
	require.NoError(t, err)
	dir, err := mgr.Create(context.Background(), "tx")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(dir.StreamPath(txstore.StreamStdout), []byte("abc"), 0o600))
	art := spool.Artifact{FinishedAt: time.Now()}
	art.StdoutBLAKE3, art.StdoutBytes, err = dir.Digest(txstore.StreamStdout)
	require.NoError(t, err)
	art.StderrBLAKE3, art.StderrBytes, err = dir.Digest(txstore.StreamStderr)
	require.NoError(t, err)
	require.NoError(t, dir.WriteArtifact(art))
	require.NoError(t, os.WriteFile(dir.StreamPath(txstore.StreamStdout), []byte("abd"), 0o600))

	u := decide("tx", dir, map[txstore.Stream]int64{txstore.StreamStdout: 3})
	assert.Equal(t, txstore.StatusFailed, u.Status)
	assert.Contains(t, u.Error, "output mismatch")
}

func intPtr(v int) *int { return &v }
