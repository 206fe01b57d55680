package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tether/internal/txstore"
)

func newDir(t *testing.T) (*Manager, Dir) {
	t.Helper()
	mgr, err := NewManager(filepath.Join(t.TempDir(), "spool"))
	require.NoError(t, err)
	d, err := mgr.Create(context.Background(), "tx-1")
	require.NoError(t, err)
	return mgr, d
}

func TestManagerCreateOpenRemove(t *testing.T) {
	mgr, d := newDir(t)

	assert.Equal(t, filepath.Join(mgr.Root(), "tx-1"), d.Path)

	opened, err := mgr.Open(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, d, opened)

	_, err = mgr.Create(context.Background(), "tx-1")
	assert.Error(t, err, "second create must not reuse an existing spool")

	require.NoError(t, mgr.Remove("tx-1"))
	_, err = os.Stat(d.Path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, mgr.Remove("tx-1"), "removing twice is fine")
}

func TestManagerRejectsUnsafeIDs(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`, "../escape"} {
		_, err := mgr.Create(context.Background(), id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestNewManagerEmptyBase(t *testing.T) {
	_, err := NewManager("  ")
	assert.Error(t, err)
}

func TestRequestRoundTrip(t *testing.T) {
	_, d := newDir(t)

	req := Request{
		TransactionID: "tx-1",
		Command:       "/bin/echo",
		Args:          []string{"hello"},
		Env:           []string{"A=1"},
		Stdin:         []byte(`{"k":"v"}`),
	}
	require.NoError(t, d.WriteRequest(req))

	got, err := d.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, req.Command, got.Command)
	assert.Equal(t, req.Args, got.Args)
	assert.JSONEq(t, `{"k":"v"}`, string(got.Stdin))
}

func TestReadRequestWithoutCommand(t *testing.T) {
	_, d := newDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(d.Path, requestFile), []byte(`{}`), 0o600))

	_, err := d.ReadRequest()
	assert.Error(t, err)
}

func TestPIDRecord(t *testing.T) {
	_, d := newDir(t)

	_, err := d.ReadPID()
	assert.ErrorIs(t, err, ErrNoPIDFile)

	require.NoError(t, d.WritePID(PIDRecord{PID: 42, StartTime: 7}))
	got, err := d.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, PIDRecord{PID: 42, StartTime: 7}, got)
}

func TestArtifactMissingAndCorrupt(t *testing.T) {
	_, d := newDir(t)

	_, err := d.ReadArtifact()
	assert.ErrorIs(t, err, ErrNoArtifact)

	require.NoError(t, os.WriteFile(filepath.Join(d.Path, artifactFile), []byte(`{"exit_code":`), 0o600))
	_, err = d.ReadArtifact()
	assert.ErrorIs(t, err, ErrCorruptArtifact)

	require.NoError(t, os.WriteFile(filepath.Join(d.Path, artifactFile), []byte(`{"exit_code":0}`), 0o600))
	_, err = d.ReadArtifact()
	assert.ErrorIs(t, err, ErrCorruptArtifact, "artifact without finished_at is untrusted")
}

func TestArtifactVerify(t *testing.T) {
	_, d := newDir(t)
	require.NoError(t, os.WriteFile(d.StreamPath(txstore.StreamStdout), []byte("hello\n"), 0o600))

	outSum, outN, err := d.Digest(txstore.StreamStdout)
	require.NoError(t, err)
	errSum, errN, err := d.Digest(txstore.StreamStderr)
	require.NoError(t, err)
	assert.Equal(t, int64(6), outN)
	assert.Zero(t, errN, "missing stream file hashes as empty")

	a := Artifact{
		ExitCode:     3,
		StdoutBytes:  outN,
		StdoutBLAKE3: outSum,
		StderrBytes:  errN,
		StderrBLAKE3: errSum,
		StartedAt:    time.Now().Add(-time.Second).UTC(),
		FinishedAt:   time.Now().UTC(),
	}
	require.NoError(t, d.WriteArtifact(a))

	got, err := d.ReadArtifact()
	require.NoError(t, err)
	assert.Equal(t, 3, got.ExitCode)
	assert.Equal(t, int64(6), got.Bytes(txstore.StreamStdout))
	require.NoError(t, d.VerifyArtifact(got))

	f, err := os.OpenFile(d.StreamPath(txstore.StreamStdout), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("tampered")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Error(t, d.VerifyArtifact(got))
}

func TestWriteArtifactLeavesNoTempFiles(t *testing.T) {
	_, d := newDir(t)
	require.NoError(t, d.WriteArtifact(Artifact{FinishedAt: time.Now()}))

	entries, err := os.ReadDir(d.Path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, artifactFile, entries[0].Name())
}

func TestOpenDir(t *testing.T) {
	_, d := newDir(t)

	got, err := OpenDir(d.Path)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", got.TransactionID)

	_, err = OpenDir(filepath.Join(d.Path, "missing"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
