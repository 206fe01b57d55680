package status

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/registry"
	"github.com/mattjoyce/tether/internal/storage"
	"github.com/mattjoyce/tether/internal/txstore"
)

func setup(t *testing.T) (*txstore.Store, *registry.Registry) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := txstore.New(db)
	reg := registry.New(log.Discard())
	_, err = reg.Rebuild(context.Background(), store, nil)
	require.NoError(t, err)
	return store, reg
}

func TestQueryUnknownTransaction(t *testing.T) {
	store, reg := setup(t)
	h := New(reg, store)

	_, err := h.Query(context.Background(), "never-submitted")
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	_, err = New(nil, store).Query(context.Background(), "never-submitted")
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestQueryPartialThenFrozen(t *testing.T) {
	store, reg := setup(t)
	h := New(reg, store)
	ctx := context.Background()

	tx, err := store.Create(ctx, txstore.CreateRequest{ID: "tx-1", Descriptor: txstore.Descriptor{Module: "m", Action: "a"}})
	require.NoError(t, err)
	reg.Put(*tx)
	require.NoError(t, store.SetProcess(ctx, "tx-1", txstore.ProcessHandle{PID: 10, StartTime: 1}, "w"))
	_, err = store.AppendOutput(ctx, "tx-1", "w", txstore.StreamStdout, 0, []byte("half"))
	require.NoError(t, err)

	res, err := h.Query(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txstore.StatusRunning, res.Status)
	assert.True(t, res.Partial)
	assert.Equal(t, "half", res.Stdout)
	assert.Nil(t, res.ResolvedAt)

	code := 0
	_, err = store.SetStatus(ctx, txstore.StatusUpdate{ID: "tx-1", WriterID: "w", Status: txstore.StatusCompleted, ExitCode: &code})
	require.NoError(t, err)

	res, err = h.Query(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txstore.StatusCompleted, res.Status)
	assert.False(t, res.Partial)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.NotNil(t, res.ResolvedAt)

	again, err := h.Query(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, res, again, "terminal results are stable")
}

func TestQueryBeforeRegistryReady(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()

	h := New(registry.New(log.Discard()), txstore.New(db))
	_, err = h.Query(context.Background(), "x")
	assert.ErrorIs(t, err, registry.ErrNotReady)
	assert.NotErrorIs(t, err, ErrUnknownTransaction)
}
