package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tether/internal/dispatch/mocks"
	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/txstore"
)

type fakeRegistry struct{ put []txstore.Transaction }

func (f *fakeRegistry) Put(tx txstore.Transaction) { f.put = append(f.put, tx) }

var desc = txstore.Descriptor{Module: "sleep", Action: "run", Params: json.RawMessage(`{"duration":1}`)}

func TestSubmitAcknowledgesAfterCreate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockStore(ctrl)
	validator := mocks.NewMockValidator(ctrl)
	launcher := mocks.NewMockLauncher(ctrl)
	reg := &fakeRegistry{}
	hub := events.NewHub(8)

	created := &txstore.Transaction{ID: "tx-1", Status: txstore.StatusRunning, Descriptor: desc, CreatedAt: time.Now().UTC()}

	gomock.InOrder(
		validator.EXPECT().Validate("sleep", "run", desc.Params).Return(nil),
		store.EXPECT().Create(gomock.Any(), txstore.CreateRequest{ID: "tx-1", Descriptor: desc}).Return(created, nil),
		launcher.EXPECT().Execute(gomock.Any(), created).Return(nil),
	)

	d := New(Options{
		Store: store, Validator: validator, Launcher: launcher, Registry: reg, Events: hub,
		Logger: log.Discard(), NewID: func() string { return "tx-1" },
	})

	ack, err := d.Submit(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", ack.TransactionID)
	assert.Equal(t, txstore.StatusRunning, ack.Status)
	assert.True(t, ack.Provisional)
	assert.Equal(t, created.CreatedAt, ack.AcceptedAt)

	require.Len(t, reg.put, 1)
	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeSubmitted, evs[0].Type)
}

func TestSubmitInvalidRequestCreatesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	validator := mocks.NewMockValidator(ctrl)
	validator.EXPECT().Validate(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("unknown module \"x\""))

	d := New(Options{
		Store: mocks.NewMockStore(ctrl), Validator: validator, Launcher: mocks.NewMockLauncher(ctrl),
		Logger: log.Discard(),
	})

	_, err := d.Submit(context.Background(), txstore.Descriptor{Module: "x", Action: "y"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "unknown module")
}

func TestSubmitDuplicateIsInternalError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, txstore.ErrDuplicateTransaction)

	d := New(Options{Store: store, Launcher: mocks.NewMockLauncher(ctrl), Logger: log.Discard()})

	_, err := d.Submit(context.Background(), desc)
	require.ErrorIs(t, err, txstore.ErrDuplicateTransaction)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitLaunchFailureStillAcknowledges(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockStore(ctrl)
	launcher := mocks.NewMockLauncher(ctrl)
	created := &txstore.Transaction{ID: "tx-2", Status: txstore.StatusRunning, Descriptor: desc}
	store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(created, nil)
	launcher.EXPECT().Execute(gomock.Any(), created).Return(errors.New("record process: disk full"))

	d := New(Options{Store: store, Launcher: launcher, Logger: log.Discard()})

	ack, err := d.Submit(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "tx-2", ack.TransactionID)
}

func TestSubmitLaunchIgnoresCallerCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockStore(ctrl)
	launcher := mocks.NewMockLauncher(ctrl)
	created := &txstore.Transaction{ID: "tx-3", Status: txstore.StatusRunning, Descriptor: desc}
	store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(created, nil)
	launcher.EXPECT().Execute(gomock.Any(), created).DoAndReturn(func(ctx context.Context, _ *txstore.Transaction) error {
		assert.NoError(t, ctx.Err())
		return nil
	})

	d := New(Options{Store: store, Launcher: launcher, Logger: log.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Submit(ctx, desc)
	require.NoError(t, err)
}

func TestSubmitDefaultIDsAreUnique(t *testing.T) {
	d := New(Options{})
	a, b := d.newID(), d.newID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
