package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/metrics"
	"github.com/mattjoyce/tether/internal/txstore"
)

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/tether/internal/dispatch Store,Validator,Launcher

type Store interface {
	Create(ctx context.Context, req txstore.CreateRequest) (*txstore.Transaction, error)
}

type Validator interface {
	Validate(module, action string, params json.RawMessage) error
}

// Launcher starts a created transaction without waiting for it.
type Launcher interface {
	Execute(ctx context.Context, tx *txstore.Transaction) error
}

// Registry receives newly created transactions.
type Registry interface {
	Put(tx txstore.Transaction)
}

// Ack is the provisional acknowledgement returned by Submit. The final result
// is only available through a status query.
type Ack struct {
	TransactionID string         `json:"transaction_id"`
	Status        txstore.Status `json:"status"`
	AcceptedAt    time.Time      `json:"accepted_at"`
	Provisional   bool           `json:"provisional"`
}

type Options struct {
	Store     Store
	Validator Validator
	Launcher  Launcher
	Registry  Registry
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// NewID allocates transaction ids. Defaults to random UUIDs.
	NewID func() string
}

type Dispatcher struct {
	store     Store
	validator Validator
	launcher  Launcher
	registry  Registry
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	newID     func() string
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		store:     opts.Store,
		validator: opts.Validator,
		launcher:  opts.Launcher,
		registry:  opts.Registry,
		events:    opts.Events,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		newID:     opts.NewID,
	}
	if d.events == nil {
		d.events = events.Nop{}
	}
	if d.logger == nil {
		d.logger = log.WithComponent("dispatch")
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	return d
}

// Submit admits one action request.
func (d *Dispatcher) Submit(ctx context.Context, desc txstore.Descriptor) (Ack, error) {
	if d.validator != nil {
		if err := d.validator.Validate(desc.Module, desc.Action, desc.Params); err != nil {
			d.logger.Debug("rejected request", "module", desc.Module, "action", desc.Action, "error", err)
			return Ack{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	id := d.newID()
	tx, err := d.store.Create(ctx, txstore.CreateRequest{ID: id, Descriptor: desc})
	if err != nil {
		if errors.Is(err, txstore.ErrDuplicateTransaction) {
			d.logger.Error("transaction id allocated twice", "transaction_id", id)
		}
		return Ack{}, fmt.Errorf("create transaction: %w", err)
	}

	logger := d.logger.With("transaction_id", tx.ID, "module", desc.Module, "action", desc.Action)
	logger.Info("transaction accepted")

	if d.registry != nil {
		d.registry.Put(*tx)
	}
	d.metrics.Submitted(desc.Module)
	d.events.Publish(events.TypeSubmitted, events.Transaction{
		TransactionID: tx.ID,
		Module:        desc.Module,
		Action:        desc.Action,
		Status:        string(tx.Status),
	})

	// The request may finish before the action starts; start-up bookkeeping must not
	// be cut short by it.
	if err := d.launcher.Execute(context.WithoutCancel(ctx), tx); err != nil {
		logger.Error("failed to launch transaction", "error", err)
	}

	return Ack{
		TransactionID: tx.ID,
		Status:        txstore.StatusRunning,
		AcceptedAt:    tx.CreatedAt,
		Provisional:   true,
	}, nil
}
