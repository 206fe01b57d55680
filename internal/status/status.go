// Package status answers status queries for transactions.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/tether/internal/registry"
	"github.com/mattjoyce/tether/internal/txstore"
)

// ErrUnknownTransaction is returned for ids that were never accepted, or were purged.
var ErrUnknownTransaction = errors.New("unknown transaction")

type Registry interface {
	Lookup(id string) (txstore.Transaction, error)
}

type Store interface {
	Snapshot(ctx context.Context, id string) (*txstore.Snapshot, error)
}

// Result is the answer to a status query. Partial is true while the transaction
// can still produce output.
type Result struct {
	TransactionID string         `json:"transaction_id"`
	Module        string         `json:"module"`
	Action        string         `json:"action"`
	Status        txstore.Status `json:"status"`
	Stdout        string         `json:"stdout"`
	Stderr        string         `json:"stderr"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Signal        string         `json:"signal,omitempty"`
	Error         string         `json:"error,omitempty"`
	Partial       bool           `json:"partial"`
	CreatedAt     time.Time      `json:"created_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

type Handler struct {
	registry Registry
	store    Store
}

// New builds a handler. With a nil registry every query goes straight to the
// store, which is how the CLI reads transactions while the agent is down.
func New(reg Registry, store Store) *Handler {
	return &Handler{registry: reg, store: store}
}

// Query returns the current status and output of id.
func (h *Handler) Query(ctx context.Context, id string) (Result, error) {
	if h.registry != nil {
		if _, err := h.registry.Lookup(id); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return Result{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
			}
			return Result{}, err
		}
	}

	snap, err := h.store.Snapshot(ctx, id)
	if err != nil {
		if errors.Is(err, txstore.ErrTransactionNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
		}
		return Result{}, fmt.Errorf("read transaction %s: %w", id, err)
	}
	return FromSnapshot(snap), nil
}

// FromSnapshot converts a stored snapshot to a Result.
func FromSnapshot(snap *txstore.Snapshot) Result {
	return Result{
		TransactionID: snap.ID,
		Module:        snap.Descriptor.Module,
		Action:        snap.Descriptor.Action,
		Status:        snap.Status,
		Stdout:        string(snap.Output.Stdout),
		Stderr:        string(snap.Output.Stderr),
		ExitCode:      snap.ExitCode,
		Signal:        snap.Signal,
		Error:         snap.Error,
		Partial:       !snap.Status.Terminal(),
		CreatedAt:     snap.CreatedAt,
		ResolvedAt:    snap.ResolvedAt,
	}
}
