// Package registry keeps the agent's in-memory view of every known transaction.
//
// The registry is rebuilt from the store at startup, and every non-terminal
// record is reconciled before the registry reports ready. Query paths consult it
// to decide whether an id exists at all.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/txstore"
)

var (
	ErrNotFound = errors.New("transaction not registered")
	// ErrNotReady is returned by Lookup until the first Rebuild finishes.
	ErrNotReady = errors.New("registry is not ready")
)

type Registry struct {
	mu    sync.RWMutex
	txs   map[string]txstore.Transaction
	ready atomic.Bool

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = log.WithComponent("registry")
	}
	return &Registry{txs: make(map[string]txstore.Transaction), logger: logger}
}

// Put records tx. Older or backwards updates are ignored: a terminal record is
// never replaced by a non-terminal one, and a record never replaces a newer one.
func (r *Registry) Put(tx txstore.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.txs[tx.ID]; ok {
		if cur.Status.Terminal() && !tx.Status.Terminal() {
			return
		}
		if tx.UpdatedAt.Before(cur.UpdatedAt) {
			return
		}
	}
	r.txs[tx.ID] = tx
}

// Remove drops ids, used when resolved transactions are purged.
func (r *Registry) Remove(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.txs, id)
	}
}

// Lookup returns the registered record for id.
func (r *Registry) Lookup(id string) (txstore.Transaction, error) {
	if !r.ready.Load() {
		return txstore.Transaction{}, ErrNotReady
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.txs[id]
	if !ok {
		return txstore.Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx, nil
}

// Snapshot returns all records, oldest first.
func (r *Registry) Snapshot() []txstore.Transaction {
	r.mu.RLock()
	out := make([]txstore.Transaction, 0, len(r.txs))
	for _, tx := range r.txs {
		out = append(out, tx)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListByStatus returns the records currently in status st, oldest first.
func (r *Registry) ListByStatus(st txstore.Status) []txstore.Transaction {
	var out []txstore.Transaction
	for _, tx := range r.Snapshot() {
		if tx.Status == st {
			out = append(out, tx)
		}
	}
	return out
}

// Counts returns the number of records per status.
func (r *Registry) Counts() map[txstore.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[txstore.Status]int)
	for _, tx := range r.txs {
		out[tx.Status]++
	}
	return out
}

func (r *Registry) Ready() bool { return r.ready.Load() }

// Report summarizes a Rebuild.
type Report struct {
	Total      int
	Reconciled int
	Errors     int
	ByStatus   map[txstore.Status]int
}

// Rebuild loads every record from src, reconciles the non-terminal ones and
// marks the registry ready. A reconciliation error keeps the stored record and
// is counted in the report; only a failed listing fails the rebuild.
func (r *Registry) Rebuild(ctx context.Context, src Source, rec Reconciler) (Report, error) {
	all, err := src.ListAll(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list transactions: %w", err)
	}

	report := Report{Total: len(all), ByStatus: make(map[txstore.Status]int)}
	for _, tx := range all {
		if !tx.Status.Terminal() && rec != nil {
			reconciled, err := rec.Reconcile(ctx, tx)
			if err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				r.logger.Error("reconcile failed", "transaction_id", tx.ID, "status", tx.Status, "error", err)
				report.Errors++
			} else {
				tx = reconciled
				report.Reconciled++
			}
		}
		r.Put(tx)
	}

	for st, n := range r.Counts() {
		report.ByStatus[st] = n
	}
	r.ready.Store(true)
	r.logger.Info("registry rebuilt",
		"total", report.Total,
		"reconciled", report.Reconciled,
		"errors", report.Errors,
		"running", report.ByStatus[txstore.StatusRunning],
		"unknown", report.ByStatus[txstore.StatusUnknown],
	)
	return report, nil
}
