package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/procid"
	"github.com/mattjoyce/tether/internal/spool"
	"github.com/mattjoyce/tether/internal/txstore"
)

// Outcome is the result of reconciling one transaction.
type Outcome string

const (
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeReattached Outcome = "reattached"
	OutcomeFinalized  Outcome = "finalized"
	OutcomeLost       Outcome = "lost"
)

// Reconcile brings a stored Running or Unknown transaction in line with the
// evidence on this host and returns the stored result:
//
//   - a live process with a verified identity is reattached and supervised;
//   - a completion artifact finalizes the transaction after the output is drained;
//   - neither marks a Running transaction Unknown.
//
// Terminal transactions and ones this runner already supervises are returned as is.
func (r *Runner) Reconcile(ctx context.Context, tx txstore.Transaction) (txstore.Transaction, error) {
	outcome, err := r.reconcile(ctx, &tx)
	if err != nil {
		r.metrics.Reconciled("error")
		return tx, err
	}
	r.metrics.Reconciled(string(outcome))
	if outcome == OutcomeUnchanged {
		return tx, nil
	}

	stored, err := r.store.Get(ctx, tx.ID)
	if err != nil {
		return tx, fmt.Errorf("reload %s: %w", tx.ID, err)
	}
	if r.onChange != nil {
		r.onChange(*stored)
	}
	return *stored, nil
}

func (r *Runner) reconcile(ctx context.Context, tx *txstore.Transaction) (Outcome, error) {
	if tx.Status.Terminal() {
		return OutcomeUnchanged, nil
	}
	if !r.acquire(tx.ID) {
		return OutcomeUnchanged, nil
	}
	supervising := false
	defer func() {
		if !supervising {
			r.release(tx.ID)
		}
	}()

	logger := r.txLogger(tx)

	dir, err := r.spool.Open(ctx, tx.ID)
	if err != nil {
		return r.markLost(ctx, tx, fmt.Sprintf("spool directory unavailable: %v", err))
	}

	h := tx.Process
	if h == nil {
		// The agent may have died between starting the wrapper and recording it.
		if rec, err := dir.ReadPID(); err == nil {
			h = &txstore.ProcessHandle{PID: rec.PID, StartTime: rec.StartTime}
		}
	}
	alive := h != nil && procid.Verify(h.PID, h.StartTime, procid.Marker(tx.ID))
	_, artErr := dir.ReadArtifact()
	hasArtifact := !errors.Is(artErr, spool.ErrNoArtifact)

	if !alive && !hasArtifact {
		return r.markLost(ctx, tx, "no live process and no completion artifact")
	}

	claim := txstore.ProcessHandle{}
	if h != nil {
		claim = *h
	}
	if err := r.store.ClaimWriter(ctx, tx.ID, claim, r.writerID); err != nil {
		return OutcomeUnchanged, fmt.Errorf("claim %s: %w", tx.ID, err)
	}

	s := &supervision{tx: *tx, dir: dir, handle: &claim, logger: logger}
	if alive {
		logger.Warn("reattached to running transaction", "pid", claim.PID, "writer_id", r.writerID)
		r.publish(events.TypeReattached, tx, txstore.StatusRunning, "")
		supervising = true
		r.supervise(s)
		return OutcomeReattached, nil
	}

	offsets, err := r.store.EndOffsets(ctx, tx.ID)
	if err != nil {
		return OutcomeUnchanged, err
	}
	if err := r.drain(ctx, s, offsets); err != nil {
		return OutcomeUnchanged, fmt.Errorf("drain %s: %w", tx.ID, err)
	}
	if err := r.finalize(ctx, s, offsets); err != nil {
		return OutcomeUnchanged, err
	}
	logger.Warn("finalized transaction that completed while unsupervised")
	return OutcomeFinalized, nil
}

func (r *Runner) markLost(ctx context.Context, tx *txstore.Transaction, reason string) (Outcome, error) {
	if tx.Status == txstore.StatusUnknown {
		return OutcomeUnchanged, nil
	}
	u := txstore.StatusUpdate{
		ID:     tx.ID,
		Status: txstore.StatusUnknown,
		Error:  fmt.Sprintf("%v: %s", ErrLost, reason),
	}
	if err := r.resolve(ctx, tx, u, r.txLogger(tx)); err != nil {
		return OutcomeUnchanged, err
	}
	return OutcomeLost, nil
}
