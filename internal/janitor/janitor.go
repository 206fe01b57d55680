// Package janitor purges old resolved transactions and re-checks Unknown ones.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/txstore"
)

type Store interface {
	PurgeResolved(ctx context.Context, cutoff time.Time) ([]string, error)
	ListByStatus(ctx context.Context, statuses ...txstore.Status) ([]txstore.Transaction, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, tx txstore.Transaction) (txstore.Transaction, error)
}

type Spool interface {
	Remove(id string) error
}

type Registry interface {
	Put(tx txstore.Transaction)
	Remove(ids ...string)
}

type Options struct {
	Store      Store
	Reconciler Reconciler
	Spool      Spool
	Registry   Registry
	Logger     *slog.Logger

	// Retention is how long resolved transactions are kept. Zero disables purging.
	Retention     time.Duration
	PurgeInterval time.Duration
	// RecheckInterval is how often Unknown transactions are reconciled again.
	// Zero disables re-checks.
	RecheckInterval time.Duration
	Now             func() time.Time
}

type Janitor struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Janitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("janitor")
	}
	return &Janitor{opts: opts, logger: logger}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	purge := tickerC(j.opts.PurgeInterval, j.opts.Retention > 0)
	recheck := tickerC(j.opts.RecheckInterval, j.opts.Reconciler != nil)
	defer purge.stop()
	defer recheck.stop()

	j.logger.Info("janitor started", "retention", j.opts.Retention, "purge_interval", j.opts.PurgeInterval, "recheck_interval", j.opts.RecheckInterval)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return nil
		case <-purge.c:
			if _, err := j.Purge(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("purge failed", "error", err)
			}
		case <-recheck.c:
			if _, err := j.Recheck(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("unknown re-check failed", "error", err)
			}
		}
	}
}

// Purge deletes resolved transactions past retention and their spool dirs.
func (j *Janitor) Purge(ctx context.Context) (int, error) {
	if j.opts.Retention <= 0 {
		return 0, nil
	}
	cutoff := j.opts.Now().Add(-j.opts.Retention)
	ids, err := j.opts.Store.PurgeResolved(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if j.opts.Registry != nil {
		j.opts.Registry.Remove(ids...)
	}
	for _, id := range ids {
		if j.opts.Spool == nil {
			break
		}
		if err := j.opts.Spool.Remove(id); err != nil {
			j.logger.Warn("failed to remove spool", "transaction_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		j.logger.Info("purged resolved transactions", "count", len(ids), "cutoff", cutoff)
	}
	return len(ids), nil
}

// Recheck reconciles every Unknown transaction and returns how many left Unknown.
func (j *Janitor) Recheck(ctx context.Context) (int, error) {
	if j.opts.Reconciler == nil {
		return 0, nil
	}
	unknown, err := j.opts.Store.ListByStatus(ctx, txstore.StatusUnknown)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, tx := range unknown {
		got, err := j.opts.Reconciler.Reconcile(ctx, tx)
		if err != nil {
			j.logger.Warn("re-check failed", "transaction_id", tx.ID, "error", err)
			continue
		}
		if got.Status != txstore.StatusUnknown {
			changed++
			j.logger.Info("unknown transaction resolved on re-check", "transaction_id", tx.ID, "status", got.Status)
			if j.opts.Registry != nil {
				j.opts.Registry.Put(got)
			}
		}
	}
	return changed, nil
}

type optionalTicker struct {
	t *time.Ticker
	c <-chan time.Time
}

// tickerC returns a ticker whose channel never fires when disabled.
func tickerC(d time.Duration, enabled bool) optionalTicker {
	if !enabled || d <= 0 {
		return optionalTicker{}
	}
	t := time.NewTicker(d)
	return optionalTicker{t: t, c: t.C}
}

func (o optionalTicker) stop() {
	if o.t != nil {
		o.t.Stop()
	}
}
