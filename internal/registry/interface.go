package registry

import (
	"context"

	"github.com/mattjoyce/tether/internal/txstore"
)

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks github.com/mattjoyce/tether/internal/registry Source,Reconciler

// Source lists the durable transaction records.
type Source interface {
	ListAll(ctx context.Context) ([]txstore.Transaction, error)
}

// Reconciler checks a non-terminal record against the host and returns the
// record as stored afterwards.
type Reconciler interface {
	Reconcile(ctx context.Context, tx txstore.Transaction) (txstore.Transaction, error)
}
