package port

import (
	"context"
	"time"

	"github.com/rl1809/supermarket/internal/core/domain"
)

// LedgerRepository opens transactions against the primary stock ledger.
type LedgerRepository interface {
	// WithinTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
}

// LedgerTx is the set of ledger operations available inside a transaction.
// Every Lock* method takes row locks that are held until the transaction ends
// and acquires them in ascending batch id order.
type LedgerTx interface {
	// LockBatches locks every batch with quantity > 0 that belongs to one of
	// productIDs and returns them ordered by id.
	LockBatches(ctx context.Context, productIDs []int64) ([]domain.ProductBatch, error)

	// LockBatch locks a single batch. Returns domain.ErrBatchNotFound when
	// it does not exist.
	LockBatch(ctx context.Context, batchID int64) (*domain.ProductBatch, error)

	// LockExpiredBatches locks batches with quantity > 0 that expired before asOf.
	LockExpiredBatches(ctx context.Context, asOf time.Time) ([]domain.ProductBatch, error)

	// FindProducts returns the active products among ids, keyed by id.
	FindProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)

	// InsertBatch stores a new batch and sets its ID and CreatedAt.
	InsertBatch(ctx context.Context, batch *domain.ProductBatch) error

	// ApplyDelta adds delta to the batch quantity. It fails with
	// domain.ErrLedgerInvariant instead of letting a quantity go negative.
	ApplyDelta(ctx context.Context, batchID, delta int64) error

	InsertMovements(ctx context.Context, movements []domain.InventoryMovement) error

	// InsertOutboxEvent stores ev as PENDING and sets its ID.
	InsertOutboxEvent(ctx context.Context, ev *domain.OutboxEvent) error
}
