package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/port"
)

const (
	mysqlErrDuplicateEntry = 1062
	mysqlErrNoReferenced   = 1452
)

const batchColumns = `id, product_id, batch_code, quantity, cost_per_unit, expiration_date, received_date, created_at`

// MySQLLedger is the primary stock ledger. Batch rows are locked with
// SELECT ... FOR UPDATE on the primary key in ascending id order.
type MySQLLedger struct {
	db *sqlx.DB
}

func NewMySQLLedger(db *sqlx.DB) *MySQLLedger {
	return &MySQLLedger{db: db}
}

func (m *MySQLLedger) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlLedgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type mysqlLedgerTx struct {
	tx *sqlx.Tx
}

func (t *mysqlLedgerTx) LockBatches(ctx context.Context, productIDs []int64) ([]domain.ProductBatch, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM product_batches WHERE product_id IN (?) AND quantity > 0`, productIDs)
	if err != nil {
		return nil, err
	}
	return t.lockByCandidates(ctx, query, args)
}

func (t *mysqlLedgerTx) LockExpiredBatches(ctx context.Context, asOf time.Time) ([]domain.ProductBatch, error) {
	return t.lockByCandidates(ctx,
		`SELECT id FROM product_batches WHERE quantity > 0 AND expiration_date < ?`, []any{asOf})
}

// lockByCandidates finds candidate ids with a plain read, then locks exactly
// those rows through the primary key. Locking through a secondary index would
// take the locks in index order instead of id order.
func (t *mysqlLedgerTx) lockByCandidates(ctx context.Context, candidates string, args []any) ([]domain.ProductBatch, error) {
	var ids []int64
	if err := t.tx.SelectContext(ctx, &ids, t.tx.Rebind(candidates), args...); err != nil {
		return nil, fmt.Errorf("select candidate batches: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query, lockArgs, err := sqlx.In(`SELECT `+batchColumns+` FROM product_batches WHERE id IN (?) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	var locked []domain.ProductBatch
	if err := t.tx.SelectContext(ctx, &locked, t.tx.Rebind(query), lockArgs...); err != nil {
		return nil, fmt.Errorf("lock batches: %w", err)
	}

	// A concurrent transaction may have drained a candidate before we got
	// its lock.
	out := locked[:0]
	for _, b := range locked {
		if b.Quantity > 0 {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *mysqlLedgerTx) LockBatch(ctx context.Context, batchID int64) (*domain.ProductBatch, error) {
	var b domain.ProductBatch
	err := t.tx.GetContext(ctx, &b, `SELECT `+batchColumns+` FROM product_batches WHERE id = ? FOR UPDATE`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrBatchNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock batch %d: %w", batchID, err)
	}
	return &b, nil
}

func (t *mysqlLedgerTx) FindProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT id, sku, name, base_price, active FROM products WHERE id IN (?) AND active = TRUE`, ids)
	if err != nil {
		return nil, err
	}
	var products []domain.Product
	if err := t.tx.SelectContext(ctx, &products, t.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

func (t *mysqlLedgerTx) InsertBatch(ctx context.Context, b *domain.ProductBatch) error {
	createdAt := time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO product_batches (product_id, batch_code, quantity, cost_per_unit, expiration_date, received_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ProductID, b.BatchCode, b.Quantity, b.CostPerUnit, b.ExpirationDate, b.ReceivedDate, createdAt,
	)
	if err != nil {
		switch mysqlErrorNumber(err) {
		case mysqlErrDuplicateEntry:
			return fmt.Errorf("%w: product %d batch %q", domain.ErrDuplicateBatch, b.ProductID, b.BatchCode)
		case mysqlErrNoReferenced:
			return fmt.Errorf("%w: %d", domain.ErrProductNotFound, b.ProductID)
		}
		return fmt.Errorf("insert batch: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("batch id: %w", err)
	}
	b.ID = id
	b.CreatedAt = createdAt
	return nil
}

func (t *mysqlLedgerTx) ApplyDelta(ctx context.Context, batchID, delta int64) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE product_batches
		SET quantity = quantity + ?
		WHERE id = ? AND quantity + ? >= 0`,
		delta, batchID, delta,
	)
	if err != nil {
		return fmt.Errorf("update batch %d: %w", batchID, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.InvariantViolation("batch %d rejected delta %d", batchID, delta)
	}
	return nil
}

func (t *mysqlLedgerTx) InsertMovements(ctx context.Context, movements []domain.InventoryMovement) error {
	if len(movements) == 0 {
		return nil
	}
	for _, m := range movements {
		if !m.MovementType.IsValid() {
			return domain.InvariantViolation("movement type %q on batch %d", m.MovementType, m.ProductBatchID)
		}
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO inventory_movements (product_batch_id, movement_type, quantity, user_id, reference_id, note, created_at)
		VALUES (:product_batch_id, :movement_type, :quantity, :user_id, :reference_id, :note, :created_at)`,
		movements,
	)
	if err != nil {
		return fmt.Errorf("insert movements: %w", err)
	}
	return nil
}

// mysqlErrorNumber returns the server error code, or 0 for other errors.
func mysqlErrorNumber(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}
