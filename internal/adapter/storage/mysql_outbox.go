package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/supermarket/internal/core/domain"
)

const outboxColumns = `id, event_type, aggregate_id, payload, status, retry_count, error_message,
	next_attempt_at, claim_token, claimed_at, created_at, processed_at`

// InsertOutboxEvent writes the event in the ledger transaction, so the sale and
// its event commit or roll back together.
func (t *mysqlLedgerTx) InsertOutboxEvent(ctx context.Context, ev *domain.OutboxEvent) error {
	ev.Status = domain.OutboxPending
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox_events (event_type, aggregate_id, payload, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		ev.EventType, ev.AggregateID, ev.Payload, ev.Status, ev.CreatedAt,
	)
	if err != nil {
		if mysqlErrorNumber(err) == mysqlErrDuplicateEntry {
			return domain.InvariantViolation("second %s event for %s", ev.EventType, ev.AggregateID)
		}
		return fmt.Errorf("insert outbox event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("outbox event id: %w", err)
	}
	ev.ID = id
	return nil
}

// MySQLOutbox is the relay side of the outbox table.
type MySQLOutbox struct {
	db *sqlx.DB
}

func NewMySQLOutbox(db *sqlx.DB) *MySQLOutbox {
	return &MySQLOutbox{db: db}
}

func (m *MySQLOutbox) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	var events []domain.OutboxEvent
	err := m.db.SelectContext(ctx, &events, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at, id
		LIMIT ?`,
		domain.OutboxPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	return events, nil
}

func (m *MySQLOutbox) Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = ?, claim_token = ?, claimed_at = ?
		WHERE id = ? AND status = ?`,
		domain.OutboxProcessing, token, now, id, domain.OutboxPending,
	)
	if err != nil {
		return false, fmt.Errorf("claim event %d: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLOutbox) Settle(ctx context.Context, ev domain.OutboxEvent, claimToken string) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = ?, retry_count = ?, error_message = ?, next_attempt_at = ?, processed_at = ?,
			claim_token = NULL, claimed_at = NULL
		WHERE id = ? AND status = ? AND claim_token = ?`,
		ev.Status, ev.RetryCount, ev.ErrorMessage, ev.NextAttemptAt, ev.ProcessedAt,
		ev.ID, domain.OutboxProcessing, claimToken,
	)
	if err != nil {
		return fmt.Errorf("settle event %d: %w", ev.ID, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: event %d", domain.ErrClaimLost, ev.ID)
	}
	return nil
}

func (m *MySQLOutbox) ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.OutboxEvent, error) {
	var events []domain.OutboxEvent
	err := m.db.SelectContext(ctx, &events, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE status = ? AND claimed_at < ?
		ORDER BY claimed_at, id
		LIMIT ?`,
		domain.OutboxProcessing, claimedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale claims: %w", err)
	}
	return events, nil
}

func (m *MySQLOutbox) Get(ctx context.Context, id int64) (*domain.OutboxEvent, error) {
	var ev domain.OutboxEvent
	err := m.db.GetContext(ctx, &ev, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query event %d: %w", id, err)
	}
	return &ev, nil
}

func (m *MySQLOutbox) CountByStatus(ctx context.Context) (map[domain.OutboxStatus]int64, error) {
	var rows []struct {
		Status domain.OutboxStatus `db:"status"`
		Count  int64               `db:"n"`
	}
	if err := m.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM outbox_events GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	out := make(map[domain.OutboxStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

func (m *MySQLOutbox) OldestPending(ctx context.Context) (*time.Time, error) {
	var oldest sql.NullTime
	err := m.db.GetContext(ctx, &oldest, `SELECT MIN(created_at) FROM outbox_events WHERE status = ?`, domain.OutboxPending)
	if err != nil {
		return nil, fmt.Errorf("query oldest pending: %w", err)
	}
	if !oldest.Valid {
		return nil, nil
	}
	return &oldest.Time, nil
}

func (m *MySQLOutbox) ListRecentFailed(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	var events []domain.OutboxEvent
	err := m.db.SelectContext(ctx, &events, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		domain.OutboxFailed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed events: %w", err)
	}
	return events, nil
}

func (m *MySQLOutbox) ListByStatus(ctx context.Context, status domain.OutboxStatus, limit, offset int) ([]domain.OutboxEvent, int64, error) {
	where, args := "", []any{}
	if status != "" {
		where, args = "WHERE status = ?", append(args, status)
	}

	var total int64
	if err := m.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM outbox_events `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	var events []domain.OutboxEvent
	err := m.db.SelectContext(ctx, &events, `
		SELECT `+outboxColumns+`
		FROM outbox_events `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	return events, total, nil
}

func (m *MySQLOutbox) Requeue(ctx context.Context, id int64) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = ?, retry_count = 0, error_message = NULL, next_attempt_at = NULL
		WHERE id = ? AND status = ?`,
		domain.OutboxPending, id, domain.OutboxFailed,
	)
	if err != nil {
		return fmt.Errorf("requeue event %d: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 1 {
		return nil
	}
	ev, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s (event %d)", domain.ErrInvalidTransition, ev.Status, domain.OutboxPending, id)
}

func (m *MySQLOutbox) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := m.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE status = ? AND processed_at < ?`,
		domain.OutboxCompleted, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete completed events: %w", err)
	}
	return result.RowsAffected()
}
