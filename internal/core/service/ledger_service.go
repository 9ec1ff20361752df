package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/port"
)

type EntryRequest struct {
	ProductID      int64
	BatchCode      string
	Quantity       int64
	CostPerUnit    decimal.Decimal
	ExpirationDate *time.Time
	ReceivedDate   *time.Time
	Note           string
}

type AdjustmentRequest struct {
	BatchID int64
	Delta   int64
	Note    string
}

// LedgerService owns every change to batch quantities. Each change writes a
// movement row in the same transaction.
type LedgerService struct {
	repo   port.LedgerRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewLedgerService(repo port.LedgerRepository, logger *zap.Logger) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{repo: repo, logger: logger, now: time.Now}
}

// Allocate takes quantity units of productID inside the caller's transaction,
// consuming the earliest-expiring batches first. Nothing is decremented when
// the eligible stock is short.
func (s *LedgerService) Allocate(ctx context.Context, tx port.LedgerTx, productID, quantity int64) ([]domain.BatchTake, error) {
	batches, err := tx.LockBatches(ctx, []int64{productID})
	if err != nil {
		return nil, fmt.Errorf("lock batches of product %d: %w", productID, err)
	}

	takes, err := domain.PlanAllocation(productID, batches, quantity)
	if err != nil {
		return nil, err
	}

	for _, t := range takes {
		if err := tx.ApplyDelta(ctx, t.BatchID, -t.Quantity); err != nil {
			return nil, fmt.Errorf("take %d from batch %d: %w", t.Quantity, t.BatchID, err)
		}
	}
	return takes, nil
}

// Entry receives a new batch and records the ENTRY movement.
func (s *LedgerService) Entry(ctx context.Context, actor domain.Actor, req EntryRequest) (*domain.ProductBatch, error) {
	if !actor.Valid() {
		return nil, domain.ErrMissingActor
	}
	code := strings.TrimSpace(req.BatchCode)
	switch {
	case code == "":
		return nil, fmt.Errorf("%w: batch code is required", domain.ErrInvalidEntry)
	case req.Quantity <= 0:
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidEntry)
	case req.CostPerUnit.IsNegative():
		return nil, fmt.Errorf("%w: cost per unit must not be negative", domain.ErrInvalidEntry)
	}

	now := s.now()
	received := truncateDay(now.UTC())
	if req.ReceivedDate != nil {
		received = *req.ReceivedDate
	}
	batch := &domain.ProductBatch{
		ProductID:      req.ProductID,
		BatchCode:      code,
		Quantity:       req.Quantity,
		CostPerUnit:    req.CostPerUnit,
		ExpirationDate: req.ExpirationDate,
		ReceivedDate:   received,
	}

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		products, err := tx.FindProducts(ctx, []int64{req.ProductID})
		if err != nil {
			return err
		}
		if _, ok := products[req.ProductID]; !ok {
			return fmt.Errorf("%w: %d", domain.ErrProductNotFound, req.ProductID)
		}
		if err := tx.InsertBatch(ctx, batch); err != nil {
			return err
		}
		return tx.InsertMovements(ctx, []domain.InventoryMovement{{
			ProductBatchID: batch.ID,
			MovementType:   domain.MovementEntry,
			Quantity:       req.Quantity,
			UserID:         actor.UserID,
			Note:           req.Note,
			CreatedAt:      now,
		}})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("stock entry recorded",
		zap.Int64("product_id", batch.ProductID),
		zap.Int64("batch_id", batch.ID),
		zap.String("batch_code", batch.BatchCode),
		zap.Int64("quantity", batch.Quantity),
		zap.Int64("user_id", actor.UserID),
	)
	return batch, nil
}

// Adjust applies a signed correction to one batch and records the
// ADJUSTMENT movement.
func (s *LedgerService) Adjust(ctx context.Context, actor domain.Actor, req AdjustmentRequest) (*domain.ProductBatch, error) {
	if !actor.Valid() {
		return nil, domain.ErrMissingActor
	}
	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must not be zero", domain.ErrInvalidAdjustment)
	}

	now := s.now()
	var batch *domain.ProductBatch
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		b, err := tx.LockBatch(ctx, req.BatchID)
		if err != nil {
			return err
		}
		if b.Quantity+req.Delta < 0 {
			return fmt.Errorf("%w: batch %d has %d, delta %d", domain.ErrInvalidAdjustment, b.ID, b.Quantity, req.Delta)
		}
		if err := tx.ApplyDelta(ctx, b.ID, req.Delta); err != nil {
			return err
		}
		if err := tx.InsertMovements(ctx, []domain.InventoryMovement{{
			ProductBatchID: b.ID,
			MovementType:   domain.MovementAdjustment,
			Quantity:       req.Delta,
			UserID:         actor.UserID,
			Note:           req.Note,
			CreatedAt:      now,
		}}); err != nil {
			return err
		}
		b.Quantity += req.Delta
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("stock adjusted",
		zap.Int64("batch_id", batch.ID),
		zap.Int64("delta", req.Delta),
		zap.Int64("quantity", batch.Quantity),
		zap.Int64("user_id", actor.UserID),
	)
	return batch, nil
}

// WriteOffExpired zeroes every batch that expired before asOf and records one
// EXPIRATION movement per batch.
func (s *LedgerService) WriteOffExpired(ctx context.Context, actor domain.Actor, asOf time.Time) ([]domain.InventoryMovement, error) {
	if !actor.Valid() {
		return nil, domain.ErrMissingActor
	}

	now := s.now()
	var movements []domain.InventoryMovement
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		batches, err := tx.LockExpiredBatches(ctx, asOf)
		if err != nil {
			return err
		}
		movements = make([]domain.InventoryMovement, 0, len(batches))
		for _, b := range batches {
			if err := tx.ApplyDelta(ctx, b.ID, -b.Quantity); err != nil {
				return err
			}
			movements = append(movements, domain.InventoryMovement{
				ProductBatchID: b.ID,
				MovementType:   domain.MovementExpiration,
				Quantity:       -b.Quantity,
				UserID:         actor.UserID,
				Note:           fmt.Sprintf("expired %s", b.ExpirationDate.Format(time.DateOnly)),
				CreatedAt:      now,
			})
		}
		if len(movements) == 0 {
			return nil
		}
		return tx.InsertMovements(ctx, movements)
	})
	if err != nil {
		return nil, err
	}

	if len(movements) > 0 {
		s.logger.Info("expired stock written off",
			zap.Int("batches", len(movements)),
			zap.Time("as_of", asOf),
			zap.Int64("user_id", actor.UserID),
		)
	}
	return movements, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
