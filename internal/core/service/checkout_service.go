package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/port"
)

const idempotencyKeyPrefix = "checkout:"

type CheckoutRequest struct {
	// RequestID is optional. When set, a second checkout with the same id is
	// rejected with domain.ErrDuplicateRequest.
	RequestID      string
	Items          []domain.CartItem
	PaymentMethod  string
	PaymentDetails *domain.PaymentDetails
	TaxRate        *decimal.Decimal
}

type CheckoutService struct {
	repo           port.LedgerRepository
	ledger         *LedgerService
	cache          port.CacheRepository
	metrics        port.CheckoutMetrics
	logger         *zap.Logger
	defaultTaxRate decimal.Decimal
	now            func() time.Time
}

// NewCheckoutService wires the coordinator. cache may be nil, in which case
// request ids are not deduplicated.
func NewCheckoutService(
	repo port.LedgerRepository,
	ledger *LedgerService,
	cache port.CacheRepository,
	metrics port.CheckoutMetrics,
	defaultTaxRate decimal.Decimal,
	logger *zap.Logger,
) *CheckoutService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = port.NoopMetrics{}
	}
	return &CheckoutService{
		repo:           repo,
		ledger:         ledger,
		cache:          cache,
		metrics:        metrics,
		logger:         logger,
		defaultTaxRate: defaultTaxRate,
		now:            time.Now,
	}
}

// Checkout commits a sale: every line is allocated from the ledger, SALE
// movements and exactly one sale_created outbox event are written, all in a
// single transaction. Either the whole cart commits or nothing does.
func (s *CheckoutService) Checkout(ctx context.Context, actor domain.Actor, req CheckoutRequest) (*domain.Sale, error) {
	start := s.now()
	sale, err := s.checkout(ctx, actor, req)
	s.metrics.ObserveCheckout(checkoutOutcome(err), s.now().Sub(start))
	return sale, err
}

func (s *CheckoutService) checkout(ctx context.Context, actor domain.Actor, req CheckoutRequest) (_ *domain.Sale, err error) {
	if !actor.Valid() {
		return nil, domain.ErrMissingActor
	}
	method, taxRate, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	if req.RequestID != "" && s.cache != nil {
		key := idempotencyKeyPrefix + req.RequestID
		ok, cacheErr := s.cache.SetIdempotency(ctx, key)
		if cacheErr != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", cacheErr)
		}
		if !ok {
			return nil, domain.ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), key); relErr != nil {
				s.logger.Warn("failed to release idempotency key",
					zap.String("request_id", req.RequestID),
					zap.Error(relErr),
				)
			}
		}()
	}

	now := s.now()
	saleID := domain.NewSaleID(now)
	var sale domain.Sale

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		productIDs := cartProductIDs(req.Items)
		products, err := tx.FindProducts(ctx, productIDs)
		if err != nil {
			return fmt.Errorf("load products: %w", err)
		}
		for _, id := range productIDs {
			if _, ok := products[id]; !ok {
				return fmt.Errorf("%w: %d", domain.ErrProductNotFound, id)
			}
		}

		// Lock every batch the cart may touch up front, in one id-ordered
		// pass, so concurrent checkouts never wait on each other in a cycle.
		if _, err := tx.LockBatches(ctx, productIDs); err != nil {
			return fmt.Errorf("lock cart batches: %w", err)
		}

		lines := make([]domain.SaleLine, 0, len(req.Items))
		for _, item := range req.Items {
			takes, err := s.ledger.Allocate(ctx, tx, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			if taken := domain.TotalTaken(takes); taken != item.Quantity {
				return domain.InvariantViolation("product %d: allocated %d of %d", item.ProductID, taken, item.Quantity)
			}

			product := products[item.ProductID]
			price := product.BasePrice
			if item.UnitPrice != nil {
				price = *item.UnitPrice
			}
			lines = append(lines, domain.NewSaleLine(product, item.Quantity, price, takes))
		}

		sale = domain.NewSale(saleID, actor, lines, taxRate, method, req.PaymentDetails, now)
		fillChange(&sale)

		if err := tx.InsertMovements(ctx, domain.SaleMovements(sale.ID, sale.Takes(), actor.UserID, now)); err != nil {
			return fmt.Errorf("insert sale movements: %w", err)
		}
		ev, err := domain.NewSaleCreatedEvent(sale, now)
		if err != nil {
			return err
		}
		if err := tx.InsertOutboxEvent(ctx, &ev); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logFailure(saleID, actor, err)
		return nil, err
	}

	s.logger.Info("sale committed",
		zap.String("sale_id", sale.ID),
		zap.Int64("cashier_id", actor.UserID),
		zap.Int("lines", len(sale.Lines)),
		zap.Int64("units", sale.TotalQuantity()),
		zap.String("grand_total", sale.GrandTotal.StringFixed(2)),
	)
	return &sale, nil
}

func (s *CheckoutService) validate(req CheckoutRequest) (domain.PaymentMethod, decimal.Decimal, error) {
	if len(req.Items) == 0 {
		return "", decimal.Zero, fmt.Errorf("%w: cart is empty", domain.ErrInvalidCart)
	}
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return "", decimal.Zero, fmt.Errorf("%w: line %d quantity must be positive", domain.ErrInvalidCart, i+1)
		}
		if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
			return "", decimal.Zero, fmt.Errorf("%w: line %d unit price must not be negative", domain.ErrInvalidCart, i+1)
		}
	}

	method, err := domain.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		return "", decimal.Zero, err
	}

	rate := s.defaultTaxRate
	if req.TaxRate != nil {
		rate = *req.TaxRate
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return "", decimal.Zero, fmt.Errorf("%w: tax rate %s out of range", domain.ErrInvalidCart, rate)
	}
	return method, rate, nil
}

func (s *CheckoutService) logFailure(saleID string, actor domain.Actor, err error) {
	fields := []zap.Field{
		zap.String("sale_id", saleID),
		zap.Int64("cashier_id", actor.UserID),
		zap.Error(err),
	}
	if errors.Is(err, domain.ErrLedgerInvariant) {
		s.logger.Error("ledger invariant violated, sale aborted", fields...)
		return
	}
	s.logger.Debug("checkout rejected", fields...)
}

func cartProductIDs(items []domain.CartItem) []int64 {
	seen := make(map[int64]struct{}, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// fillChange derives the change due when only the amount paid was given.
func fillChange(sale *domain.Sale) {
	d := sale.PaymentDetails
	if d == nil || d.AmountPaid == nil || d.Change != nil {
		return
	}
	change := d.AmountPaid.Sub(sale.GrandTotal)
	if change.IsNegative() {
		return
	}
	details := *d
	details.Change = &change
	sale.PaymentDetails = &details
}

func checkoutOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, domain.ErrLedgerInvariant):
		return "invariant_violation"
	case errors.Is(err, domain.ErrInvalidCart),
		errors.Is(err, domain.ErrInvalidPaymentMethod),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrMissingActor):
		return "rejected"
	}
	return "error"
}
