package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        int64           `db:"id"`
	SKU       string          `db:"sku"`
	Name      string          `db:"name"`
	BasePrice decimal.Decimal `db:"base_price"`
	Active    bool            `db:"active"`
}

// ProductBatch is one receipt of a product. Quantity never goes below zero.
type ProductBatch struct {
	ID             int64           `db:"id" json:"id"`
	ProductID      int64           `db:"product_id" json:"product_id"`
	BatchCode      string          `db:"batch_code" json:"batch_code"`
	Quantity       int64           `db:"quantity" json:"quantity"`
	CostPerUnit    decimal.Decimal `db:"cost_per_unit" json:"cost_per_unit"`
	ExpirationDate *time.Time      `db:"expiration_date" json:"expiration_date,omitempty"`
	ReceivedDate   time.Time       `db:"received_date" json:"received_date"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

func (b ProductBatch) ExpiredAt(t time.Time) bool {
	return b.ExpirationDate != nil && b.ExpirationDate.Before(t)
}

// BatchTake is the quantity an allocation took from a single batch.
type BatchTake struct {
	BatchID   int64  `json:"batch_id"`
	BatchCode string `json:"batch_code"`
	Quantity  int64  `json:"quantity"`
}
