package domain

import "time"

type MovementType string

const (
	MovementEntry      MovementType = "ENTRY"
	MovementSale       MovementType = "SALE"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementExpiration MovementType = "EXPIRATION"
)

func (t MovementType) IsValid() bool {
	switch t {
	case MovementEntry, MovementSale, MovementAdjustment, MovementExpiration:
		return true
	}
	return false
}

// InventoryMovement is the immutable audit record of a batch quantity change.
type InventoryMovement struct {
	ID             int64        `db:"id" json:"id"`
	ProductBatchID int64        `db:"product_batch_id" json:"product_batch_id"`
	MovementType   MovementType `db:"movement_type" json:"movement_type"`
	Quantity       int64        `db:"quantity" json:"quantity"`
	UserID         int64        `db:"user_id" json:"user_id"`
	ReferenceID    *string      `db:"reference_id" json:"reference_id,omitempty"`
	Note           string       `db:"note" json:"note"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// SaleMovements builds one SALE movement per batch take, each a negative delta
// referencing the sale.
func SaleMovements(saleID string, takes []BatchTake, userID int64, at time.Time) []InventoryMovement {
	ref := saleID
	out := make([]InventoryMovement, 0, len(takes))
	for _, t := range takes {
		out = append(out, InventoryMovement{
			ProductBatchID: t.BatchID,
			MovementType:   MovementSale,
			Quantity:       -t.Quantity,
			UserID:         userID,
			ReferenceID:    &ref,
			Note:           "sale " + saleID,
			CreatedAt:      at,
		})
	}
	return out
}
