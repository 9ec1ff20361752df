package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentOther    PaymentMethod = "other"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentOther:
		return true
	}
	return false
}

// ParsePaymentMethod accepts the closed set of payment methods; an empty
// value means cash.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	if raw == "" {
		return PaymentCash, nil
	}
	m := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	if !m.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, raw)
	}
	return m, nil
}

type SaleStatus string

const SaleStatusCompleted SaleStatus = "completed"

// CartItem is one requested checkout line. A nil UnitPrice means the
// product's base price.
type CartItem struct {
	ProductID int64
	Quantity  int64
	UnitPrice *decimal.Decimal
}

type PaymentDetails struct {
	AmountPaid *decimal.Decimal `json:"amount_paid,omitempty"`
	Change     *decimal.Decimal `json:"change,omitempty"`
}

type SaleLine struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Batches     []BatchTake     `json:"batches"`
}

func NewSaleLine(p Product, quantity int64, unitPrice decimal.Decimal, takes []BatchTake) SaleLine {
	return SaleLine{
		ProductID:   p.ID,
		ProductName: p.Name,
		SKU:         p.SKU,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Subtotal:    unitPrice.Mul(decimal.NewFromInt(quantity)),
		Batches:     takes,
	}
}

// Sale is built once per checkout and never mutated afterwards. Its JSON form
// is the outbox payload.
type Sale struct {
	ID             string          `json:"sale_id"`
	CashierID      int64           `json:"cashier_id"`
	CashierName    string          `json:"cashier_name"`
	Lines          []SaleLine      `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	Tax            decimal.Decimal `json:"tax"`
	GrandTotal     decimal.Decimal `json:"grand_total"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	PaymentDetails *PaymentDetails `json:"payment_details,omitempty"`
	Status         SaleStatus      `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewSale computes subtotal, tax and grand total from the lines. Tax and
// totals are rounded to cents.
func NewSale(id string, cashier Actor, lines []SaleLine, taxRate decimal.Decimal,
	method PaymentMethod, details *PaymentDetails, at time.Time) Sale {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Subtotal)
	}
	subtotal = subtotal.Round(2)
	tax := subtotal.Mul(taxRate).Round(2)

	return Sale{
		ID:             id,
		CashierID:      cashier.UserID,
		CashierName:    cashier.Username,
		Lines:          lines,
		Subtotal:       subtotal,
		TaxRate:        taxRate,
		Tax:            tax,
		GrandTotal:     subtotal.Add(tax),
		PaymentMethod:  method,
		PaymentDetails: details,
		Status:         SaleStatusCompleted,
		Timestamp:      at.UTC(),
	}
}

// Takes flattens the batch breakdown of every line.
func (s Sale) Takes() []BatchTake {
	var out []BatchTake
	for _, l := range s.Lines {
		out = append(out, l.Batches...)
	}
	return out
}

func (s Sale) TotalQuantity() int64 {
	var n int64
	for _, l := range s.Lines {
		n += l.Quantity
	}
	return n
}

// NewSaleID returns an id of the form SALE-20251201-134501-1A2B3C4D5E6F.
func NewSaleID(at time.Time) string {
	u := uuid.New()
	hex := strings.ReplaceAll(u.String(), "-", "")
	return fmt.Sprintf("SALE-%s-%s", at.UTC().Format("20060102-150405"), strings.ToUpper(hex[:12]))
}

// Ticket is the read-side record replicated to the secondary store.
type Ticket struct {
	Sale
	OutboxEventID int64
}

// TicketFromEvent decodes a sale_created payload.
func TicketFromEvent(ev OutboxEvent) (Ticket, error) {
	if ev.EventType != EventSaleCreated {
		return Ticket{}, fmt.Errorf("unsupported event type %q", ev.EventType)
	}
	var sale Sale
	if err := json.Unmarshal(ev.Payload, &sale); err != nil {
		return Ticket{}, fmt.Errorf("decode sale payload: %w", err)
	}
	if sale.ID != ev.AggregateID {
		return Ticket{}, fmt.Errorf("payload sale id %q does not match aggregate %q", sale.ID, ev.AggregateID)
	}
	return Ticket{Sale: sale, OutboxEventID: ev.ID}, nil
}
