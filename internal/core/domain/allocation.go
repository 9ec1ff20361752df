package domain

import (
	"slices"
	"sort"
)

// SortForAllocation orders batches in the sequence allocation consumes them:
// earliest expiration first with undated batches last, then earliest
// received, then lowest id.
func SortForAllocation(batches []ProductBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		return allocationLess(batches[i], batches[j])
	})
}

func allocationLess(a, b ProductBatch) bool {
	switch {
	case a.ExpirationDate != nil && b.ExpirationDate != nil:
		if !a.ExpirationDate.Equal(*b.ExpirationDate) {
			return a.ExpirationDate.Before(*b.ExpirationDate)
		}
	case a.ExpirationDate != nil:
		return true
	case b.ExpirationDate != nil:
		return false
	}
	if !a.ReceivedDate.Equal(b.ReceivedDate) {
		return a.ReceivedDate.Before(b.ReceivedDate)
	}
	return a.ID < b.ID
}

// SortForLocking orders batches by ascending id, the only order in which
// batch rows may be locked.
func SortForLocking(batches []ProductBatch) {
	slices.SortFunc(batches, func(a, b ProductBatch) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// PlanAllocation greedily takes quantity units from batches of productID in
// allocation order. Batches of other products or with no stock are ignored.
// The plan is all or nothing: if the eligible total is short it returns an
// *InsufficientStockError and no takes.
func PlanAllocation(productID int64, batches []ProductBatch, quantity int64) ([]BatchTake, error) {
	if quantity <= 0 {
		return nil, ErrInvalidCart
	}

	eligible := make([]ProductBatch, 0, len(batches))
	var available int64
	for _, b := range batches {
		if b.ProductID != productID || b.Quantity <= 0 {
			continue
		}
		eligible = append(eligible, b)
		available += b.Quantity
	}
	if available < quantity {
		return nil, &InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: available,
		}
	}

	SortForAllocation(eligible)

	takes := make([]BatchTake, 0, len(eligible))
	remaining := quantity
	for _, b := range eligible {
		if remaining == 0 {
			break
		}
		n := min(b.Quantity, remaining)
		takes = append(takes, BatchTake{BatchID: b.ID, BatchCode: b.BatchCode, Quantity: n})
		remaining -= n
	}
	return takes, nil
}

// TotalTaken sums the quantities of takes.
func TotalTaken(takes []BatchTake) int64 {
	var total int64
	for _, t := range takes {
		total += t.Quantity
	}
	return total
}
