package port

import (
	"context"

	"github.com/rl1809/supermarket/internal/core/domain"
)

// TicketStore is the read-optimized replica of committed sales.
type TicketStore interface {
	// UpsertTicket writes the ticket keyed by sale id. Repeating the call with
	// the same ticket leaves the store unchanged.
	UpsertTicket(ctx context.Context, ticket domain.Ticket) error
}
