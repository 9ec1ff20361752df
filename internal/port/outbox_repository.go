package port

import (
	"context"
	"time"

	"github.com/rl1809/supermarket/internal/core/domain"
)

type OutboxRepository interface {
	// ListDue returns up to limit PENDING events whose next attempt time is
	// unset or not after now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error)

	// Claim moves a PENDING event to PROCESSING under token. It returns false
	// when another worker got there first.
	Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error)

	// Settle writes the outcome of a claimed event. The write only applies
	// while the event is still PROCESSING under claimToken, otherwise it
	// returns domain.ErrClaimLost.
	Settle(ctx context.Context, ev domain.OutboxEvent, claimToken string) error

	// ListStaleClaims returns PROCESSING events claimed before the cutoff.
	ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.OutboxEvent, error)

	Get(ctx context.Context, id int64) (*domain.OutboxEvent, error)
	CountByStatus(ctx context.Context) (map[domain.OutboxStatus]int64, error)
	OldestPending(ctx context.Context) (*time.Time, error)
	ListRecentFailed(ctx context.Context, limit int) ([]domain.OutboxEvent, error)

	// ListByStatus pages through events newest first. An empty status matches
	// every event. The second result is the total number of matches.
	ListByStatus(ctx context.Context, status domain.OutboxStatus, limit, offset int) ([]domain.OutboxEvent, int64, error)

	// Requeue moves a FAILED event back to PENDING with a fresh retry budget.
	Requeue(ctx context.Context, id int64) error

	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
