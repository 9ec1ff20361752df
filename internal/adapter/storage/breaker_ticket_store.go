package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/port"
)

type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
	Interval            time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
		Interval:            time.Minute,
	}
}

// BreakerTicketStore guards a TicketStore with a circuit breaker. While the
// breaker is open, deliveries are reported as deferred so the relay backs off
// without spending retries on a store it knows is down.
type BreakerTicketStore struct {
	next    port.TicketStore
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerTicketStore(next port.TicketStore, cfg BreakerConfig, logger *zap.Logger) *BreakerTicketStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	settings := gobreaker.Settings{
		Name:        "ticket-store",
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BreakerTicketStore{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerTicketStore) UpsertTicket(ctx context.Context, ticket domain.Ticket) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.UpsertTicket(ctx, ticket)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("ticket store unavailable (%s): %w", err, domain.ErrDeliveryDeferred)
	}
	return err
}

func (b *BreakerTicketStore) State() string {
	return b.breaker.State().String()
}

// Check fails while the breaker is open.
func (b *BreakerTicketStore) Check(context.Context) error {
	if b.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("ticket store breaker is %s", b.State())
	}
	return nil
}
