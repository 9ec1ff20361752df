package port

import (
	"time"

	"github.com/rl1809/supermarket/internal/core/domain"
)

type CheckoutMetrics interface {
	ObserveCheckout(outcome string, elapsed time.Duration)
}

type RelayMetrics interface {
	ObserveDelivery(outcome string, elapsed time.Duration)
	SetBacklog(counts map[domain.OutboxStatus]int64)
}

type NoopMetrics struct{}

func (NoopMetrics) ObserveCheckout(string, time.Duration) {}

func (NoopMetrics) ObserveDelivery(string, time.Duration) {}

func (NoopMetrics) SetBacklog(map[domain.OutboxStatus]int64) {}
