// Package metrics exports checkout and outbox relay metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rl1809/supermarket/internal/core/domain"
)

const namespace = "supermarket"

// Prometheus implements port.CheckoutMetrics and port.RelayMetrics on a
// private registry.
type Prometheus struct {
	registry *prometheus.Registry

	checkoutsTotal   *prometheus.CounterVec
	checkoutDuration *prometheus.HistogramVec
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	outboxBacklog    *prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.checkoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkout",
		Name:      "total",
		Help:      "Checkouts by outcome.",
	}, []string{"outcome"})

	p.checkoutDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "checkout",
		Name:      "duration_seconds",
		Help:      "Checkout latency including the ledger transaction.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	p.deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "deliveries_total",
		Help:      "Outbox delivery attempts by outcome.",
	}, []string{"outcome"})

	p.deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent pushing one event to the ticket store.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	p.outboxBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "events",
		Help:      "Outbox events by status.",
	}, []string{"status"})

	p.registry.MustRegister(
		p.checkoutsTotal,
		p.checkoutDuration,
		p.deliveriesTotal,
		p.deliveryDuration,
		p.outboxBacklog,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) ObserveCheckout(outcome string, elapsed time.Duration) {
	p.checkoutsTotal.WithLabelValues(outcome).Inc()
	p.checkoutDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (p *Prometheus) ObserveDelivery(outcome string, elapsed time.Duration) {
	p.deliveriesTotal.WithLabelValues(outcome).Inc()
	p.deliveryDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (p *Prometheus) SetBacklog(counts map[domain.OutboxStatus]int64) {
	for status, n := range counts {
		p.outboxBacklog.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}
