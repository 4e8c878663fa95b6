// Package observability exposes Prometheus collectors shared across the
// insurance service components.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	insuranceMetricsOnce sync.Once
	insuranceRegistry    *InsuranceMetrics
)

// InsuranceMetrics wraps collectors tracking verification, settlement, and
// reserve health.
type InsuranceMetrics struct {
	settlementLatency *prometheus.HistogramVec
	settlementErrors  *prometheus.CounterVec
	settlementRetries prometheus.Counter
	verifyRejects     *prometheus.CounterVec
	reserveRatio      prometheus.Gauge
	activePolicies    prometheus.Gauge
}

// Insurance exposes the lazily initialised metrics registry.
func Insurance() *InsuranceMetrics {
	insuranceMetricsOnce.Do(func() {
		insuranceRegistry = &InsuranceMetrics{
			settlementLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "x402",
				Subsystem: "settlement",
				Name:      "transfer_latency_seconds",
				Help:      "Latency distribution for settled refund transfers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			settlementErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "x402",
				Subsystem: "settlement",
				Name:      "errors_total",
				Help:      "Count of settlement failures segmented by reason.",
			}, []string{"reason"}),
			settlementRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "x402",
				Subsystem: "settlement",
				Name:      "retries_total",
				Help:      "Count of transient settlement failures that triggered a retry.",
			}),
			verifyRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "x402",
				Subsystem: "payment",
				Name:      "rejects_total",
				Help:      "Count of rejected payment claims segmented by reason.",
			}, []string{"reason"}),
			reserveRatio: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "x402",
				Subsystem: "reserve",
				Name:      "ratio",
				Help:      "Current reserves divided by active policy liability.",
			}),
			activePolicies: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "x402",
				Subsystem: "reserve",
				Name:      "active_policies",
				Help:      "Number of policies currently in the active state.",
			}),
		}
		prometheus.MustRegister(
			insuranceRegistry.settlementLatency,
			insuranceRegistry.settlementErrors,
			insuranceRegistry.settlementRetries,
			insuranceRegistry.verifyRejects,
			insuranceRegistry.reserveRatio,
			insuranceRegistry.activePolicies,
		)
	})
	return insuranceRegistry
}

// ObserveSettlement records the latency of a settlement attempt by outcome.
func (m *InsuranceMetrics) ObserveSettlement(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.settlementLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordSettlementError increments the failure counter for the given reason.
func (m *InsuranceMetrics) RecordSettlementError(reason string) {
	if m == nil {
		return
	}
	m.settlementErrors.WithLabelValues(reason).Inc()
}

// RecordSettlementRetry counts a transient failure that will be retried.
func (m *InsuranceMetrics) RecordSettlementRetry() {
	if m == nil {
		return
	}
	m.settlementRetries.Inc()
}

// RecordVerifyReject increments the claim rejection counter for a reason.
func (m *InsuranceMetrics) RecordVerifyReject(reason string) {
	if m == nil {
		return
	}
	m.verifyRejects.WithLabelValues(reason).Inc()
}

// SetReserveRatio publishes the latest reserve ratio.
func (m *InsuranceMetrics) SetReserveRatio(ratio float64) {
	if m == nil {
		return
	}
	m.reserveRatio.Set(ratio)
}

// SetActivePolicies publishes the current active policy count.
func (m *InsuranceMetrics) SetActivePolicies(n float64) {
	if m == nil {
		return
	}
	m.activePolicies.Set(n)
}
