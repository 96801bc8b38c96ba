package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_reconciler_runs_total",
			Help: "Total number of reconciliation runs by outcome",
		},
		[]string{"outcome"},
	)

	ReconcilePhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "price_reconciler_phase_duration_seconds",
			Help:    "Duration of reconciliation phases in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"phase"},
	)

	LeaseBusyTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "price_reconciler_lease_busy_total",
			Help: "Total number of lease acquisitions rejected because another holder was active",
		},
	)

	LeaseTakeoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "price_reconciler_lease_takeovers_total",
			Help: "Total number of expired leases taken over from a stale holder",
		},
	)

	ClaimBusyTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "price_reconciler_claim_busy_total",
			Help: "Total number of completion-work claims rejected as busy",
		},
	)

	LimiterQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "price_reconciler_limiter_queue_depth",
			Help: "Current number of waiters queued per origin",
		},
		[]string{"origin"},
	)

	LimiterSaturatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_reconciler_limiter_saturated_total",
			Help: "Total number of acquisitions rejected because the origin queue was full",
		},
		[]string{"origin"},
	)

	LimiterPenaltiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_reconciler_limiter_penalties_total",
			Help: "Total number of rate-limit penalties applied per origin",
		},
		[]string{"origin"},
	)

	TxRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "price_reconciler_tx_retries_total",
			Help: "Total number of serialization-conflict transaction retries",
		},
	)

	VendorFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_reconciler_vendor_fetches_total",
			Help: "Total number of vendor lookups by result",
		},
		[]string{"vendor", "result"},
	)

	ClassifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_reconciler_classify_total",
			Help: "Total number of classification calls by result",
		},
		[]string{"result"},
	)

	QueueDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "price_reconciler_queue_dropped_total",
			Help: "Total number of completion messages dropped after exhausting redelivery",
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m.enabled
}

func (m *Metrics) RecordRun(outcome string, total time.Duration) {
	if !m.isEnabled() {
		return
	}
	ReconcileRunsTotal.WithLabelValues(outcome).Inc()
	ReconcilePhaseDuration.WithLabelValues("total").Observe(total.Seconds())
}

func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	ReconcilePhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func (m *Metrics) RecordLeaseBusy() {
	if !m.isEnabled() {
		return
	}
	LeaseBusyTotal.Inc()
}

func (m *Metrics) RecordLeaseTakeover() {
	if !m.isEnabled() {
		return
	}
	LeaseTakeoversTotal.Inc()
}

func (m *Metrics) RecordClaimBusy() {
	if !m.isEnabled() {
		return
	}
	ClaimBusyTotal.Inc()
}

func (m *Metrics) UpdateLimiterQueueDepth(origin string, depth int) {
	if !m.isEnabled() {
		return
	}
	LimiterQueueDepth.WithLabelValues(origin).Set(float64(depth))
}

func (m *Metrics) RecordLimiterSaturated(origin string) {
	if !m.isEnabled() {
		return
	}
	LimiterSaturatedTotal.WithLabelValues(origin).Inc()
}

func (m *Metrics) RecordLimiterPenalty(origin string) {
	if !m.isEnabled() {
		return
	}
	LimiterPenaltiesTotal.WithLabelValues(origin).Inc()
}

func (m *Metrics) RecordTxRetry() {
	if !m.isEnabled() {
		return
	}
	TxRetriesTotal.Inc()
}

func (m *Metrics) RecordVendorFetch(vendor, result string) {
	if !m.isEnabled() {
		return
	}
	VendorFetchesTotal.WithLabelValues(vendor, result).Inc()
}

func (m *Metrics) RecordClassify(result string) {
	if !m.isEnabled() {
		return
	}
	ClassifyTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordQueueDrop() {
	if !m.isEnabled() {
		return
	}
	QueueDroppedTotal.Inc()
}
