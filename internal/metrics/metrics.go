// Package metrics exposes Prometheus instrumentation for the claim service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the service's Prometheus collectors.
type Metrics struct {
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInFlight   prometheus.Gauge
	claimsTotal    *prometheus.CounterVec
	rollbacksTotal prometheus.Counter
	replaysTotal   prometheus.Counter
	lockContention prometheus.Counter
	reservations   prometheus.Gauge
	journalPending prometheus.Gauge
}

// New registers and returns the service metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claimd_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimd_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"method", "route"}),
		httpInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "claimd_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		claimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claimd_claims_total",
			Help: "Redemption outcomes by result code.",
		}, []string{"result"}),
		rollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "claimd_rollbacks_total",
			Help: "Counter rollbacks after failed transfers.",
		}),
		replaysTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "claimd_replays_rejected_total",
			Help: "Claims rejected because the transaction reference was already consumed.",
		}),
		lockContention: factory.NewCounter(prometheus.CounterOpts{
			Name: "claimd_lock_contention_total",
			Help: "Claims rejected because the wallet lease was held.",
		}),
		reservations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "claimd_active_reservations",
			Help: "Reservations currently pending.",
		}),
		journalPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "claimd_journal_pending_entries",
			Help: "Compensation journal entries awaiting retry.",
		}),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncrementInFlight marks a request entering the handler.
func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

// DecrementInFlight marks a request leaving the handler.
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordClaim records a redemption outcome (a ServiceError code, or "success").
func (m *Metrics) RecordClaim(result string) { m.claimsTotal.WithLabelValues(result).Inc() }

// RecordRollback records a counter rollback.
func (m *Metrics) RecordRollback() { m.rollbacksTotal.Inc() }

// RecordReplayRejected records a rejected replay attempt.
func (m *Metrics) RecordReplayRejected() { m.replaysTotal.Inc() }

// RecordLockContention records a lease collision.
func (m *Metrics) RecordLockContention() { m.lockContention.Inc() }

// SetActiveReservations updates the pending reservation gauge.
func (m *Metrics) SetActiveReservations(n int) { m.reservations.Set(float64(n)) }

// SetJournalPending updates the pending journal entry gauge.
func (m *Metrics) SetJournalPending(n int) { m.journalPending.Set(float64(n)) }
