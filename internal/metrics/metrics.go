// Package metrics owns the Prometheus collectors exported on /metrics.
package metrics

import (
	"errors"
	"net/http"

	"asset-ledger/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "asset_ledger"

// Cycle outcomes reported by the reconciler.
const (
	CycleCompleted = "completed"
	CycleSuspended = "suspended"
	CycleLeaseBusy = "lease_busy"
)

// Metrics groups every collector on a private registry so tests can build
// as many instances as they like.
type Metrics struct {
	Registry *prometheus.Registry

	EntriesAppended   *prometheus.CounterVec   // by tx_type
	Transitions       *prometheus.CounterVec   // by status
	ProjectedBalance  *prometheus.GaugeVec     // by asset_id
	IdempotentReplays *prometheus.CounterVec   // by source: cache, store, shared
	Corrections       *prometheus.CounterVec   // by asset_id
	ReconcileCycles   *prometheus.CounterVec   // by outcome
	ReconcileDuration prometheus.Histogram
	DaemonCalls       *prometheus.CounterVec   // by operation, result
	HTTPRequests      *prometheus.CounterVec   // by method, route, status
	HTTPDuration      *prometheus.HistogramVec // by method, route
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EntriesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_appended_total",
			Help:      "Ledger entries appended, by transaction type.",
		}, []string{"tx_type"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Ledger status transitions, by target status.",
		}, []string{"status"}),
		ProjectedBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "projected_balance",
			Help:      "Projected balance per asset after the last applied entry.",
		}, []string{"asset_id"}),
		IdempotentReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_replays_total",
			Help:      "Submissions answered from a previous call with the same key.",
		}, []string{"source"}),
		Corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_corrections_total",
			Help:      "Correcting entries written by reconciliation.",
		}, []string{"asset_id"}),
		ReconcileCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_cycles_total",
			Help:      "Reconciliation cycles, by outcome.",
		}, []string{"outcome"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_cycle_seconds",
			Help:      "Wall time of a reconciliation cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		DaemonCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daemon_calls_total",
			Help:      "Calls to the asset daemon, by operation and result.",
		}, []string{"operation", "result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EntriesAppended,
		m.Transitions,
		m.ProjectedBalance,
		m.IdempotentReplays,
		m.Corrections,
		m.ReconcileCycles,
		m.ReconcileDuration,
		m.DaemonCalls,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// DaemonResult labels the outcome of one daemon call.
func DaemonResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrDaemonUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}
