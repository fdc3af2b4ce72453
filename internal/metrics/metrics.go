// Package metrics exposes Prometheus collectors for wallet operations.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const namespace = "rentalwallet"

// Metrics owns a private registry so tests and multiple servers do not collide.
type Metrics struct {
	registry          *prometheus.Registry
	ledgerOperations  *prometheus.CounterVec
	escrowOperations  *prometheus.CounterVec
	webhookDeliveries *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec
	payouts           *prometheus.CounterVec
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ledgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by operation, entry type and status",
		}, []string{"operation", "entry_type", "status"}),
		escrowOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_operations_total",
			Help:      "Escrow lock, unlock and capture calls by outcome",
		}, []string{"operation", "outcome"}),
		webhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Payment webhook deliveries by outcome",
		}, []string{"outcome"}),
		retryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retry engine attempts by record kind and outcome",
		}, []string{"kind", "outcome"}),
		payouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_payouts_total",
			Help:      "Reward payout transitions by status",
		}, []string{"status"}),
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and outcome",
		}, []string{"job", "outcome"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// Registry exposes the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// LogOperation counts ledger operations; it satisfies ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.ledgerOperations.WithLabelValues(entry.Operation, entry.EntryType.String(), entry.Status).Inc()
}

func (metrics *Metrics) ObserveEscrow(operation string, outcome string) {
	metrics.escrowOperations.WithLabelValues(operation, outcome).Inc()
}

func (metrics *Metrics) ObserveWebhook(outcome string) {
	metrics.webhookDeliveries.WithLabelValues(outcome).Inc()
}

func (metrics *Metrics) ObserveRetry(kind string, outcome string) {
	metrics.retryAttempts.WithLabelValues(kind, outcome).Inc()
}

func (metrics *Metrics) ObservePayout(status string) {
	metrics.payouts.WithLabelValues(status).Inc()
}

// ObserveJob records one scheduled run.
func (metrics *Metrics) ObserveJob(job string, outcome string, duration time.Duration) {
	metrics.jobRuns.WithLabelValues(job, outcome).Inc()
	metrics.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}
