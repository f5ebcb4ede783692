// Package observability turns ledger operation logs into zap entries and Prometheus metrics.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

const defaultNamespace = "gemledger"

// OperationRecorder implements ledger.OperationLogger.
type OperationRecorder struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	gems       *prometheus.CounterVec
	conflicts  prometheus.Counter
}

// NewOperationRecorder registers the ledger collectors on a private registry.
func NewOperationRecorder(logger *zap.Logger, namespace string) *OperationRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	recorder := &OperationRecorder{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	recorder.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name, status and error kind",
		},
		[]string{"operation", "status", "kind", "replayed"},
	)
	recorder.latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Time spent in a ledger operation including store round trips",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "status"},
	)
	recorder.gems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "gems_total",
			Help:      "Gems requested by successful operations",
		},
		[]string{"operation"},
	)
	recorder.conflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "concurrency_conflicts_total",
			Help:      "Operations rejected by an optimistic version check",
		},
	)
	recorder.registry.MustRegister(
		recorder.operations,
		recorder.latency,
		recorder.gems,
		recorder.conflicts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return recorder
}

// Registry exposes the collectors, mainly for tests.
func (recorder *OperationRecorder) Registry() *prometheus.Registry {
	return recorder.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (recorder *OperationRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{Registry: recorder.registry})
}

func (recorder *OperationRecorder) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	kind := ledger.KindOf(entry.Error)
	replayed := "false"
	if entry.Replayed {
		replayed = "true"
	}
	recorder.operations.WithLabelValues(entry.Operation, entry.Status, string(kind), replayed).Inc()
	recorder.latency.WithLabelValues(entry.Operation, entry.Status).Observe(entry.Duration.Seconds())
	if entry.Error == nil && !entry.Replayed && entry.Amount > 0 {
		recorder.gems.WithLabelValues(entry.Operation).Add(float64(entry.Amount))
	}
	if kind == ledger.ErrorKindConcurrencyConflict {
		recorder.conflicts.Inc()
	}

	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", int64(entry.Amount)),
		zap.String("status", entry.Status),
		zap.Bool("replayed", entry.Replayed),
		zap.Duration("duration", entry.Duration),
	}
	if !entry.HoldID.IsZero() {
		fields = append(fields, zap.String("hold_id", entry.HoldID.String()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error == nil {
		recorder.logger.Info("ledger operation", fields...)
		return
	}
	fields = append(fields, zap.String("error_kind", string(kind)), zap.Error(entry.Error))
	switch kind {
	case ledger.ErrorKindInsufficientFunds, ledger.ErrorKindConcurrencyConflict, ledger.ErrorKindNotFound, ledger.ErrorKindInvalidInput, ledger.ErrorKindIdempotencyKeyReused:
		recorder.logger.Warn("ledger operation rejected", fields...)
	default:
		recorder.logger.Error("ledger operation failed", fields...)
	}
}
