package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SagasStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sagas_started_total",
		Help: "Total number of order sagas started",
	})

	SagasCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sagas_completed_total",
		Help: "Total number of sagas that reached Completed",
	})

	SagasCompensatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sagas_compensated_total",
		Help: "Total number of sagas that went through compensation",
	}, []string{"failed_step"})

	SagasTimedOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sagas_timed_out_total",
		Help: "Total number of sagas failed by the timeout sweep",
	})

	SagaStepRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_retries_total",
		Help: "Total number of saga step retries",
	}, []string{"step"})

	SagaDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Wall time from saga start to terminal state",
		Buckets: prometheus.DefBuckets,
	})

	CompensationActionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compensation_actions_failed_total",
		Help: "Total number of compensating actions that failed (log-only)",
	}, []string{"action"})

	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_total",
		Help: "Total number of reservation attempts by outcome",
	}, []string{"outcome"})

	ReservationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_version_conflicts_total",
		Help: "Total number of optimistic-concurrency conflicts on inventory updates",
	})

	ReservationsReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_released_total",
		Help: "Total number of reservation lines released",
	}, []string{"reason"})

	ReservationCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_cache_lookups_total",
		Help: "Reservation cache lookups by result",
	}, []string{"result"})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	AdmitDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_admit_decisions_total",
		Help: "Idempotency guard decisions by outcome",
	}, []string{"outcome"})

	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_runs_total",
		Help: "Sweep executions by kind",
	}, []string{"kind"})

	SweepItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_items_total",
		Help: "Records cleaned up by sweeps, by kind",
	}, []string{"kind"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
