package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: полное время оценки, включая снапшот ledger'а
	EvaluateDuration *prometheus.HistogramVec

	// Traffic: решения по источнику и исходу
	DecisionsTotal *prometheus.CounterVec

	// Errors: fail-safe решения по причине (timeout, panic, snapshot error)
	FailSafeTotal *prometheus.CounterVec

	// Конфликты CAS при резервации (повторные оценки)
	ReservationConflicts prometheus.Counter

	// Saturation: активные резервы
	ActiveReservations prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EvaluateDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gate_evaluate_duration_seconds",
			Help:    "Histogram of gate evaluation latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"source", "decision"}),

		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Total number of gate decisions.",
		}, []string{"source", "decision"}),

		FailSafeTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gate_fail_safe_total",
			Help: "Total number of fail-safe decisions by failure type.",
		}, []string{"source", "failure"}), // типы: timeout, panic, snapshot_error

		ReservationConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gate_reservation_conflicts_total",
			Help: "Total number of budget reservation CAS conflicts.",
		}),

		ActiveReservations: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gate_active_reservations",
			Help: "Current number of active budget reservations.",
		}),
	}
}
