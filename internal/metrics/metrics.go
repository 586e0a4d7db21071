package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teleconsult_signaling_active_subscriptions",
		Help: "Number of live subscriptions on the signaling store",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teleconsult_signaling_active_sessions",
		Help: "Number of connected signaling clients holding a lease",
	})
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teleconsult_active_calls",
		Help: "Number of rooms currently holding an offer",
	})
)

// Counters
var (
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleconsult_signaling_operations_total",
		Help: "Signaling store operations by kind",
	}, []string{"op"})
	LeasesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teleconsult_signaling_leases_expired_total",
		Help: "Client leases expired without renewal",
	})
	CallsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleconsult_calls_ended_total",
		Help: "Calls closed in the call history by outcome",
	}, []string{"outcome"})
	RecordingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teleconsult_call_recordings_total",
		Help: "Call recordings finalized",
	})
)

// Histograms
var (
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "teleconsult_call_duration_seconds",
		Help:    "Duration of answered calls",
		Buckets: []float64{30, 60, 300, 600, 1200, 1800, 3600},
	})
)
