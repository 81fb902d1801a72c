package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricExecutionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requery_executions_total",
			Help: "Total number of query executions",
		},
		[]string{"status"},
	)

	metricExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requery_execution_duration_seconds",
			Help:    "Duration of query executions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	metricRefreshTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "requery_refresh_timers",
			Help: "Number of active refresh timers",
		},
	)
)
