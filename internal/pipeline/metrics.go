package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Per-record pass outcomes
	passRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapledger_pass_records_total",
			Help: "Total number of records processed by pipeline passes",
		},
		[]string{"pass", "outcome"}, // outcome: updated, failed, skipped
	)

	passDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapledger_pass_duration_seconds",
			Help:    "Pipeline pass duration in seconds",
			Buckets: []float64{.01, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"pass"},
	)

	// OCR and fingerprint collaborator calls
	collaboratorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapledger_collaborator_duration_seconds",
			Help:    "Vision collaborator call duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 25},
		},
		[]string{"request", "status"},
	)
)
