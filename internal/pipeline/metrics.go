package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stagesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aidchain_pipeline_stages_started_total",
			Help: "Pipeline stages entered",
		},
		[]string{"stage"},
	)

	stagesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aidchain_pipeline_stages_completed_total",
			Help: "Pipeline stages completed",
		},
		[]string{"stage"},
	)

	stagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aidchain_pipeline_stages_failed_total",
			Help: "Pipeline stages failed",
		},
		[]string{"stage"},
	)

	activePipelines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aidchain_pipeline_active",
			Help: "Pipelines currently in flight",
		},
	)

	consensusOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aidchain_consensus_outcomes_total",
			Help: "Consensus panel outcomes",
		},
		[]string{"outcome"},
	)

	deliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aidchain_delivery_outcomes_total",
			Help: "Delivery verification outcomes",
		},
		[]string{"outcome"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aidchain_pipeline_stage_duration_seconds",
			Help:    "Wall-clock duration of each pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)
)
