package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "querypilot_build_info",
			Help: "Build information of the QueryPilot service",
		},
		[]string{"version", "commit", "date"},
	)

	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_pipeline_runs_total",
			Help: "Pipeline runs by terminal outcome",
		},
		[]string{"outcome"},
	)

	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_llm_calls_total",
			Help: "Language model gateway calls by model and status",
		},
		[]string{"model", "status"},
	)

	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypilot_llm_call_duration_seconds",
			Help:    "Language model gateway call latency by model",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	ExecutionAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querypilot_execution_attempts_total",
			Help: "Query execution attempts, including repairs and retries",
		},
	)

	ApprovalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_approval_transitions_total",
			Help: "Approval request state transitions",
		},
		[]string{"to"},
	)
)
