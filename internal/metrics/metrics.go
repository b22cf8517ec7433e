// Package metrics exposes pipeline counters on the Prometheus registry
// served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageRuns counts stage executions by stage name and outcome
	// (success, partial_failure, failure).
	StageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_runs_total",
		Help: "Pipeline stage executions by stage and outcome",
	}, []string{"stage", "outcome"})

	// SeriesSeparated counts series materialized from imported studies.
	SeriesSeparated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_series_separated_total",
		Help: "Series materialized from imported studies, by modality",
	}, []string{"modality"})

	// ClassificationOutcomes counts template matching results.
	ClassificationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_classification_outcomes_total",
		Help: "Template classification results by outcome",
	}, []string{"outcome"})

	// TransferRetries counts operator-triggered transfer restarts.
	TransferRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_transfer_retries_total",
		Help: "Transfer records reset for another attempt",
	})

	// ChecksumFailures counts artifact downloads rejected for integrity.
	ChecksumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_checksum_failures_total",
		Help: "Downloads discarded after checksum mismatch",
	})

	// RemotePolls counts status poll requests against the remote service.
	RemotePolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_remote_polls_total",
		Help: "Status polls issued to the remote service",
	})
)
