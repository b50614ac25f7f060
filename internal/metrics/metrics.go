// Package metrics exposes the farm's Prometheus instrumentation, built
// with the promauto package-level-vars pattern.
//
// Only FlagsIngested and FlagsRejectedIngest are updated elsewhere in the
// module (by internal/api's ingest handler); the other collectors are
// registered but nothing updates them. No HTTP handler serves the registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlagsIngested counts flags accepted by POST /api/flags/<exploit>,
	// per exploit.
	FlagsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagfarm_flags_ingested_total",
			Help: "Flags accepted through the ingest endpoint",
		},
		[]string{"exploit"},
	)

	// FlagsRejectedIngest counts flags dropped during ingest filtering
	// (format mismatch, stale timestamp). Entries dropped for their shape
	// while the body is normalized are not counted.
	FlagsRejectedIngest = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagfarm_flags_rejected_ingest_total",
			Help: "Flags dropped during ingest normalization",
		},
		[]string{"reason"},
	)

	// SubmissionBatchSize tracks how many flags go out per submission
	// worker tick.
	SubmissionBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flagfarm_submission_batch_size",
			Help:    "Number of flags submitted per worker tick",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// SubmissionLatency tracks the round-trip time of a submission call.
	SubmissionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flagfarm_submission_latency_seconds",
			Help:    "Round-trip latency of a submission to the upstream game system",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SubmissionVerdicts counts verdicts recorded, by status.
	SubmissionVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagfarm_submission_verdicts_total",
			Help: "Verdicts recorded per flag status",
		},
		[]string{"status"},
	)

	// FlagsExpired counts flags swept from PENDING to EXPIRED.
	FlagsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagfarm_flags_expired_total",
			Help: "Flags marked EXPIRED by the sweep",
		},
	)

	// WaveDuration tracks client-side wave wall-clock time.
	WaveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flagfarm_wave_duration_seconds",
			Help:    "Wall-clock duration of one exploit wave",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TeamsSkipped counts teams skipped by the failure filter, per wave.
	TeamsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagfarm_teams_skipped_total",
			Help: "Teams skipped by the failure-counter probabilistic filter",
		},
	)

	// WorkerPoolSize tracks the wave scheduler's current worker count.
	WorkerPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagfarm_worker_pool_size",
			Help: "Current size of the wave scheduler's worker pool",
		},
	)

	// UploadBufferSize tracks the client's pending (unflushed) token count.
	UploadBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagfarm_upload_buffer_size",
			Help: "Tokens buffered on the client awaiting a successful upload",
		},
	)
)
