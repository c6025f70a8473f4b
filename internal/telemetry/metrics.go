package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lyricqueue_jobs_enqueued_total",
		Help: "Enqueue requests by job type and outcome (created, existing, requeued)",
	}, []string{"type", "outcome"})
	JobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lyricqueue_jobs_claimed_total",
		Help: "Jobs claimed by a worker",
	}, []string{"type"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lyricqueue_jobs_completed_total",
		Help: "Jobs finalized as completed",
	}, []string{"type"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lyricqueue_jobs_retried_total",
		Help: "Handler failures scheduled for retry",
	}, []string{"type"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lyricqueue_jobs_failed_total",
		Help: "Jobs that exhausted their retry budget",
	}, []string{"type"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lyricqueue_job_duration_seconds",
		Help:    "Handler wall time",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
	}, []string{"type"})
	LeaseLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lyricqueue_lease_lost_total",
		Help: "Executions discarded because the lease was lost before finalize",
	})
	HeartbeatErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lyricqueue_heartbeat_errors_total",
		Help: "Heartbeat renewals that failed with a store error",
	})
	JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lyricqueue_jobs_reclaimed_total",
		Help: "Stale processing jobs returned to pending",
	})
	JobsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lyricqueue_jobs",
		Help: "Current job count per status",
	}, []string{"status"})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lyricqueue_jobs_inflight",
		Help: "Jobs currently executing in this process",
	})
	CacheFilesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lyricqueue_cache_files_expired_total",
		Help: "Cached audio files removed by the expiry sweep",
	})
	LegacyBackfill = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lyricqueue_legacy_backfill_total",
		Help: "Legacy lyric rows handled by backfill, by action (marked, enqueued, skipped)",
	}, []string{"action"})
	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lyricqueue_events_published_total",
		Help: "Events handed to the pub/sub sink",
	})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lyricqueue_events_dropped_total",
		Help: "Events not delivered, by reason (publish_error, slow_subscriber)",
	}, []string{"reason"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lyricqueue_rate_limit_rejects_total",
		Help: "Requests rejected by the rate limiter",
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobDuration,
			LeaseLost,
			HeartbeatErrors,
			JobsReclaimed,
			JobsByStatus,
			InFlight,
			CacheFilesExpired,
			LegacyBackfill,
			EventsPublished,
			EventsDropped,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}

// SetStatusCounts refreshes the per-status gauge from a store snapshot.
func SetStatusCounts(counts map[string]int, statuses []string) {
	for _, s := range statuses {
		JobsByStatus.WithLabelValues(s).Set(float64(counts[s]))
	}
}
