package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Accounting adapter metrics
	SacctCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slurmboard",
		Name:      "sacct_calls_total",
		Help:      "Total sacct subprocess attempts",
	}, []string{"cluster"})

	SacctFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slurmboard",
		Name:      "sacct_failures_total",
		Help:      "sacct invocations that exhausted all attempts",
	}, []string{"cluster"})

	SacctRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slurmboard",
		Name:      "sacct_rows_total",
		Help:      "Raw accounting rows returned by successful sacct calls",
	}, []string{"cluster"})

	SacctCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "slurmboard",
		Name:      "sacct_call_duration_seconds",
		Help:      "Wall time of individual sacct attempts",
		Buckets:   prometheus.DefBuckets,
	}, []string{"cluster"})

	RateWaitSecondsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slurmboard",
		Name:      "rate_wait_seconds_total",
		Help:      "Seconds spent waiting on the per-cluster token bucket",
	}, []string{"cluster"})

	// Tick metrics
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slurmboard",
		Name:      "ticks_total",
		Help:      "Completed poll ticks by outcome",
	}, []string{"cluster", "status"})

	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "slurmboard",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of poll ticks",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"cluster"})

	RecordsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slurmboard",
		Name:      "records_processed_total",
		Help:      "Normalized records accepted by the reducer",
	}, []string{"cluster"})

	JobsNewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slurmboard",
		Name:      "jobs_new_total",
		Help:      "Jobs aggregated for the first time",
	}, []string{"cluster"})

	// Discovery metrics
	DiscoveryNewUsersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slurmboard",
		Name:      "discovery_new_users_total",
		Help:      "New users found and backfilled by discovery",
	}, []string{"cluster"})

	// Leaderboard metrics
	LeaderboardBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "slurmboard",
		Name:      "leaderboard_build_duration_seconds",
		Help:      "Wall time of full leaderboard rebuilds",
		Buckets:   prometheus.DefBuckets,
	})
)
