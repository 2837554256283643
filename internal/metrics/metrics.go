package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 调度器与claimer的运行指标
var (
	RunClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacechat_run_claims_total",
		Help: "Runs successfully claimed by workers",
	})

	// claim竞争是预期路径，计数但不计入错误
	RunClaimContentions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacechat_run_claim_contentions_total",
		Help: "Run claim attempts lost to another worker or an active run",
	})

	RunsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacechat_runs_skipped_total",
		Help: "Runs skipped by consistency guards before claim",
	})

	StaleRunsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacechat_stale_runs_reaped_total",
		Help: "Running runs force-failed after heartbeat expiry",
	})

	RoundsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacechat_rounds_started_total",
		Help: "Conversation rounds started",
	})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spacechat_scheduler_command_seconds",
		Help:    "Turn scheduler command latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})
)
