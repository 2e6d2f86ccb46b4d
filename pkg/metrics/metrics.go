// Package metrics registers the controller's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Leader is 1 while this replica holds the scheduling lease.
	Leader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_bot_controller_leader",
		Help: "Whether this replica currently holds the leader lease.",
	})

	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_poll_cycles_total",
		Help: "Completed scheduling poll cycles.",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meeting_bot_controller_cycle_duration_seconds",
		Help:    "Wall time of a full scheduling cycle.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_sessions_created_total",
		Help: "Meeting sessions created by discovery.",
	})

	SessionsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_sessions_requeued_total",
		Help: "Terminal sessions revived for a recurring occurrence.",
	})

	SessionsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_sessions_claimed_total",
		Help: "Successful session claims.",
	})

	JobsLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_jobs_launched_total",
		Help: "Worker Jobs created.",
	})

	JobLaunchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_job_launch_failures_total",
		Help: "Worker Job creations rejected by the orchestrator.",
	})

	OrphanedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_orphaned_sessions_total",
		Help: "Active sessions observed without a matching worker Job.",
	})

	FanoutsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_fanouts_completed_total",
		Help: "Fanout passes that reached a terminal status.",
	})

	FanoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_fanout_failures_total",
		Help: "Fanout passes that failed before a terminal status.",
	})

	ArtifactCopies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_artifact_copies_total",
		Help: "Object-store artifact copies performed during fanout.",
	})

	IngestMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_bot_controller_ingest_messages_total",
		Help: "Ad-hoc bot-request messages received from Pub/Sub.",
	})
)
