// Package controller implements the scheduling core: the leader-gated poll
// loop that discovers meetings, coordinates sessions, launches worker Jobs,
// tracks their lifecycle, and fans out artifacts after completion.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/advisewell/meeting-bot-controller/pkg/config"
	"github.com/advisewell/meeting-bot-controller/pkg/metrics"
	"github.com/advisewell/meeting-bot-controller/pkg/objectstore"
)

// Controller owns the poll loop. At most one replica cluster-wide is active
// at a time; the rest poll the lease and otherwise idle.
type Controller struct {
	cfg       config.Config
	docs      DocumentStore
	blobs     objectstore.BlobStore
	jobs      JobOrchestrator
	gcsBucket string

	mu        sync.RWMutex
	isLeader  bool
	lastCycle time.Time
	cycleTime time.Duration
}

// New wires a Controller from its collaborators.
func New(cfg config.Config, docs DocumentStore, blobs objectstore.BlobStore, jobs JobOrchestrator) *Controller {
	return &Controller{
		cfg:       cfg,
		docs:      docs,
		blobs:     blobs,
		jobs:      jobs,
		gcsBucket: cfg.GCSBucket,
	}
}

// Status is a point-in-time snapshot for the health endpoint.
type Status struct {
	IsLeader      bool          `json:"is_leader"`
	LastCycleAt   time.Time     `json:"last_cycle_at"`
	LastCycleTime time.Duration `json:"last_cycle_duration"`
}

// Status reports the controller's current scheduling state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		IsLeader:      c.isLeader,
		LastCycleAt:   c.lastCycle,
		LastCycleTime: c.cycleTime,
	}
}

// Run executes the poll loop until ctx is cancelled. The in-flight cycle
// always runs to completion; transactions are never interrupted mid-write.
func (c *Controller) Run(ctx context.Context) error {
	slog.Info("Controller starting",
		"controller_id", c.cfg.ControllerID,
		"poll_interval", c.cfg.PollInterval,
		"namespace", c.cfg.Namespace,
		"dry_run", c.cfg.DryRun)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if leader := c.tryLeadership(ctx); leader {
			// The in-flight cycle is never interrupted: a shutdown signal
			// takes effect at the next loop iteration, so no transaction is
			// cancelled mid-write.
			c.runCycle(context.WithoutCancel(ctx))
		}

		select {
		case <-ctx.Done():
			slog.Info("Controller shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// tryLeadership renews or acquires the scheduling lease. Any document-store
// failure drops leadership pessimistically.
func (c *Controller) tryLeadership(ctx context.Context) bool {
	if c.cfg.SkipLeaderElection {
		c.setLeader(true)
		return true
	}

	acquired, err := c.docs.TryAcquireLease(ctx, c.cfg.ControllerID, c.cfg.LeaderLease)
	if err != nil {
		slog.Error("Leader election failed, dropping leadership", "error", err)
		c.setLeader(false)
		return false
	}
	c.setLeader(acquired)
	return acquired
}

func (c *Controller) setLeader(leader bool) {
	c.mu.Lock()
	was := c.isLeader
	c.isLeader = leader
	c.mu.Unlock()

	if leader && !was {
		slog.Info("Acquired leadership", "controller_id", c.cfg.ControllerID)
		metrics.Leader.Set(1)
	} else if !leader && was {
		slog.Info("Lost leadership", "controller_id", c.cfg.ControllerID)
		metrics.Leader.Set(0)
	}
}

// runCycle executes one full scheduling pass. Every step isolates its own
// errors: a failure in one stage never prevents the next from running.
func (c *Controller) runCycle(ctx context.Context) {
	started := time.Now()
	metrics.PollCycles.Inc()

	c.scanUpcomingMeetings(ctx)
	c.validateActiveSessions(ctx)
	c.launchQueuedSessions(ctx)
	c.fanoutCompletedSessions(ctx)
	c.fanoutCompletedMeetings(ctx)

	elapsed := time.Since(started)
	c.mu.Lock()
	c.lastCycle = started
	c.cycleTime = elapsed
	c.mu.Unlock()
	metrics.CycleDuration.Observe(elapsed.Seconds())

	if elapsed > 2*c.cfg.PollInterval {
		slog.Warn("SLOW_CYCLE: poll cycle exceeded twice the poll interval",
			"elapsed", elapsed, "poll_interval", c.cfg.PollInterval)
	}
}
