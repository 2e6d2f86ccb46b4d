package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/advisewell/meeting-bot-controller/pkg/metrics"
)

// activeSessionScanLimit bounds the per-cycle lifecycle validation.
const activeSessionScanLimit = 50

// orphanGrace is how long a claimed session may lack a Job before it is
// reported as orphaned. Job creation and the orchestrator's list view are
// eventually consistent, so a freshly claimed session gets a short pass.
const orphanGrace = 2 * time.Minute

// validateActiveSessions verifies that every claimed or processing session
// still has a matching non-terminal worker Job. Orphans are reported, never
// mutated: remediation is operator tooling's call.
func (c *Controller) validateActiveSessions(ctx context.Context) {
	sessions, err := c.docs.ActiveSessions(ctx, activeSessionScanLimit)
	if err != nil {
		slog.Debug("Active session query failed", "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	orphaned := 0
	for _, sess := range sessions {
		if sess.OrgID == "" || sess.MeetingURL == "" {
			continue
		}
		hasJob, _, err := c.jobs.ActiveBotJob(ctx, sess.OrgID, sess.MeetingURL)
		if err != nil {
			slog.Warn("Failed to check job for active session",
				"session_id", truncate(sess.ID, 16), "error", err)
			continue
		}
		if hasJob {
			continue
		}

		age := time.Duration(0)
		if !sess.ClaimedAt.IsZero() {
			age = time.Since(sess.ClaimedAt)
		}
		if age < orphanGrace {
			continue
		}

		orphaned++
		metrics.OrphanedSessions.Inc()
		slog.Warn("SESSION_ORPHANED",
			"session_id", truncate(sess.ID, 16),
			"org_id", sess.OrgID,
			"status", sess.Status,
			"age_minutes", int(age.Minutes()),
			"has_job", false,
			"remediation", "session has no worker Job; job creation may have failed silently or the job was deleted. Consider resetting to queued or failed.")
	}

	if orphaned > 0 {
		slog.Warn("SESSION_VALIDATION_SUMMARY",
			"total_active", len(sessions), "orphaned", orphaned)
	}
}
