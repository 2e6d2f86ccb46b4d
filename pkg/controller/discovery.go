package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
	"github.com/advisewell/meeting-bot-controller/pkg/metrics"
	"github.com/advisewell/meeting-bot-controller/pkg/store"
)

// scanUpcomingMeetings finds meetings whose start falls in the near-future
// discovery window and routes each candidate into session coordination.
func (c *Controller) scanUpcomingMeetings(ctx context.Context) {
	now := time.Now().UTC()
	windowStart := now.Add(c.cfg.DiscoveryLead)
	windowEnd := windowStart.Add(c.cfg.DiscoveryWindow)

	records, err := c.docs.MeetingsInWindow(ctx, windowStart, windowEnd)
	if err != nil {
		slog.Error("DISCOVERY_FAILED: window scan error",
			"window_start", windowStart, "window_end", windowEnd, "error", err)
		return
	}
	if len(records) > 0 {
		slog.Info("Discovery window scan",
			"window_start", windowStart, "window_end", windowEnd, "found", len(records))
	}

	for _, rec := range records {
		// Timestamp-vs-string union queries have edge cases; trust only the
		// parsed start.
		if rec.Start.IsZero() || rec.Start.Before(windowStart) || rec.Start.After(windowEnd) {
			continue
		}
		if !c.isCandidate(ctx, rec) {
			continue
		}
		c.coordinateSession(ctx, rec)
	}
}

// isCandidate applies the discovery filter. Non-candidates are skipped
// silently; only debug logging records why.
func (c *Controller) isCandidate(ctx context.Context, rec meeting.Record) bool {
	log := slog.With("meeting_id", rec.ID, "org_id", rec.OrgID)

	if rec.JoinURL == "" {
		log.Debug("Skipping meeting: no join url")
		return false
	}
	if !meeting.AllowedDomain(rec.JoinURL, c.cfg.AllowedMeetingDomains) {
		log.Debug("Skipping meeting: platform not allowed", "url", truncate(rec.JoinURL, 50))
		return false
	}
	if rec.SessionID != "" {
		log.Debug("Skipping meeting: already linked to a session", "session_id", truncate(rec.SessionID, 16))
		return false
	}
	if rec.OrgID == "" || rec.UserID == "" {
		log.Debug("Skipping meeting: missing org or user")
		return false
	}

	if !c.statusEligible(rec) {
		log.Debug("Skipping meeting: status not eligible", "status", rec.Status)
		return false
	}

	if !c.autoJoinEnabled(ctx, rec) {
		log.Debug("Skipping meeting: auto-join not enabled")
		return false
	}
	return true
}

// statusEligible checks the meeting status against the configured allow list.
// A meeting another system already marked queued stays eligible regardless.
func (c *Controller) statusEligible(rec meeting.Record) bool {
	if len(c.cfg.MeetingStatusValues) == 0 {
		return true
	}
	for _, v := range c.cfg.MeetingStatusValues {
		if rec.Status == v {
			return true
		}
	}
	return rec.BotStatus == meeting.MeetingStatusQueued || rec.SessionStatus == meeting.MeetingStatusQueued
}

// autoJoinEnabled is true when the meeting itself, its owner, or the org has
// opted in. Lookup failures count as not enabled; the next cycle retries.
func (c *Controller) autoJoinEnabled(ctx context.Context, rec meeting.Record) bool {
	if rec.AIEnabled {
		return true
	}
	if auto, err := c.docs.UserAutoJoin(ctx, rec.UserID); err == nil && auto {
		return true
	} else if err != nil {
		slog.Warn("User auto-join lookup failed", "user_id", rec.UserID, "error", err)
	}
	settings, err := c.docs.GetOrgSettings(ctx, rec.OrgID)
	if err != nil {
		slog.Warn("Org settings lookup failed", "org_id", rec.OrgID, "error", err)
		return false
	}
	return settings.AutoJoin
}

// coordinateSession runs the pre-transaction orchestrator check, then the
// session-coordination transaction for one candidate meeting.
func (c *Controller) coordinateSession(ctx context.Context, rec meeting.Record) {
	log := slog.With("meeting_id", rec.ID, "org_id", rec.OrgID)

	// Cluster-restart safety net: if a bot Job already runs for this org+URL,
	// link the meeting to it instead of opening a new session.
	assigned, jobName, err := c.jobs.ActiveBotJob(ctx, rec.OrgID, rec.JoinURL)
	if err != nil {
		log.Warn("Bot assignment check failed", "error", err)
	} else if assigned {
		log.Info("BOT_ALREADY_EXISTS: linking meeting to running job", "job_name", jobName)
		if err := c.docs.LinkMeetingToJob(ctx, rec.Path, jobName); err != nil {
			log.Warn("Failed to link meeting to existing job", "job_name", jobName, "error", err)
		}
		return
	}

	result, err := c.docs.EnsureSessionForMeeting(ctx, rec)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrMissingField), errors.Is(err, store.ErrNotFound):
			log.Debug("Session coordination skipped", "reason", err)
		case store.IsContention(err):
			// Another replica won; nothing to do.
		default:
			log.Error("SESSION_COORDINATION_FAILED", "error", err)
		}
		return
	}

	switch {
	case result.Created:
		metrics.SessionsCreated.Inc()
		log.Info("SESSION_CREATED",
			"session_id", truncate(result.SessionID, 16),
			"url", truncate(rec.JoinURL, 50))
	case result.Requeued:
		metrics.SessionsRequeued.Inc()
		log.Info("SESSION_REQUEUED",
			"session_id", truncate(result.SessionID, 16))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
