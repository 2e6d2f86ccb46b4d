package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
	"github.com/advisewell/meeting-bot-controller/pkg/metrics"
	"github.com/advisewell/meeting-bot-controller/pkg/store"
)

const defaultBotName = "AdviseWell"

// launchQueuedSessions claims queued sessions (bounded per cycle) and
// launches one worker Job per claim.
func (c *Controller) launchQueuedSessions(ctx context.Context) {
	sessions, err := c.docs.QueuedSessions(ctx, c.cfg.MaxClaimPerPoll)
	if err != nil {
		slog.Error("Queued session query failed", "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}
	slog.Info("POLL_CYCLE_STATUS", "queued_sessions", len(sessions))

	for _, sess := range sessions {
		c.launchSession(ctx, sess)
	}
}

func (c *Controller) launchSession(ctx context.Context, sess meeting.Session) {
	log := slog.With(
		"session_id", truncate(sess.ID, 16),
		"org_id", sess.OrgID,
		"url", truncate(sess.MeetingURL, 50))

	claimed, err := c.docs.ClaimSession(ctx, sess.OrgID, sess.ID, c.cfg.ControllerID, c.cfg.ClaimTTL)
	if err != nil {
		log.Error("SESSION_CLAIM_ERROR", "error", err)
		return
	}
	if !claimed {
		log.Info("SESSION_CLAIM_SKIPPED", "reason", "already_claimed_or_conflict")
		return
	}
	metrics.SessionsClaimed.Inc()

	payload, err := c.buildPayload(ctx, sess)
	if err != nil {
		log.Error("SESSION_JOB_FAILED", "reason", "payload_build", "error", err)
		c.failSession(ctx, sess, log)
		return
	}

	if _, err := c.jobs.Launch(ctx, payload); err != nil {
		log.Error("SESSION_JOB_FAILED", "reason", "job_creation", "error", err)
		metrics.JobLaunchFailures.Inc()
		c.failSession(ctx, sess, log)
		return
	}

	// Success: the session stays processing. The worker owns the transition
	// to complete or failed after artifacts upload.
	metrics.JobsLaunched.Inc()
	log.Info("SESSION_JOB_SUCCESS", "status", "job_created")
}

func (c *Controller) failSession(ctx context.Context, sess meeting.Session, log *slog.Logger) {
	if err := c.docs.MarkSessionFailed(ctx, sess.OrgID, sess.ID); err != nil {
		log.Error("Failed to mark session failed", "error", err)
	}
}

// buildPayload derives the worker Job payload from a claimed session. The
// canonical (first) subscriber decides where artifacts land.
func (c *Controller) buildPayload(ctx context.Context, sess meeting.Session) (meeting.JobPayload, error) {
	if sess.MeetingURL == "" {
		return meeting.JobPayload{}, fmt.Errorf("%w: session missing meeting_url", store.ErrMissingField)
	}

	subs, err := c.docs.Subscribers(ctx, sess.OrgID, sess.ID)
	if err != nil {
		return meeting.JobPayload{}, fmt.Errorf("reading subscribers: %w", err)
	}
	if len(subs) == 0 {
		return meeting.JobPayload{}, store.ErrNoSubscribers
	}
	canonical := subs[0]
	if canonical.UserID == "" || canonical.MeetingID == "" {
		return meeting.JobPayload{}, fmt.Errorf("%w: canonical subscriber missing user or meeting id", store.ErrMissingField)
	}

	botName := defaultBotName
	if settings, err := c.docs.GetOrgSettings(ctx, sess.OrgID); err == nil && settings.BotName != "" {
		botName = settings.BotName
	}

	return meeting.JobPayload{
		MeetingURL:  sess.MeetingURL,
		MeetingID:   meeting.SessionID(sess.OrgID, sess.MeetingURL),
		OrgID:       sess.OrgID,
		UserID:      canonical.UserID,
		FSMeetingID: canonical.MeetingID,
		GCSPath:     recordingPrefix(canonical.UserID, canonical.MeetingID),
		SessionID:   sess.ID,
		BotName:     botName,
		Timezone:    "UTC",
		InitiatedAt: time.Now().UTC().Format(time.RFC3339),
		AutoJoined:  true,
	}, nil
}

// recordingPrefix is the object-store layout contract shared with the worker.
func recordingPrefix(userID, meetingID string) string {
	return "recordings/" + userID + "/" + meetingID
}
