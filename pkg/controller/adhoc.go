package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
	"github.com/advisewell/meeting-bot-controller/pkg/store"
)

// CoordinateAdHoc routes an ad-hoc bot request (Pub/Sub ingest) through the
// same session-coordination path as discovery, so the singleton-bot and
// dedup invariants hold regardless of how a request arrives.
func (c *Controller) CoordinateAdHoc(ctx context.Context, payload meeting.JobPayload) error {
	if payload.MeetingURL == "" {
		return fmt.Errorf("%w: ad-hoc payload missing meeting url", store.ErrMissingField)
	}
	if payload.OrgID == "" || payload.UserID == "" || payload.FSMeetingID == "" {
		return fmt.Errorf("%w: ad-hoc payload missing org, user, or meeting id", store.ErrMissingField)
	}

	rec := meeting.Record{
		ID:      payload.FSMeetingID,
		Path:    "organizations/" + payload.OrgID + "/meetings/" + payload.FSMeetingID,
		OrgID:   payload.OrgID,
		UserID:  payload.UserID,
		JoinURL: payload.MeetingURL,
	}

	assigned, jobName, err := c.jobs.ActiveBotJob(ctx, rec.OrgID, rec.JoinURL)
	if err != nil {
		return fmt.Errorf("checking bot assignment: %w", err)
	}
	if assigned {
		slog.Info("BOT_ALREADY_EXISTS: linking ad-hoc meeting to running job",
			"meeting_id", rec.ID, "org_id", rec.OrgID, "job_name", jobName)
		return c.docs.LinkMeetingToJob(ctx, rec.Path, jobName)
	}

	result, err := c.docs.EnsureSessionForMeeting(ctx, rec)
	if err != nil {
		return err
	}
	slog.Info("ADHOC_SESSION_READY",
		"meeting_id", rec.ID,
		"org_id", rec.OrgID,
		"session_id", truncate(result.SessionID, 16),
		"created", result.Created,
		"requeued", result.Requeued)
	return nil
}
