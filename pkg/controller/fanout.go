package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
	"github.com/advisewell/meeting-bot-controller/pkg/metrics"
	"github.com/advisewell/meeting-bot-controller/pkg/store"
)

// fanoutCompletedSessions distributes artifacts for every completed session
// whose fanout has not succeeded yet. Failures are recorded on the session
// and never propagate past the cycle.
func (c *Controller) fanoutCompletedSessions(ctx context.Context) {
	sessions, err := c.docs.CompletedSessionsNeedingFanout(ctx, c.cfg.MaxClaimPerPoll)
	if err != nil {
		slog.Error("Completed session query failed", "error", err)
		return
	}

	for _, sess := range sessions {
		if sess.OrgID == "" {
			continue
		}
		if err := c.fanoutSession(ctx, sess); err != nil {
			metrics.FanoutFailures.Inc()
			slog.Error("FANOUT_FAILED",
				"session_id", truncate(sess.ID, 16),
				"org_id", sess.OrgID,
				"error", err)
			if werr := c.docs.SetSessionFanoutError(ctx, sess.OrgID, sess.ID, err); werr != nil {
				slog.Error("Failed to record fanout error", "session_id", truncate(sess.ID, 16), "error", werr)
			}
		}
	}
}

// fanoutSession copies the canonical subscriber's artifacts to every other
// subscriber and patches each subscriber's meeting document. Idempotent:
// copies skip objects that already exist, so a rerun performs no new work.
func (c *Controller) fanoutSession(ctx context.Context, sess meeting.Session) error {
	log := slog.With("session_id", truncate(sess.ID, 16), "org_id", sess.OrgID)

	subs, err := c.docs.Subscribers(ctx, sess.OrgID, sess.ID)
	if err != nil {
		return fmt.Errorf("listing subscribers: %w", err)
	}
	if len(subs) == 0 {
		log.Info("Fanout skipped: no subscribers")
		return nil
	}

	canonical := subs[0]
	if canonical.UserID == "" || canonical.MeetingID == "" {
		return fmt.Errorf("%w: canonical subscriber missing user or meeting id", store.ErrMissingField)
	}
	sourcePrefix := recordingPrefix(canonical.UserID, canonical.MeetingID)

	srcObjects, err := c.blobs.List(ctx, sourcePrefix+"/")
	if err != nil {
		return fmt.Errorf("listing source artifacts: %w", err)
	}
	if len(srcObjects) == 0 {
		// The worker has not finished writing; retry next cycle.
		log.Info("Fanout deferred: no artifacts yet", "source_prefix", sourcePrefix)
		return nil
	}

	log.Info("FANOUT_STARTING", "subscriber_count", len(subs), "source_prefix", sourcePrefix)

	transcription := c.readTranscript(ctx, sourcePrefix, log)

	// Attendee refresh may add subscribers; re-list afterwards so the copy
	// loop sees them. The canonical subscriber stays first by ordering.
	c.refreshAttendeeSubscribers(ctx, sess, canonical, log)
	if refreshed, err := c.docs.Subscribers(ctx, sess.OrgID, sess.ID); err == nil && len(refreshed) > 0 {
		subs = refreshed
		canonical = subs[0]
	}

	// Canonical subscriber first: a reader observing any copied result is
	// guaranteed the canonical result already exists.
	update := store.PostMeetingUpdate{
		RecordingURL:  c.gsURL(sourcePrefix + "/recording.webm"),
		Transcription: transcription,
		Artifacts:     sess.Artifacts,
	}
	if canonical.MeetingPath != "" {
		if err := c.docs.PatchMeetingArtifacts(ctx, canonical.MeetingPath, update); err != nil {
			log.Warn("Failed to update canonical meeting document",
				"meeting_path", canonical.MeetingPath, "error", err)
		}
	}
	if err := c.docs.UpdateSubscriberStatus(ctx, sess.OrgID, sess.ID, canonical.UserID, meeting.SubscriberComplete); err != nil {
		log.Warn("Failed to mark canonical subscriber complete", "user_id", canonical.UserID, "error", err)
	}

	for _, sub := range subs[1:] {
		c.copyToSubscriber(ctx, sess, sub, sourcePrefix, srcObjects, transcription, log)
	}

	report := c.validateFanout(ctx, sess, sourcePrefix, artifactKeys(sess.Artifacts))
	status := meeting.FanoutComplete
	if !report.Success {
		status = meeting.FanoutPartial
	}
	if err := c.docs.SetSessionFanoutResult(ctx, sess.OrgID, sess.ID, status, report); err != nil {
		return fmt.Errorf("recording fanout result: %w", err)
	}

	metrics.FanoutsCompleted.Inc()
	log.Info("FANOUT_COMPLETE", "total_subscribers", len(subs), "fanout_status", status)
	return nil
}

// readTranscript loads transcript.txt from the canonical prefix; a missing or
// unreadable transcript degrades gracefully.
func (c *Controller) readTranscript(ctx context.Context, sourcePrefix string, log *slog.Logger) string {
	name := sourcePrefix + "/transcript.txt"
	exists, err := c.blobs.Exists(ctx, name)
	if err != nil || !exists {
		if err != nil {
			log.Warn("Transcript existence check failed", "object", name, "error", err)
		}
		return ""
	}
	text, err := c.blobs.ReadText(ctx, name)
	if err != nil {
		log.Warn("Could not read transcript", "object", name, "error", err)
		return ""
	}
	return text
}

// refreshAttendeeSubscribers subscribes every attendee of the canonical
// meeting who is an org member, synthesizing a meeting document for attendees
// who lack one. Lookup failures skip the attendee and continue.
func (c *Controller) refreshAttendeeSubscribers(ctx context.Context, sess meeting.Session, canonical meeting.Subscriber, log *slog.Logger) {
	emails, err := c.docs.MeetingAttendees(ctx, sess.OrgID, canonical.MeetingID)
	if err != nil {
		log.Warn("Attendee refresh failed", "meeting_id", canonical.MeetingID, "error", err)
		return
	}
	if len(emails) == 0 {
		return
	}

	emailToUser, err := c.docs.OrgUserIDsForAttendees(ctx, sess.OrgID, emails)
	if err != nil {
		log.Warn("Attendee user lookup failed", "error", err)
	}
	if len(emailToUser) == 0 {
		return
	}
	log.Info("ATTENDEE_FANOUT", "attendees", len(emails), "org_members", len(emailToUser))

	var sourceMeeting meeting.Record
	if canonical.MeetingPath != "" {
		if rec, err := c.docs.GetMeeting(ctx, canonical.MeetingPath); err == nil {
			sourceMeeting = rec
		}
	}

	for email, userID := range emailToUser {
		if userID == canonical.UserID {
			continue
		}
		c.ensureAttendeeSubscriber(ctx, sess, userID, email, sourceMeeting, log)
	}
}

func (c *Controller) ensureAttendeeSubscriber(ctx context.Context, sess meeting.Session, userID, email string, sourceMeeting meeting.Record, log *slog.Logger) {
	// Reuse the attendee's own meeting document when one is already linked to
	// this session; create one otherwise.
	rec, err := c.docs.FindMeetingForUserSession(ctx, sess.OrgID, userID, sess.ID)
	if err == store.ErrNotFound {
		rec, err = c.docs.CreateAttendeeMeeting(ctx, sess.OrgID, sess.ID, userID, sourceMeeting)
		if err == nil {
			log.Info("ATTENDEE_MEETING_CREATED", "meeting_id", rec.ID, "user_id", userID)
		}
	}
	if err != nil {
		log.Warn("ATTENDEE_SUBSCRIBER: failed to resolve meeting", "user_id", userID, "error", err)
		return
	}

	added, err := c.docs.AddSubscriber(ctx, sess.OrgID, sess.ID, meeting.Subscriber{
		UserID:      userID,
		MeetingID:   rec.ID,
		MeetingPath: rec.Path,
		Email:       email,
		AddedVia:    meeting.AddedViaAttendeeFanout,
	})
	if err != nil {
		log.Warn("ATTENDEE_SUBSCRIBER: failed to add", "user_id", userID, "error", err)
		return
	}
	if added {
		log.Info("ATTENDEE_SUBSCRIBER: added", "user_id", userID, "meeting_id", rec.ID)
	}
}

// copyToSubscriber copies all source objects under the subscriber's prefix,
// rewrites the artifact manifest, and patches the subscriber's meeting
// document. Per-object copy failures degrade to a partial result.
func (c *Controller) copyToSubscriber(ctx context.Context, sess meeting.Session, sub meeting.Subscriber, sourcePrefix string, srcObjects []string, transcription string, log *slog.Logger) {
	if sub.UserID == "" || sub.MeetingID == "" {
		log.Warn("Subscriber missing user or meeting id, skipping")
		return
	}

	dstPrefix := recordingPrefix(sub.UserID, sub.MeetingID)
	if dstPrefix == sourcePrefix {
		log.Info("FANOUT_COPY_SKIP", "user_id", sub.UserID, "reason", "same_as_source")
		return
	}

	copied, skipped := 0, 0
	for _, src := range srcObjects {
		if !strings.HasPrefix(src, sourcePrefix+"/") {
			continue
		}
		rel := src[len(sourcePrefix)+1:]
		dst := dstPrefix + "/" + rel

		exists, err := c.blobs.Exists(ctx, dst)
		if err != nil {
			log.Warn("FANOUT_FILE_ERROR", "user_id", sub.UserID, "file", rel, "error", err)
			continue
		}
		if exists {
			skipped++
			continue
		}
		if err := c.blobs.Copy(ctx, src, dst); err != nil {
			log.Warn("FANOUT_FILE_ERROR", "user_id", sub.UserID, "file", rel, "error", err)
			continue
		}
		copied++
		metrics.ArtifactCopies.Inc()
	}

	log.Info("FANOUT_COPY_COMPLETE",
		"user_id", sub.UserID,
		"files_copied", copied,
		"files_skipped", skipped,
		"total", len(srcObjects))

	if err := c.docs.RecordSubscriberCopy(ctx, sess.OrgID, sess.ID, sub.UserID, copied, skipped, len(srcObjects)); err != nil {
		log.Warn("Failed to record subscriber copy counts", "user_id", sub.UserID, "error", err)
	}

	if sub.MeetingPath == "" {
		return
	}
	update := store.PostMeetingUpdate{
		RecordingURL:  c.gsURL(dstPrefix + "/recording.webm"),
		Transcription: transcription,
		Artifacts:     rewriteArtifacts(sess.Artifacts, sourcePrefix, dstPrefix),
	}
	if err := c.docs.PatchMeetingArtifacts(ctx, sub.MeetingPath, update); err != nil {
		log.Warn("Failed to update subscriber meeting document",
			"user_id", sub.UserID, "meeting_path", sub.MeetingPath, "error", err)
	}
}

// validateFanout confirms every subscriber received the complete result: a
// live meeting document carrying the transcription and every artifact key,
// and a destination prefix holding at least the expected object count.
func (c *Controller) validateFanout(ctx context.Context, sess meeting.Session, sourcePrefix string, expectedKeys []string) store.FanoutReport {
	report := store.FanoutReport{Success: true}

	subs, err := c.docs.Subscribers(ctx, sess.OrgID, sess.ID)
	if err != nil {
		report.Success = false
		report.Errors = append(report.Errors, fmt.Sprintf("listing subscribers: %v", err))
		return report
	}
	report.TotalSubscribers = len(subs)

	for _, sub := range subs {
		if sub.MeetingID == "" {
			report.Success = false
			report.Errors = append(report.Errors, fmt.Sprintf("subscriber %s has no meeting id", sub.UserID))
			continue
		}

		var rec meeting.Record
		if sub.MeetingPath != "" {
			rec, err = c.docs.GetMeeting(ctx, sub.MeetingPath)
		} else {
			rec, err = c.docs.GetOrgMeeting(ctx, sess.OrgID, sub.MeetingID)
		}
		if err != nil {
			report.Success = false
			report.Errors = append(report.Errors, fmt.Sprintf("meeting %s for user %s unreadable: %v", sub.MeetingID, sub.UserID, err))
			continue
		}

		if rec.Transcription == "" {
			report.Success = false
			report.Errors = append(report.Errors, fmt.Sprintf("user %s missing transcription", sub.UserID))
		}
		for _, key := range expectedKeys {
			if _, ok := rec.Artifacts[key]; !ok {
				report.Success = false
				report.Errors = append(report.Errors, fmt.Sprintf("user %s missing artifact: %s", sub.UserID, key))
			}
		}

		dstPrefix := recordingPrefix(sub.UserID, sub.MeetingID)
		objects, err := c.blobs.List(ctx, dstPrefix+"/")
		if err != nil {
			report.Success = false
			report.Errors = append(report.Errors, fmt.Sprintf("listing %s for user %s: %v", dstPrefix, sub.UserID, err))
			continue
		}
		if len(objects) < len(expectedKeys) {
			report.Success = false
			report.Errors = append(report.Errors, fmt.Sprintf("user %s has %d objects, expected at least %d", sub.UserID, len(objects), len(expectedKeys)))
		}

		report.Validated++
	}

	if report.Success {
		slog.Info("FANOUT_VALIDATION",
			"session_id", truncate(sess.ID, 16),
			"validated", report.Validated,
			"total", report.TotalSubscribers)
	} else {
		slog.Warn("FANOUT_VALIDATION",
			"session_id", truncate(sess.ID, 16),
			"validated", report.Validated,
			"total", report.TotalSubscribers,
			"errors", report.Errors)
	}
	return report
}

// rewriteArtifacts substitutes the destination prefix into each manifest
// path. Paths outside the source prefix pass through unchanged.
func rewriteArtifacts(artifacts map[string]string, sourcePrefix, dstPrefix string) map[string]string {
	if len(artifacts) == 0 {
		return nil
	}
	out := make(map[string]string, len(artifacts))
	for key, path := range artifacts {
		if strings.Contains(path, sourcePrefix) {
			out[key] = strings.ReplaceAll(path, sourcePrefix, dstPrefix)
		} else {
			out[key] = path
		}
	}
	return out
}

func artifactKeys(artifacts map[string]string) []string {
	keys := make([]string, 0, len(artifacts))
	for k := range artifacts {
		keys = append(keys, k)
	}
	return keys
}

func (c *Controller) gsURL(name string) string {
	return "gs://" + c.gcsBucket + "/" + name
}
