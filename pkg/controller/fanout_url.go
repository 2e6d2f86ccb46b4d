package controller

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
	"github.com/advisewell/meeting-bot-controller/pkg/metrics"
	"github.com/advisewell/meeting-bot-controller/pkg/store"
)

// urlFanoutTimeTolerance absorbs calendar drift when matching sibling
// meetings by start/end time.
const urlFanoutTimeTolerance = 300 * time.Second

// fanoutCompletedMeetings handles the URL-based fanout path: meetings whose
// worker reported completion directly on the document (K8s-deduped flows
// without a session record). Siblings are matched by join URL and time.
func (c *Controller) fanoutCompletedMeetings(ctx context.Context) {
	records, err := c.docs.CompletedMeetingsNeedingFanout(ctx, c.cfg.MaxClaimPerPoll)
	if err != nil {
		slog.Error("Completed meeting query failed", "error", err)
		return
	}

	for _, rec := range records {
		c.fanoutMeetingByURL(ctx, rec)
	}
}

func (c *Controller) fanoutMeetingByURL(ctx context.Context, source meeting.Record) {
	log := slog.With("meeting_id", source.ID, "org_id", source.OrgID)

	if source.OrgID == "" || source.JoinURL == "" {
		log.Warn("FANOUT_SKIPPED", "reason", "missing_org_or_url")
		c.markMeetingFanout(ctx, source.Path, meeting.FanoutSkipped, "missing_org_id_or_meeting_url", 0, 0, log)
		return
	}
	if source.UserID == "" {
		log.Warn("FANOUT_SKIPPED", "reason", "missing_user_id")
		c.markMeetingFanout(ctx, source.Path, meeting.FanoutSkipped, "missing_user_id", 0, 0, log)
		return
	}

	log.Info("FANOUT_BY_URL_START",
		"url", truncate(source.JoinURL, 50),
		"user_id", source.UserID)

	siblings, err := c.docs.SiblingMeetings(ctx, source.OrgID, source.JoinURL)
	if err != nil {
		log.Error("FANOUT_FAILED", "reason", "sibling_query", "error", err)
		return
	}
	matches := matchSiblingsByTime(source, siblings)
	log.Info("FANOUT_FINAL_MATCHES", "url_matches", len(siblings), "time_matches", len(matches))

	sourcePrefix := recordingPrefix(source.UserID, source.ID)
	srcObjects, err := c.blobs.List(ctx, sourcePrefix+"/")
	if err != nil {
		log.Error("FANOUT_FAILED", "reason", "list_source_files", "error", err)
		return
	}

	copied, skipped := 0, 0
	for _, sibling := range matches {
		if sibling.ID == source.ID {
			continue
		}
		if sibling.UserID == "" {
			log.Info("FANOUT_SKIP", "sibling_id", sibling.ID, "reason", "no_user_id")
			skipped++
			continue
		}
		if sibling.FanoutStatus == meeting.FanoutCopied {
			log.Info("FANOUT_SKIP", "sibling_id", sibling.ID, "reason", "already_copied")
			skipped++
			continue
		}

		if c.copyToSibling(ctx, source, sibling, sourcePrefix, srcObjects, log) {
			copied++
		} else {
			skipped++
		}
	}

	c.markMeetingFanout(ctx, source.Path, meeting.FanoutComplete, "", copied, skipped, log)
	metrics.FanoutsCompleted.Inc()
	log.Info("FANOUT_BY_URL_COMPLETE", "copied", copied, "skipped", skipped)
}

// copyToSibling replicates the source artifacts under one sibling meeting's
// prefix and patches its document. Reports whether the sibling was copied.
func (c *Controller) copyToSibling(ctx context.Context, source, sibling meeting.Record, sourcePrefix string, srcObjects []string, log *slog.Logger) bool {
	dstPrefix := recordingPrefix(sibling.UserID, sibling.ID)

	for _, src := range srcObjects {
		if !strings.HasPrefix(src, sourcePrefix+"/") {
			continue
		}
		rel := src[len(sourcePrefix)+1:]
		dst := dstPrefix + "/" + rel

		exists, err := c.blobs.Exists(ctx, dst)
		if err != nil {
			log.Warn("FANOUT_FILE_ERROR", "sibling_id", sibling.ID, "file", rel, "error", err)
			continue
		}
		if exists {
			continue
		}
		if err := c.blobs.Copy(ctx, src, dst); err != nil {
			log.Warn("FANOUT_FILE_ERROR", "sibling_id", sibling.ID, "file", rel, "error", err)
			continue
		}
		metrics.ArtifactCopies.Inc()
	}

	update := store.PostMeetingUpdate{
		RecordingURL:  c.gsURL(dstPrefix + "/recording.webm"),
		Transcription: source.Transcription,
		Artifacts:     rewriteArtifacts(source.Artifacts, sourcePrefix, dstPrefix),
	}
	if err := c.docs.MarkSiblingCopied(ctx, sibling.Path, source.ID, update); err != nil {
		log.Error("FANOUT_COPY_FAILED", "sibling_id", sibling.ID, "user_id", sibling.UserID, "error", err)
		return false
	}

	log.Info("FANOUT_COPY_COMPLETE",
		"sibling_id", sibling.ID,
		"user_id", sibling.UserID,
		"has_transcription", source.Transcription != "")
	return true
}

func (c *Controller) markMeetingFanout(ctx context.Context, path, fanoutStatus, reason string, copied, skipped int, log *slog.Logger) {
	if err := c.docs.MarkMeetingFanout(ctx, path, fanoutStatus, reason, copied, skipped); err != nil {
		log.Warn("Failed to record meeting fanout status", "error", err)
	}
}

// matchSiblingsByTime filters URL-matched siblings to those whose start and
// end lie within the drift tolerance of the source. Meetings without time
// information match by URL alone.
func matchSiblingsByTime(source meeting.Record, siblings []meeting.Record) []meeting.Record {
	if source.Start.IsZero() || source.End.IsZero() {
		return siblings
	}

	var matches []meeting.Record
	for _, sib := range siblings {
		if sib.Start.IsZero() || sib.End.IsZero() {
			matches = append(matches, sib)
			continue
		}
		startDiff := absDuration(source.Start.Sub(sib.Start))
		endDiff := absDuration(source.End.Sub(sib.End))
		if startDiff <= urlFanoutTimeTolerance && endDiff <= urlFanoutTimeTolerance {
			matches = append(matches, sib)
		}
	}
	return matches
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
