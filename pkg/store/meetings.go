package store

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/advisewell/meeting-bot-controller/pkg/config"
	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
)

// MeetingsInWindow queries meetings whose start falls inside [from, to].
//
// Calendar sync systems store 'start' as either a native timestamp or an
// ISO-8601 string; a timestamp-bounded query misses the string documents and
// vice versa, so both queries run and the results are unioned by document id.
// Callers must re-validate the parsed start time against the window.
func (s *Store) MeetingsInWindow(ctx context.Context, from, to time.Time) ([]meeting.Record, error) {
	var base firestore.Query
	if s.meetingsQueryMode == config.QueryModeCollectionGroup {
		base = s.client.CollectionGroup(s.meetingsCollectionPath).Query
	} else {
		base = s.client.Collection(s.meetingsCollectionPath).Query
	}

	tsQuery := base.Where("start", ">=", from).Where("start", "<=", to)
	records, err := s.collectMeetings(ctx, tsQuery.Documents(ctx))
	if err != nil {
		return nil, err
	}

	isoQuery := base.Where("start", ">=", from.Format(time.RFC3339)).
		Where("start", "<=", to.Format(time.RFC3339))
	isoRecords, err := s.collectMeetings(ctx, isoQuery.Documents(ctx))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.Path] = true
	}
	for _, r := range isoRecords {
		if !seen[r.Path] {
			records = append(records, r)
			seen[r.Path] = true
		}
	}
	return records, nil
}

// GetMeeting reads one meeting document by relative path.
func (s *Store) GetMeeting(ctx context.Context, path string) (meeting.Record, error) {
	snap, err := s.client.Doc(path).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return meeting.Record{}, ErrNotFound
		}
		return meeting.Record{}, err
	}
	return meeting.ParseRecord(snap.Ref.ID, path, snap.Data()), nil
}

// GetOrgMeeting reads one meeting document by org and meeting id.
func (s *Store) GetOrgMeeting(ctx context.Context, orgID, meetingID string) (meeting.Record, error) {
	ref := s.orgMeetings(orgID).Doc(meetingID)
	snap, err := ref.Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return meeting.Record{}, ErrNotFound
		}
		return meeting.Record{}, err
	}
	return meeting.ParseRecord(snap.Ref.ID, relPath(ref), snap.Data()), nil
}

// LinkMeetingToJob attaches an already-running worker Job to a meeting
// document. Used when the label-selector check finds an active bot for the
// same org and URL before any session work happens.
func (s *Store) LinkMeetingToJob(ctx context.Context, path, jobName string) error {
	_, err := s.client.Doc(path).Update(ctx, []firestore.Update{
		{Path: "bot_job_name", Value: jobName},
		{Path: "bot_status", Value: "assigned"},
		{Path: "assigned_at", Value: time.Now().UTC()},
	})
	return err
}

// PostMeetingUpdate carries the artifact results patched onto a meeting
// document after fanout.
type PostMeetingUpdate struct {
	RecordingURL  string
	Transcription string
	Artifacts     map[string]string
}

// PatchMeetingArtifacts merges post-processing results into a meeting
// document. Empty fields are left untouched.
func (s *Store) PatchMeetingArtifacts(ctx context.Context, path string, update PostMeetingUpdate) error {
	data := map[string]interface{}{
		"updated_at": time.Now().UTC(),
	}
	if update.RecordingURL != "" {
		data["recording_url"] = update.RecordingURL
	}
	if update.Transcription != "" {
		data["transcription"] = update.Transcription
	}
	if len(update.Artifacts) > 0 {
		data["artifacts"] = update.Artifacts
	}
	_, err := s.client.Doc(path).Set(ctx, data, firestore.MergeAll)
	return err
}

// CompletedMeetingsNeedingFanout finds meetings the worker marked
// bot_status=complete whose URL-based fanout is still pending. Orgs are
// walked one at a time; the result is capped at limit.
func (s *Store) CompletedMeetingsNeedingFanout(ctx context.Context, limit int) ([]meeting.Record, error) {
	var out []meeting.Record

	orgIt := s.client.Collection(orgsCollection).Documents(ctx)
	defer orgIt.Stop()
	for {
		orgSnap, err := orgIt.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}

		q := s.orgMeetings(orgSnap.Ref.ID).
			Where("bot_status", "==", meeting.SessionComplete)
		records, err := s.collectMeetings(ctx, q.Documents(ctx))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.FanoutStatus == meeting.FanoutComplete {
				continue
			}
			out = append(out, r)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
}

// SiblingMeetings returns all meetings in the org sharing the exact join_url.
// Time-window filtering is the caller's concern.
func (s *Store) SiblingMeetings(ctx context.Context, orgID, joinURL string) ([]meeting.Record, error) {
	q := s.orgMeetings(orgID).Where("join_url", "==", joinURL)
	return s.collectMeetings(ctx, q.Documents(ctx))
}

// MarkMeetingFanout records the URL-based fanout outcome on the source
// meeting together with copy counts.
func (s *Store) MarkMeetingFanout(ctx context.Context, path, fanoutStatus, reason string, copied, skipped int) error {
	now := time.Now().UTC()
	data := map[string]interface{}{
		"fanout_status": fanoutStatus,
		"updated_at":    now,
	}
	if reason != "" {
		data["fanout_reason"] = reason
	}
	if fanoutStatus == meeting.FanoutComplete {
		data["fanout_copied_count"] = copied
		data["fanout_skipped_count"] = skipped
		data["fanout_completed_at"] = now
	}
	_, err := s.client.Doc(path).Set(ctx, data, firestore.MergeAll)
	return err
}

// MarkSiblingCopied patches a sibling meeting after a URL-based fanout copy.
func (s *Store) MarkSiblingCopied(ctx context.Context, path, sourceMeetingID string, update PostMeetingUpdate) error {
	now := time.Now().UTC()
	data := map[string]interface{}{
		"fanout_status": meeting.FanoutCopied,
		"fanout_source": sourceMeetingID,
		"fanout_at":     now,
		"updated_at":    now,
	}
	if update.RecordingURL != "" {
		data["recording_url"] = update.RecordingURL
	}
	if update.Transcription != "" {
		data["transcription"] = update.Transcription
	}
	if len(update.Artifacts) > 0 {
		data["artifacts"] = update.Artifacts
	}
	_, err := s.client.Doc(path).Set(ctx, data, firestore.MergeAll)
	return err
}

// FindMeetingForUserSession locates an existing meeting document owned by the
// user and linked to the session, for attendee fanout.
func (s *Store) FindMeetingForUserSession(ctx context.Context, orgID, userID, sessionID string) (meeting.Record, error) {
	it := s.orgMeetings(orgID).
		Where("user_id", "==", userID).
		Where("session_id", "==", sessionID).
		Limit(1).
		Documents(ctx)
	defer it.Stop()

	snap, err := it.Next()
	if err == iterator.Done {
		return meeting.Record{}, ErrNotFound
	}
	if err != nil {
		return meeting.Record{}, err
	}
	return meeting.ParseRecord(snap.Ref.ID, relPath(snap.Ref), snap.Data()), nil
}

// CreateAttendeeMeeting synthesizes a meeting document for an attendee who
// was in the meeting but has no calendar entry of their own. The new document
// mirrors the source meeting with user-specific ownership fields.
func (s *Store) CreateAttendeeMeeting(ctx context.Context, orgID, sessionID, userID string, source meeting.Record) (meeting.Record, error) {
	now := time.Now().UTC()
	title := source.Title
	if title == "" {
		title = "Shared Meeting"
	}
	data := map[string]interface{}{
		"title":                title,
		"platform":             source.Platform,
		"join_url":             source.JoinURL,
		"attendees":            source.Attendees,
		"user_id":              userID,
		"synced_by_user_id":    userID,
		"organization_id":      orgID,
		"source":               meeting.AddedViaAttendeeFanout,
		"created_from_meeting": source.ID,
		"session_id":           sessionID,
		"session_status":       meeting.SessionComplete,
		"status":               meeting.MeetingStatusComplete,
		"created_at":           now,
		"updated_at":           now,
	}
	if !source.Start.IsZero() {
		data["start"] = source.Start
	}
	if !source.End.IsZero() {
		data["end"] = source.End
	}

	ref := s.orgMeetings(orgID).NewDoc()
	if _, err := ref.Set(ctx, data); err != nil {
		return meeting.Record{}, err
	}
	path := relPath(ref)
	return meeting.ParseRecord(ref.ID, path, data), nil
}

func (s *Store) collectMeetings(ctx context.Context, it *firestore.DocumentIterator) ([]meeting.Record, error) {
	defer it.Stop()
	var out []meeting.Record
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, meeting.ParseRecord(snap.Ref.ID, relPath(snap.Ref), snap.Data()))
	}
}
