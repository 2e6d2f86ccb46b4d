package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
)

// EnsureResult describes what the session-coordination transaction did.
type EnsureResult struct {
	SessionID string
	Created   bool
	Requeued  bool
}

// EnsureSessionForMeeting runs the session-coordination transaction for one
// discovered meeting: create-or-requeue the session, register the meeting's
// owner as a subscriber, and link the meeting document to the session.
//
// All reads happen before any writes. The meeting is re-read inside the
// transaction so a concurrently deleted or rewritten document aborts cleanly.
func (s *Store) EnsureSessionForMeeting(ctx context.Context, rec meeting.Record) (EnsureResult, error) {
	if rec.JoinURL == "" || rec.OrgID == "" || rec.UserID == "" {
		return EnsureResult{}, fmt.Errorf("%w: join_url, org and user are required", ErrMissingField)
	}

	sessionID := meeting.SessionID(rec.OrgID, rec.JoinURL)
	sessionRef := s.sessionRef(rec.OrgID, sessionID)
	subscriberRef := s.subscriberRef(rec.OrgID, sessionID, rec.UserID)
	meetingRef := s.client.Doc(rec.Path)

	ctx, cancel := context.WithTimeout(ctx, txnTimeout)
	defer cancel()

	var result EnsureResult
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = EnsureResult{SessionID: sessionID}
		now := time.Now().UTC()

		meetingSnap, err := tx.Get(meetingRef)
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		fresh := meeting.ParseRecord(meetingSnap.Ref.ID, rec.Path, meetingSnap.Data())
		if fresh.JoinURL == "" {
			return fmt.Errorf("%w: meeting url no longer present", ErrMissingField)
		}

		sessSnap, sessErr := tx.Get(sessionRef)
		sessExists := sessErr == nil && sessSnap.Exists()
		if sessErr != nil && !isNotFound(sessErr) {
			return sessErr
		}

		subSnap, subErr := tx.Get(subscriberRef)
		subExists := subErr == nil && subSnap.Exists()
		if subErr != nil && !isNotFound(subErr) {
			return subErr
		}

		// Reads done; writes only from here.
		if !sessExists {
			result.Created = true
			if err := tx.Set(sessionRef, map[string]interface{}{
				"status":      meeting.SessionQueued,
				"org_id":      rec.OrgID,
				"meeting_url": fresh.JoinURL,
				"created_at":  now,
				"updated_at":  now,
			}); err != nil {
				return err
			}
		} else {
			sess := meeting.ParseSession(sessionID, sessSnap.Data())
			switch {
			case meeting.IsTerminalSessionStatus(sess.Status):
				// Recurring meeting: revive the session for the new occurrence,
				// preserving what it finished as last time.
				result.Requeued = true
				if err := tx.Update(sessionRef, []firestore.Update{
					{Path: "status", Value: meeting.SessionQueued},
					{Path: "previous_status", Value: sess.Status},
					{Path: "requeued_at", Value: now},
					{Path: "updated_at", Value: now},
				}); err != nil {
					return err
				}
			default:
				// Queued, claimed, or processing: do not interfere.
				if err := tx.Update(sessionRef, []firestore.Update{
					{Path: "updated_at", Value: now},
				}); err != nil {
					return err
				}
			}
		}

		if !subExists {
			if err := tx.Set(subscriberRef, map[string]interface{}{
				"user_id":       rec.UserID,
				"fs_meeting_id": rec.ID,
				"meeting_path":  rec.Path,
				"status":        meeting.SubscriberRequested,
				"added_via":     meeting.AddedViaDirect,
				"requested_at":  now,
				"updated_at":    now,
			}); err != nil {
				return err
			}
		} else {
			if err := tx.Update(subscriberRef, []firestore.Update{
				{Path: "updated_at", Value: now},
			}); err != nil {
				return err
			}
		}

		return tx.Update(meetingRef, []firestore.Update{
			{Path: "session_id", Value: sessionID},
			{Path: "session_status", Value: meeting.SessionQueued},
			{Path: "session_enqueued_at", Value: now},
		})
	})
	if err != nil {
		return EnsureResult{}, err
	}
	return result, nil
}

// ClaimSession attempts the atomic queued→processing transition. It succeeds
// only when the session is still queued and any previous claim has expired.
// A lost race reports false with a nil error.
func (s *Store) ClaimSession(ctx context.Context, orgID, sessionID, claimedBy string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, txnTimeout)
	defer cancel()

	ref := s.sessionRef(orgID, sessionID)
	claimed := false

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = false
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		sess := meeting.ParseSession(sessionID, snap.Data())
		now := time.Now().UTC()
		if sess.Status != meeting.SessionQueued {
			return nil
		}
		if !sess.ClaimExpiresAt.IsZero() && sess.ClaimExpiresAt.After(now) {
			return nil
		}

		claimed = true
		return tx.Update(ref, []firestore.Update{
			{Path: "claimed_by", Value: claimedBy},
			{Path: "claimed_at", Value: now},
			{Path: "claim_expires_at", Value: now.Add(ttl)},
			{Path: "status", Value: meeting.SessionProcessing},
			{Path: "updated_at", Value: now},
		})
	})
	if err != nil {
		if IsContention(err) {
			return false, nil
		}
		return false, err
	}
	return claimed, nil
}

// MarkSessionFailed records a launch failure. The worker owns the complete
// transition; the controller only ever writes failed here.
func (s *Store) MarkSessionFailed(ctx context.Context, orgID, sessionID string) error {
	now := time.Now().UTC()
	_, err := s.sessionRef(orgID, sessionID).Update(ctx, []firestore.Update{
		{Path: "status", Value: meeting.SessionFailed},
		{Path: "processed_at", Value: now},
		{Path: "updated_at", Value: now},
	})
	return err
}

// QueuedSessions returns sessions awaiting a claim, across all orgs.
func (s *Store) QueuedSessions(ctx context.Context, limit int) ([]meeting.Session, error) {
	q := s.client.CollectionGroup(sessionsCollection).
		Where("status", "==", meeting.SessionQueued).
		Limit(limit)
	return s.collectSessions(ctx, q.Documents(ctx))
}

// ActiveSessions returns sessions in claimed or processing state, across all
// orgs, for lifecycle validation.
func (s *Store) ActiveSessions(ctx context.Context, limit int) ([]meeting.Session, error) {
	q := s.client.CollectionGroup(sessionsCollection).
		Where("status", "in", []string{meeting.SessionClaimed, meeting.SessionProcessing}).
		Limit(limit)
	return s.collectSessions(ctx, q.Documents(ctx))
}

// CompletedSessionsNeedingFanout returns sessions the worker marked complete
// whose fanout has not succeeded. Firestore's != support needs an index, so
// the fanout_status filter happens in memory; limit caps the pending result.
func (s *Store) CompletedSessionsNeedingFanout(ctx context.Context, limit int) ([]meeting.Session, error) {
	q := s.client.CollectionGroup(sessionsCollection).
		Where("status", "==", meeting.SessionComplete)
	sessions, err := s.collectSessions(ctx, q.Documents(ctx))
	if err != nil {
		return nil, err
	}
	pending := sessions[:0]
	for _, sess := range sessions {
		if sess.FanoutStatus != meeting.FanoutComplete {
			pending = append(pending, sess)
			if len(pending) >= limit {
				break
			}
		}
	}
	return pending, nil
}

func (s *Store) collectSessions(ctx context.Context, it *firestore.DocumentIterator) ([]meeting.Session, error) {
	defer it.Stop()
	var out []meeting.Session
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		sess := meeting.ParseSession(snap.Ref.ID, snap.Data())
		if sess.OrgID == "" {
			sess.OrgID = orgFromSessionRef(snap.Ref)
		}
		out = append(out, sess)
	}
}

// GetSession reads a single session document.
func (s *Store) GetSession(ctx context.Context, orgID, sessionID string) (meeting.Session, error) {
	snap, err := s.sessionRef(orgID, sessionID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return meeting.Session{}, ErrNotFound
		}
		return meeting.Session{}, err
	}
	sess := meeting.ParseSession(sessionID, snap.Data())
	if sess.OrgID == "" {
		sess.OrgID = orgID
	}
	return sess, nil
}

// Subscribers lists a session's subscribers in subscription order, canonical
// first. Ordering by requested_at (document id as tie-break) keeps the
// canonical subscriber stable even after attendee fanout adds rows.
func (s *Store) Subscribers(ctx context.Context, orgID, sessionID string) ([]meeting.Subscriber, error) {
	it := s.sessionRef(orgID, sessionID).Collection(subscribersCollection).
		OrderBy("requested_at", firestore.Asc).
		Documents(ctx)
	defer it.Stop()

	var out []meeting.Subscriber
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, meeting.ParseSubscriber(snap.Ref.ID, snap.Data()))
	}
}

// UpdateSubscriberStatus patches one subscriber's copy state.
func (s *Store) UpdateSubscriberStatus(ctx context.Context, orgID, sessionID, userID, subStatus string) error {
	_, err := s.subscriberRef(orgID, sessionID, userID).Set(ctx, map[string]interface{}{
		"status":     subStatus,
		"updated_at": time.Now().UTC(),
	}, firestore.MergeAll)
	return err
}

// RecordSubscriberCopy stores per-subscriber fanout copy counts.
func (s *Store) RecordSubscriberCopy(ctx context.Context, orgID, sessionID, userID string, copied, skipped, total int) error {
	now := time.Now().UTC()
	_, err := s.subscriberRef(orgID, sessionID, userID).Set(ctx, map[string]interface{}{
		"status":        meeting.SubscriberCopied,
		"copied_at":     now,
		"copied_count":  copied,
		"skipped_count": skipped,
		"total_count":   total,
		"updated_at":    now,
	}, firestore.MergeAll)
	return err
}

// AddSubscriber registers an additional subscriber (attendee fanout path).
// Existing rows are left untouched and reported as already present.
func (s *Store) AddSubscriber(ctx context.Context, orgID, sessionID string, sub meeting.Subscriber) (added bool, err error) {
	ref := s.subscriberRef(orgID, sessionID, sub.UserID)
	snap, err := ref.Get(ctx)
	if err == nil && snap.Exists() {
		return false, nil
	}
	if err != nil && !isNotFound(err) {
		return false, err
	}

	now := time.Now().UTC()
	_, err = ref.Set(ctx, map[string]interface{}{
		"user_id":       sub.UserID,
		"fs_meeting_id": sub.MeetingID,
		"meeting_path":  sub.MeetingPath,
		"email":         sub.Email,
		"status":        meeting.SubscriberRequested,
		"added_via":     sub.AddedVia,
		"requested_at":  now,
		"updated_at":    now,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// FanoutReport is the validation summary stored on a session after fanout.
type FanoutReport struct {
	Success          bool     `firestore:"success"`
	TotalSubscribers int      `firestore:"total_subscribers"`
	Validated        int      `firestore:"validated"`
	Errors           []string `firestore:"errors"`
}

// SetSessionFanoutResult records the fanout terminal state and its validation
// report on the session.
func (s *Store) SetSessionFanoutResult(ctx context.Context, orgID, sessionID, fanoutStatus string, report FanoutReport) error {
	now := time.Now().UTC()
	_, err := s.sessionRef(orgID, sessionID).Set(ctx, map[string]interface{}{
		"fanout_status":       fanoutStatus,
		"fanout_completed_at": now,
		"fanout_validation":   report,
		"updated_at":          now,
	}, firestore.MergeAll)
	return err
}

// SetSessionFanoutError marks a fanout attempt failed without touching the
// session status; the next cycle retries.
func (s *Store) SetSessionFanoutError(ctx context.Context, orgID, sessionID string, cause error) error {
	_, err := s.sessionRef(orgID, sessionID).Set(ctx, map[string]interface{}{
		"fanout_status":     meeting.FanoutFailed,
		"fanout_last_error": cause.Error(),
		"updated_at":        time.Now().UTC(),
	}, firestore.MergeAll)
	return err
}
