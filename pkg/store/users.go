package store

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/api/iterator"
)

// UserIDByEmail resolves a user document id from an email address.
func (s *Store) UserIDByEmail(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrNotFound
	}

	it := s.client.Collection(usersCollection).
		Where("email", "==", email).
		Limit(1).
		Documents(ctx)
	defer it.Stop()

	snap, err := it.Next()
	if err == iterator.Done {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return snap.Ref.ID, nil
}

// UserAutoJoin reports whether the user has opted into automatic bot joins.
// Missing users report false with a nil error.
func (s *Store) UserAutoJoin(ctx context.Context, userID string) (bool, error) {
	snap, err := s.client.Collection(usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	auto, _ := snap.Data()["auto_join_meetings"].(bool)
	return auto, nil
}

// OrgSettings is the subset of an organization document the controller reads.
type OrgSettings struct {
	BotName  string
	AutoJoin bool
}

// GetOrgSettings reads an organization's bot preferences. A missing org
// returns zero settings with a nil error; callers apply defaults.
func (s *Store) GetOrgSettings(ctx context.Context, orgID string) (OrgSettings, error) {
	if orgID == "" {
		return OrgSettings{}, nil
	}
	snap, err := s.client.Collection(orgsCollection).Doc(orgID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return OrgSettings{}, nil
		}
		return OrgSettings{}, err
	}
	data := snap.Data()
	settings := OrgSettings{}
	if name, ok := data["meeting_bot_name"].(string); ok {
		settings.BotName = strings.TrimSpace(name)
	}
	if auto, ok := data["auto_join_enabled"].(bool); ok {
		settings.AutoJoin = auto
	}
	return settings, nil
}

// UserBelongsToOrg reports whether the user has any meeting in the org.
// Membership is not modeled directly, so presence of org meetings stands in.
func (s *Store) UserBelongsToOrg(ctx context.Context, orgID, userID string) (bool, error) {
	it := s.orgMeetings(orgID).
		Where("user_id", "==", userID).
		Limit(1).
		Documents(ctx)
	defer it.Stop()

	_, err := it.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// OrgUserIDsForAttendees maps attendee emails to user ids for users who are
// members of the organization. Lookup failures skip the attendee.
func (s *Store) OrgUserIDsForAttendees(ctx context.Context, orgID string, emails []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, email := range emails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		userID, err := s.UserIDByEmail(ctx, email)
		if err != nil {
			if err != ErrNotFound {
				slog.Warn("Attendee user lookup failed", "email", email, "error", err)
			}
			continue
		}
		member, err := s.UserBelongsToOrg(ctx, orgID, userID)
		if err != nil {
			slog.Warn("Attendee membership lookup failed", "user_id", userID, "error", err)
			continue
		}
		if member {
			out[email] = userID
		}
	}
	return out, nil
}

// MeetingAttendees re-reads a meeting document for its latest attendee list.
func (s *Store) MeetingAttendees(ctx context.Context, orgID, meetingID string) ([]string, error) {
	rec, err := s.GetOrgMeeting(ctx, orgID, meetingID)
	if err != nil {
		return nil, err
	}
	return rec.Attendees, nil
}
