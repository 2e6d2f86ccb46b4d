package meeting

import "time"

// Session is the typed view of a meeting_sessions document: the unit of
// scheduling deduplication per (org, normalized URL).
type Session struct {
	ID             string
	OrgID          string
	MeetingURL     string
	Status         string
	PreviousStatus string
	ClaimedBy      string
	ClaimedAt      time.Time
	ClaimExpiresAt time.Time
	FanoutStatus   string
	Artifacts      map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ParseSession builds a Session from a raw session document payload.
func ParseSession(id string, data map[string]interface{}) Session {
	s := Session{ID: id}
	s.OrgID = firstString(data, "org_id", "organization_id")
	s.MeetingURL = firstString(data, "meeting_url", "join_url")
	s.Status = firstString(data, "status")
	s.PreviousStatus = firstString(data, "previous_status")
	s.ClaimedBy = firstString(data, "claimed_by")
	s.FanoutStatus = firstString(data, "fanout_status")
	s.Artifacts = ParseArtifacts(data["artifacts"])
	if t, ok := ParseEventTime(data["claimed_at"]); ok {
		s.ClaimedAt = t
	}
	if t, ok := ParseEventTime(data["claim_expires_at"]); ok {
		s.ClaimExpiresAt = t
	}
	if t, ok := ParseEventTime(data["created_at"]); ok {
		s.CreatedAt = t
	}
	if t, ok := ParseEventTime(data["updated_at"]); ok {
		s.UpdatedAt = t
	}
	return s
}

// Subscriber is one user's interest in a session's output. The first
// subscriber added is canonical: its prefix is where the worker writes.
type Subscriber struct {
	UserID       string
	MeetingID    string
	MeetingPath  string
	Email        string
	Status       string
	AddedVia     string
	CopiedCount  int
	SkippedCount int
	TotalCount   int
}

// ParseSubscriber builds a Subscriber from a raw subscriber document. The
// document id doubles as the user id when the field is absent.
func ParseSubscriber(id string, data map[string]interface{}) Subscriber {
	sub := Subscriber{
		UserID:      firstString(data, "user_id"),
		MeetingID:   firstString(data, "fs_meeting_id"),
		MeetingPath: firstString(data, "meeting_path"),
		Email:       firstString(data, "email"),
		Status:      firstString(data, "status"),
		AddedVia:    firstString(data, "added_via"),
	}
	if sub.UserID == "" {
		sub.UserID = id
	}
	sub.CopiedCount = intField(data, "copied_count")
	sub.SkippedCount = intField(data, "skipped_count")
	sub.TotalCount = intField(data, "total_count")
	return sub
}

func intField(data map[string]interface{}, key string) int {
	switch n := data[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
