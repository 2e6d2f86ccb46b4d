package meeting

import (
	"strings"
	"time"
)

// Meeting status values written by the calendar sync and the controller.
const (
	MeetingStatusScheduled  = "scheduled"
	MeetingStatusQueued     = "queued"
	MeetingStatusProcessing = "processing"
	MeetingStatusComplete   = "complete"
	MeetingStatusFailed     = "failed"
	MeetingStatusCancelled  = "cancelled"
	MeetingStatusMerged     = "merged"
)

// Session status values. Terminal states may be re-queued for a recurring
// occurrence; discovery never changes the status of an active session.
const (
	SessionQueued     = "queued"
	SessionClaimed    = "claimed"
	SessionProcessing = "processing"
	SessionComplete   = "complete"
	SessionFailed     = "failed"
)

// Subscriber copy states and provenance tags.
const (
	SubscriberRequested = "requested"
	SubscriberCopied    = "copied"
	SubscriberComplete  = "complete"

	AddedViaDirect         = "direct"
	AddedViaMerge          = "merge_consolidation"
	AddedViaAttendeeFanout = "attendee_fanout"
)

// Fanout outcome values stored on sessions and meetings.
const (
	FanoutComplete = "complete"
	FanoutPartial  = "partial"
	FanoutFailed   = "failed"
	FanoutSkipped  = "skipped"
	FanoutCopied   = "copied"
)

// terminalSessionStates are the states a new discovery of the same URL
// re-queues from. "cancelled" and "error" appear in legacy documents.
var terminalSessionStates = map[string]bool{
	SessionComplete: true,
	SessionFailed:   true,
	"cancelled":     true,
	"error":         true,
}

// IsTerminalSessionStatus reports whether a session status permits re-queueing.
func IsTerminalSessionStatus(status string) bool {
	return terminalSessionStates[status]
}

// Record is the typed view of a meeting document. Calendar-sync producers
// disagree on field names and value shapes; ParseRecord resolves every known
// alias once at the store boundary so nothing downstream touches raw maps.
type Record struct {
	ID             string
	Path           string
	OrgID          string
	UserID         string
	JoinURL        string
	Title          string
	Status         string
	Start          time.Time
	End            time.Time
	Attendees      []string
	SessionID      string
	SessionStatus  string
	BotStatus      string
	BotJobName     string
	FanoutStatus   string
	AIEnabled      bool
	Transcription  string
	RecordingURL   string
	Artifacts      map[string]string
	Platform       string
	Timezone       string
	CreatedFrom    string
	SyncedByUserID string
}

// ParseRecord builds a Record from a raw document payload. id and path
// identify the backing document.
func ParseRecord(id, path string, data map[string]interface{}) Record {
	r := Record{
		ID:   id,
		Path: path,
	}
	r.JoinURL = firstString(data, "join_url", "meeting_url", "meetingUrl", "teams_url")
	r.OrgID = firstString(data, "organization_id", "organizationId", "team_id", "teamId")
	r.UserID = firstString(data, "user_id", "userId", "synced_by_user_id", "created_by")
	r.SyncedByUserID = firstString(data, "synced_by_user_id", "user_id")
	r.Title = firstString(data, "title", "subject")
	r.Status = firstString(data, "status")
	r.SessionID = firstString(data, "session_id", "meeting_session_id")
	r.SessionStatus = firstString(data, "session_status")
	r.BotStatus = firstString(data, "bot_status")
	r.BotJobName = firstString(data, "bot_job_name")
	r.FanoutStatus = firstString(data, "fanout_status")
	r.Transcription = firstString(data, "transcription")
	r.RecordingURL = firstString(data, "recording_url")
	r.Platform = firstString(data, "platform")
	r.Timezone = firstString(data, "timezone")
	r.CreatedFrom = firstString(data, "created_from_meeting")
	if b, ok := data["ai_assistant_enabled"].(bool); ok {
		r.AIEnabled = b
	}
	if t, ok := ParseEventTime(data["start"]); ok {
		r.Start = t
	}
	if t, ok := ParseEventTime(data["end"]); ok {
		r.End = t
	}
	r.Attendees = parseAttendees(data["attendees"])
	r.Artifacts = ParseArtifacts(data["artifacts"])
	return r
}

// ParseEventTime normalizes a start/end value that may be a native timestamp
// or an ISO-8601 string. Calendar sync systems write either shape.
func ParseEventTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		// Both "Z" and "+00:00" suffixes occur in the wild.
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			return parsed.UTC(), true
		}
		if parsed, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
			return parsed.UTC(), true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// ParseArtifacts coerces the artifacts field into a string→path map.
func ParseArtifacts(v interface{}) map[string]string {
	raw, ok := v.(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// parseAttendees accepts both plain email strings and {email: ...} maps.
func parseAttendees(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var emails []string
	for _, item := range list {
		switch a := item.(type) {
		case string:
			if e := strings.ToLower(strings.TrimSpace(a)); e != "" {
				emails = append(emails, e)
			}
		case map[string]interface{}:
			if e, ok := a["email"].(string); ok {
				if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
					emails = append(emails, e)
				}
			}
		}
	}
	return emails
}

func firstString(data map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}
