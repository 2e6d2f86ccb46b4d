package meeting

// JobPayload carries everything a worker Job needs to join, record, and
// persist one meeting. Built from a claimed session or an ad-hoc ingest
// message; serialized into the Job's environment.
type JobPayload struct {
	MeetingURL  string
	MeetingID   string
	OrgID       string
	UserID      string
	FSMeetingID string
	GCSPath     string
	SessionID   string
	BotName     string
	Title       string
	Timezone    string
	StartTime   string
	Organizer   string
	InitiatedAt string
	AutoJoined  bool

	// Extra holds additional environment variables copied verbatim into the
	// manager container. ParseJobPayload does not populate it.
	Extra map[string]string
}

// ParseJobPayload resolves a free-form message (ad-hoc ingest) into a typed
// payload. Producers disagree on key casing; every known alias is checked.
func ParseJobPayload(data map[string]interface{}) JobPayload {
	p := JobPayload{
		MeetingURL:  firstString(data, "meeting_url", "meetingUrl", "MEETING_URL", "join_url"),
		MeetingID:   firstString(data, "meeting_id", "meetingId", "MEETING_ID"),
		OrgID:       firstString(data, "org_id", "organization_id", "team_id", "teamId", "ORG_ID"),
		UserID:      firstString(data, "user_id", "userId", "USER_ID", "fs_user_id", "FS_USER_ID", "creator_user_id", "user_doc_id"),
		FSMeetingID: firstString(data, "fs_meeting_id", "FS_MEETING_ID", "meeting_doc_id"),
		SessionID:   firstString(data, "meeting_session_id", "session_id"),
		BotName:     firstString(data, "name", "bot_name"),
		Title:       firstString(data, "meeting_title", "title", "subject"),
		Timezone:    firstString(data, "timezone"),
		StartTime:   firstString(data, "start_time"),
		Organizer:   firstString(data, "organizer"),
		InitiatedAt: firstString(data, "initiated_at"),
	}
	if b, ok := data["auto_joined"].(bool); ok {
		p.AutoJoined = b
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	return p
}
