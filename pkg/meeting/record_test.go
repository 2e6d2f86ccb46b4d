package meeting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecordAliasResolution(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]interface{}
		wantURL string
		wantOrg string
		wantUsr string
	}{
		{
			name: "snake_case fields",
			data: map[string]interface{}{
				"join_url":        "https://teams.example.com/a",
				"organization_id": "org1",
				"user_id":         "u1",
			},
			wantURL: "https://teams.example.com/a",
			wantOrg: "org1",
			wantUsr: "u1",
		},
		{
			name: "camelCase fields",
			data: map[string]interface{}{
				"meetingUrl":     "https://teams.example.com/b",
				"organizationId": "org2",
				"userId":         "u2",
			},
			wantURL: "https://teams.example.com/b",
			wantOrg: "org2",
			wantUsr: "u2",
		},
		{
			name: "legacy team and creator fields",
			data: map[string]interface{}{
				"meeting_url": "https://teams.example.com/c",
				"teamId":      "org3",
				"created_by":  "u3",
			},
			wantURL: "https://teams.example.com/c",
			wantOrg: "org3",
			wantUsr: "u3",
		},
		{
			name: "first alias wins",
			data: map[string]interface{}{
				"join_url":    "https://teams.example.com/primary",
				"meeting_url": "https://teams.example.com/secondary",
			},
			wantURL: "https://teams.example.com/primary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ParseRecord("m1", "organizations/o/meetings/m1", tt.data)
			assert.Equal(t, tt.wantURL, rec.JoinURL)
			assert.Equal(t, tt.wantOrg, rec.OrgID)
			assert.Equal(t, tt.wantUsr, rec.UserID)
		})
	}
}

func TestParseRecordFields(t *testing.T) {
	start := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	rec := ParseRecord("m1", "organizations/o/meetings/m1", map[string]interface{}{
		"join_url":             "https://teams.example.com/a",
		"status":               "scheduled",
		"start":                start,
		"end":                  start.Add(time.Hour),
		"ai_assistant_enabled": true,
		"session_id":           "abc123",
		"bot_status":           "complete",
		"fanout_status":        "partial",
		"transcription":        "hello",
		"artifacts": map[string]interface{}{
			"recording": "recordings/u1/m1/recording.webm",
			"junk":      42,
		},
		"attendees": []interface{}{
			"A@Example.com ",
			map[string]interface{}{"email": "b@example.com"},
			map[string]interface{}{"name": "no email"},
		},
	})

	assert.Equal(t, "m1", rec.ID)
	assert.Equal(t, "scheduled", rec.Status)
	assert.True(t, rec.AIEnabled)
	assert.Equal(t, "abc123", rec.SessionID)
	assert.Equal(t, "complete", rec.BotStatus)
	assert.Equal(t, "partial", rec.FanoutStatus)
	assert.Equal(t, start, rec.Start)
	assert.Equal(t, start.Add(time.Hour), rec.End)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, rec.Attendees)
	assert.Equal(t, map[string]string{"recording": "recordings/u1/m1/recording.webm"}, rec.Artifacts)
}

func TestParseEventTime(t *testing.T) {
	utc := time.Date(2026, 1, 12, 22, 15, 0, 0, time.UTC)

	t.Run("native timestamp", func(t *testing.T) {
		got, ok := ParseEventTime(utc)
		require.True(t, ok)
		assert.Equal(t, utc, got)
	})

	t.Run("iso string with offset", func(t *testing.T) {
		got, ok := ParseEventTime("2026-01-12T22:15:00+00:00")
		require.True(t, ok)
		assert.Equal(t, utc, got)
	})

	t.Run("iso string with Z", func(t *testing.T) {
		got, ok := ParseEventTime("2026-01-12T22:15:00Z")
		require.True(t, ok)
		assert.Equal(t, utc, got)
	})

	t.Run("naive string treated as utc", func(t *testing.T) {
		got, ok := ParseEventTime("2026-01-12T22:15:00")
		require.True(t, ok)
		assert.Equal(t, utc, got)
	})

	t.Run("garbage", func(t *testing.T) {
		_, ok := ParseEventTime("next tuesday")
		assert.False(t, ok)
	})

	t.Run("nil", func(t *testing.T) {
		_, ok := ParseEventTime(nil)
		assert.False(t, ok)
	})
}

func TestIsTerminalSessionStatus(t *testing.T) {
	for _, s := range []string{SessionComplete, SessionFailed, "cancelled", "error"} {
		assert.True(t, IsTerminalSessionStatus(s), s)
	}
	for _, s := range []string{SessionQueued, SessionClaimed, SessionProcessing, ""} {
		assert.False(t, IsTerminalSessionStatus(s), s)
	}
}

func TestParseSubscriber(t *testing.T) {
	sub := ParseSubscriber("u1", map[string]interface{}{
		"fs_meeting_id": "m1",
		"meeting_path":  "organizations/o/meetings/m1",
		"status":        "requested",
		"added_via":     "attendee_fanout",
		"copied_count":  int64(3),
	})
	assert.Equal(t, "u1", sub.UserID) // falls back to doc id
	assert.Equal(t, "m1", sub.MeetingID)
	assert.Equal(t, AddedViaAttendeeFanout, sub.AddedVia)
	assert.Equal(t, 3, sub.CopiedCount)
}

func TestParseSession(t *testing.T) {
	claimed := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	sess := ParseSession("s1", map[string]interface{}{
		"org_id":           "orgA",
		"meeting_url":      "https://teams.example.com/x",
		"status":           "processing",
		"previous_status":  "complete",
		"claimed_by":       "ctrl-1",
		"claimed_at":       claimed,
		"claim_expires_at": claimed.Add(10 * time.Minute),
	})
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, "orgA", sess.OrgID)
	assert.Equal(t, SessionProcessing, sess.Status)
	assert.Equal(t, SessionComplete, sess.PreviousStatus)
	assert.Equal(t, "ctrl-1", sess.ClaimedBy)
	assert.Equal(t, claimed.Add(10*time.Minute), sess.ClaimExpiresAt)
}

func TestParseJobPayload(t *testing.T) {
	p := ParseJobPayload(map[string]interface{}{
		"meeting_url":   "https://teams.example.com/x",
		"teamId":        "orgA",
		"USER_ID":       "u1",
		"FS_MEETING_ID": "m1",
		"session_id":    "s1",
		"auto_joined":   true,
	})
	assert.Equal(t, "https://teams.example.com/x", p.MeetingURL)
	assert.Equal(t, "orgA", p.OrgID)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "m1", p.FSMeetingID)
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, "UTC", p.Timezone)
	assert.True(t, p.AutoJoined)
}
