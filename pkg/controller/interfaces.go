package controller

import (
	"context"
	"time"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
	"github.com/advisewell/meeting-bot-controller/pkg/store"
)

// DocumentStore is the document-store surface the controller consumes,
// implemented by *store.Store and faked in tests.
type DocumentStore interface {
	// Leader lease.
	TryAcquireLease(ctx context.Context, instanceID string, lease time.Duration) (bool, error)

	// Discovery.
	MeetingsInWindow(ctx context.Context, from, to time.Time) ([]meeting.Record, error)
	LinkMeetingToJob(ctx context.Context, path, jobName string) error
	EnsureSessionForMeeting(ctx context.Context, rec meeting.Record) (store.EnsureResult, error)
	UserAutoJoin(ctx context.Context, userID string) (bool, error)
	GetOrgSettings(ctx context.Context, orgID string) (store.OrgSettings, error)

	// Launching.
	QueuedSessions(ctx context.Context, limit int) ([]meeting.Session, error)
	ClaimSession(ctx context.Context, orgID, sessionID, claimedBy string, ttl time.Duration) (bool, error)
	MarkSessionFailed(ctx context.Context, orgID, sessionID string) error
	Subscribers(ctx context.Context, orgID, sessionID string) ([]meeting.Subscriber, error)

	// Lifecycle.
	ActiveSessions(ctx context.Context, limit int) ([]meeting.Session, error)

	// Session fanout.
	CompletedSessionsNeedingFanout(ctx context.Context, limit int) ([]meeting.Session, error)
	AddSubscriber(ctx context.Context, orgID, sessionID string, sub meeting.Subscriber) (bool, error)
	UpdateSubscriberStatus(ctx context.Context, orgID, sessionID, userID, subStatus string) error
	RecordSubscriberCopy(ctx context.Context, orgID, sessionID, userID string, copied, skipped, total int) error
	SetSessionFanoutResult(ctx context.Context, orgID, sessionID, fanoutStatus string, report store.FanoutReport) error
	SetSessionFanoutError(ctx context.Context, orgID, sessionID string, cause error) error
	GetMeeting(ctx context.Context, path string) (meeting.Record, error)
	GetOrgMeeting(ctx context.Context, orgID, meetingID string) (meeting.Record, error)
	MeetingAttendees(ctx context.Context, orgID, meetingID string) ([]string, error)
	OrgUserIDsForAttendees(ctx context.Context, orgID string, emails []string) (map[string]string, error)
	FindMeetingForUserSession(ctx context.Context, orgID, userID, sessionID string) (meeting.Record, error)
	CreateAttendeeMeeting(ctx context.Context, orgID, sessionID, userID string, source meeting.Record) (meeting.Record, error)
	PatchMeetingArtifacts(ctx context.Context, path string, update store.PostMeetingUpdate) error

	// URL-based fanout.
	CompletedMeetingsNeedingFanout(ctx context.Context, limit int) ([]meeting.Record, error)
	SiblingMeetings(ctx context.Context, orgID, joinURL string) ([]meeting.Record, error)
	MarkMeetingFanout(ctx context.Context, path, fanoutStatus, reason string, copied, skipped int) error
	MarkSiblingCopied(ctx context.Context, path, sourceMeetingID string, update store.PostMeetingUpdate) error
}

// JobOrchestrator is the worker-Job surface the controller consumes,
// implemented by *orchestrator.Launcher.
type JobOrchestrator interface {
	// ActiveBotJob reports whether a non-terminal Job exists for the org and
	// URL, and its name when one does.
	ActiveBotJob(ctx context.Context, orgID, meetingURL string) (bool, string, error)

	// Launch creates the worker Job, re-checking the singleton invariant
	// immediately before creation.
	Launch(ctx context.Context, payload meeting.JobPayload) (string, error)
}
