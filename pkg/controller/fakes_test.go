package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/advisewell/meeting-bot-controller/pkg/config"
	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
	"github.com/advisewell/meeting-bot-controller/pkg/store"
)

// fakeSession pairs a session with its ordered subscriber list.
type fakeSession struct {
	sess meeting.Session
	subs []meeting.Subscriber
}

// fakeDocs is an in-memory DocumentStore.
type fakeDocs struct {
	mu sync.Mutex

	leaseGranted bool
	leaseErr     error

	windowRecords []meeting.Record
	meetings      map[string]*meeting.Record // keyed by path
	sessions      map[string]*fakeSession    // keyed by org/sessionID

	autoJoinUsers map[string]bool
	orgSettings   map[string]store.OrgSettings
	emailToUser   map[string]string
	orgMembers    map[string]bool

	// Recorded effects.
	ensureCalls    []string
	linked         map[string]string
	failedSessions []string
	fanoutResults  map[string]string
	fanoutReports  map[string]store.FanoutReport
	fanoutErrors   map[string]string
	meetingFanout  map[string]string
	mutations      int
	generated      int
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		leaseGranted:  true,
		meetings:      map[string]*meeting.Record{},
		sessions:      map[string]*fakeSession{},
		autoJoinUsers: map[string]bool{},
		orgSettings:   map[string]store.OrgSettings{},
		emailToUser:   map[string]string{},
		orgMembers:    map[string]bool{},
		linked:        map[string]string{},
		fanoutResults: map[string]string{},
		fanoutReports: map[string]store.FanoutReport{},
		fanoutErrors:  map[string]string{},
		meetingFanout: map[string]string{},
	}
}

func (f *fakeDocs) addMeeting(rec meeting.Record) {
	f.meetings[rec.Path] = &rec
}

func (f *fakeDocs) addSession(sess meeting.Session, subs ...meeting.Subscriber) {
	f.sessions[sess.OrgID+"/"+sess.ID] = &fakeSession{sess: sess, subs: subs}
}

func (f *fakeDocs) session(orgID, sessionID string) *fakeSession {
	return f.sessions[orgID+"/"+sessionID]
}

func (f *fakeDocs) TryAcquireLease(ctx context.Context, instanceID string, lease time.Duration) (bool, error) {
	return f.leaseGranted, f.leaseErr
}

func (f *fakeDocs) MeetingsInWindow(ctx context.Context, from, to time.Time) ([]meeting.Record, error) {
	return f.windowRecords, nil
}

func (f *fakeDocs) LinkMeetingToJob(ctx context.Context, path, jobName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linked[path] = jobName
	f.mutations++
	return nil
}

func (f *fakeDocs) EnsureSessionForMeeting(ctx context.Context, rec meeting.Record) (store.EnsureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.JoinURL == "" || rec.OrgID == "" || rec.UserID == "" {
		return store.EnsureResult{}, fmt.Errorf("%w: join_url, org and user are required", store.ErrMissingField)
	}
	sessionID := meeting.SessionID(rec.OrgID, rec.JoinURL)
	f.ensureCalls = append(f.ensureCalls, sessionID)
	f.mutations++

	key := rec.OrgID + "/" + sessionID
	fs, ok := f.sessions[key]
	result := store.EnsureResult{SessionID: sessionID}
	if !ok {
		result.Created = true
		f.sessions[key] = &fakeSession{
			sess: meeting.Session{
				ID:         sessionID,
				OrgID:      rec.OrgID,
				MeetingURL: rec.JoinURL,
				Status:     meeting.SessionQueued,
			},
			subs: []meeting.Subscriber{{
				UserID:      rec.UserID,
				MeetingID:   rec.ID,
				MeetingPath: rec.Path,
				Status:      meeting.SubscriberRequested,
				AddedVia:    meeting.AddedViaDirect,
			}},
		}
	} else if meeting.IsTerminalSessionStatus(fs.sess.Status) {
		result.Requeued = true
		fs.sess.PreviousStatus = fs.sess.Status
		fs.sess.Status = meeting.SessionQueued
	}
	if m, ok := f.meetings[rec.Path]; ok {
		m.SessionID = sessionID
		m.SessionStatus = meeting.SessionQueued
	}
	return result, nil
}

func (f *fakeDocs) UserAutoJoin(ctx context.Context, userID string) (bool, error) {
	return f.autoJoinUsers[userID], nil
}

func (f *fakeDocs) GetOrgSettings(ctx context.Context, orgID string) (store.OrgSettings, error) {
	return f.orgSettings[orgID], nil
}

func (f *fakeDocs) QueuedSessions(ctx context.Context, limit int) ([]meeting.Session, error) {
	return f.sessionsByStatus(limit, meeting.SessionQueued), nil
}

func (f *fakeDocs) ActiveSessions(ctx context.Context, limit int) ([]meeting.Session, error) {
	return f.sessionsByStatus(limit, meeting.SessionClaimed, meeting.SessionProcessing), nil
}

func (f *fakeDocs) sessionsByStatus(limit int, statuses ...string) []meeting.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []meeting.Session
	for _, k := range keys {
		fs := f.sessions[k]
		for _, status := range statuses {
			if fs.sess.Status == status {
				out = append(out, fs.sess)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (f *fakeDocs) ClaimSession(ctx context.Context, orgID, sessionID, claimedBy string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs, ok := f.sessions[orgID+"/"+sessionID]
	if !ok || fs.sess.Status != meeting.SessionQueued {
		return false, nil
	}
	now := time.Now().UTC()
	if !fs.sess.ClaimExpiresAt.IsZero() && fs.sess.ClaimExpiresAt.After(now) {
		return false, nil
	}
	fs.sess.Status = meeting.SessionProcessing
	fs.sess.ClaimedBy = claimedBy
	fs.sess.ClaimedAt = now
	fs.sess.ClaimExpiresAt = now.Add(ttl)
	f.mutations++
	return true, nil
}

func (f *fakeDocs) MarkSessionFailed(ctx context.Context, orgID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fs, ok := f.sessions[orgID+"/"+sessionID]; ok {
		fs.sess.Status = meeting.SessionFailed
	}
	f.failedSessions = append(f.failedSessions, sessionID)
	f.mutations++
	return nil
}

func (f *fakeDocs) Subscribers(ctx context.Context, orgID, sessionID string) ([]meeting.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs, ok := f.sessions[orgID+"/"+sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]meeting.Subscriber, len(fs.subs))
	copy(out, fs.subs)
	return out, nil
}

func (f *fakeDocs) CompletedSessionsNeedingFanout(ctx context.Context, limit int) ([]meeting.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []meeting.Session
	for _, fs := range f.sessions {
		if fs.sess.Status == meeting.SessionComplete && fs.sess.FanoutStatus != meeting.FanoutComplete {
			out = append(out, fs.sess)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeDocs) AddSubscriber(ctx context.Context, orgID, sessionID string, sub meeting.Subscriber) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs, ok := f.sessions[orgID+"/"+sessionID]
	if !ok {
		return false, errors.New("session not found")
	}
	for _, existing := range fs.subs {
		if existing.UserID == sub.UserID {
			return false, nil
		}
	}
	sub.Status = meeting.SubscriberRequested
	fs.subs = append(fs.subs, sub)
	f.mutations++
	return true, nil
}

func (f *fakeDocs) UpdateSubscriberStatus(ctx context.Context, orgID, sessionID, userID, subStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fs, ok := f.sessions[orgID+"/"+sessionID]; ok {
		for i := range fs.subs {
			if fs.subs[i].UserID == userID {
				fs.subs[i].Status = subStatus
			}
		}
	}
	f.mutations++
	return nil
}

func (f *fakeDocs) RecordSubscriberCopy(ctx context.Context, orgID, sessionID, userID string, copied, skipped, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fs, ok := f.sessions[orgID+"/"+sessionID]; ok {
		for i := range fs.subs {
			if fs.subs[i].UserID == userID {
				fs.subs[i].Status = meeting.SubscriberCopied
				fs.subs[i].CopiedCount = copied
				fs.subs[i].SkippedCount = skipped
				fs.subs[i].TotalCount = total
			}
		}
	}
	f.mutations++
	return nil
}

func (f *fakeDocs) SetSessionFanoutResult(ctx context.Context, orgID, sessionID, fanoutStatus string, report store.FanoutReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fanoutResults[orgID+"/"+sessionID] = fanoutStatus
	f.fanoutReports[orgID+"/"+sessionID] = report
	if fs, ok := f.sessions[orgID+"/"+sessionID]; ok {
		fs.sess.FanoutStatus = fanoutStatus
	}
	f.mutations++
	return nil
}

func (f *fakeDocs) SetSessionFanoutError(ctx context.Context, orgID, sessionID string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fanoutErrors[orgID+"/"+sessionID] = cause.Error()
	f.mutations++
	return nil
}

func (f *fakeDocs) GetMeeting(ctx context.Context, path string) (meeting.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.meetings[path]; ok {
		return *rec, nil
	}
	return meeting.Record{}, store.ErrNotFound
}

func (f *fakeDocs) GetOrgMeeting(ctx context.Context, orgID, meetingID string) (meeting.Record, error) {
	return f.GetMeeting(ctx, "organizations/"+orgID+"/meetings/"+meetingID)
}

func (f *fakeDocs) MeetingAttendees(ctx context.Context, orgID, meetingID string) ([]string, error) {
	rec, err := f.GetOrgMeeting(ctx, orgID, meetingID)
	if err != nil {
		return nil, err
	}
	return rec.Attendees, nil
}

func (f *fakeDocs) OrgUserIDsForAttendees(ctx context.Context, orgID string, emails []string) (map[string]string, error) {
	out := map[string]string{}
	for _, email := range emails {
		if userID, ok := f.emailToUser[email]; ok && f.orgMembers[userID] {
			out[email] = userID
		}
	}
	return out, nil
}

func (f *fakeDocs) FindMeetingForUserSession(ctx context.Context, orgID, userID, sessionID string) (meeting.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.meetings {
		if rec.OrgID == orgID && rec.UserID == userID && rec.SessionID == sessionID {
			return *rec, nil
		}
	}
	return meeting.Record{}, store.ErrNotFound
}

func (f *fakeDocs) CreateAttendeeMeeting(ctx context.Context, orgID, sessionID, userID string, source meeting.Record) (meeting.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated++
	id := fmt.Sprintf("generated-%d", f.generated)
	rec := meeting.Record{
		ID:        id,
		Path:      "organizations/" + orgID + "/meetings/" + id,
		OrgID:     orgID,
		UserID:    userID,
		JoinURL:   source.JoinURL,
		SessionID: sessionID,
		Status:    meeting.MeetingStatusComplete,
	}
	f.meetings[rec.Path] = &rec
	f.mutations++
	return rec, nil
}

func (f *fakeDocs) PatchMeetingArtifacts(ctx context.Context, path string, update store.PostMeetingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.meetings[path]
	if !ok {
		return store.ErrNotFound
	}
	if update.RecordingURL != "" {
		rec.RecordingURL = update.RecordingURL
	}
	if update.Transcription != "" {
		rec.Transcription = update.Transcription
	}
	if len(update.Artifacts) > 0 {
		rec.Artifacts = update.Artifacts
	}
	f.mutations++
	return nil
}

func (f *fakeDocs) CompletedMeetingsNeedingFanout(ctx context.Context, limit int) ([]meeting.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for path := range f.meetings {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var out []meeting.Record
	for _, path := range paths {
		rec := f.meetings[path]
		if rec.BotStatus == meeting.SessionComplete && rec.FanoutStatus != meeting.FanoutComplete {
			out = append(out, *rec)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeDocs) SiblingMeetings(ctx context.Context, orgID, joinURL string) ([]meeting.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []meeting.Record
	for _, rec := range f.meetings {
		if rec.OrgID == orgID && rec.JoinURL == joinURL {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDocs) MarkMeetingFanout(ctx context.Context, path, fanoutStatus, reason string, copied, skipped int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetingFanout[path] = fanoutStatus
	if rec, ok := f.meetings[path]; ok {
		rec.FanoutStatus = fanoutStatus
	}
	f.mutations++
	return nil
}

func (f *fakeDocs) MarkSiblingCopied(ctx context.Context, path, sourceMeetingID string, update store.PostMeetingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.meetings[path]
	if !ok {
		return store.ErrNotFound
	}
	rec.FanoutStatus = meeting.FanoutCopied
	if update.Transcription != "" {
		rec.Transcription = update.Transcription
	}
	if len(update.Artifacts) > 0 {
		rec.Artifacts = update.Artifacts
	}
	if update.RecordingURL != "" {
		rec.RecordingURL = update.RecordingURL
	}
	f.mutations++
	return nil
}

// fakeBlobs is an in-memory BlobStore.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string]string
	copies  int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string]string{}}
}

func (f *fakeBlobs) put(name, content string) {
	f.objects[name] = content
}

func (f *fakeBlobs) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeBlobs) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[name]
	return ok, nil
}

func (f *fakeBlobs) Copy(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.objects[src]
	if !ok {
		return fmt.Errorf("source %s does not exist", src)
	}
	f.objects[dst] = content
	f.copies++
	return nil
}

func (f *fakeBlobs) ReadText(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.objects[name]
	if !ok {
		return "", fmt.Errorf("object %s does not exist", name)
	}
	return content, nil
}

// fakeJobs is an in-memory JobOrchestrator.
type fakeJobs struct {
	mu        sync.Mutex
	active    map[string]string // org|url-hash → job name
	launched  []meeting.JobPayload
	launchErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{active: map[string]string{}}
}

func jobKey(orgID, url string) string {
	return meeting.OrgHash(orgID) + "|" + meeting.URLHash(url)
}

func (f *fakeJobs) setActive(orgID, url, jobName string) {
	f.active[jobKey(orgID, url)] = jobName
}

func (f *fakeJobs) ActiveBotJob(ctx context.Context, orgID, meetingURL string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.active[jobKey(orgID, meetingURL)]; ok {
		return true, name, nil
	}
	return false, "", nil
}

func (f *fakeJobs) Launch(ctx context.Context, payload meeting.JobPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return "", f.launchErr
	}
	f.launched = append(f.launched, payload)
	name := fmt.Sprintf("meeting-bot-test-%d", len(f.launched))
	f.active[jobKey(payload.OrgID, payload.MeetingURL)] = name
	return name, nil
}

func testConfig() config.Config {
	return config.Config{
		ProjectID:              "test-project",
		GCSBucket:              "test-bucket",
		FirestoreDatabase:      "(default)",
		ManagerImage:           "gcr.io/test/manager:1",
		MeetingBotImage:        "gcr.io/test/meeting-bot:1",
		PollInterval:           10 * time.Second,
		ClaimTTL:               10 * time.Minute,
		MaxClaimPerPoll:        10,
		DiscoveryLead:          7*time.Minute + 30*time.Second,
		DiscoveryWindow:        time.Minute,
		ControllerID:           "ctrl-test",
		LeaderLease:            30 * time.Second,
		Namespace:              "bots",
		JobServiceAccount:      "meeting-bot-job",
		MeetingsCollectionPath: "meetings",
		MeetingsQueryMode:      config.QueryModeCollection,
		MeetingStatusValues:    []string{"scheduled"},
		AllowedMeetingDomains:  []string{"teams.example.com", "meet.example.com"},
	}
}

func newTestController() (*Controller, *fakeDocs, *fakeBlobs, *fakeJobs) {
	docs := newFakeDocs()
	blobs := newFakeBlobs()
	jobs := newFakeJobs()
	return New(testConfig(), docs, blobs, jobs), docs, blobs, jobs
}
