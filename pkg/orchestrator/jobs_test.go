package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
)

const (
	testOrg = "org-1"
	testURL = "https://teams.example.com/meet/abc"
)

func testOptions() Options {
	return Options{
		Namespace:            "bots",
		ServiceAccount:       "meeting-bot-job",
		ManagerImage:         "gcr.io/test/manager:1",
		MeetingBotImage:      "gcr.io/test/meeting-bot:1",
		GCSBucket:            "test-bucket",
		ScratchStorageClass:  "standard-rwo",
		ScratchStorageSize:   "50Gi",
		MaxRecordingDuration: 600,
		InactivityMinutes:    15,
		InactivityDelay:      5,
	}
}

func testPayload() meeting.JobPayload {
	return meeting.JobPayload{
		MeetingURL:  testURL,
		MeetingID:   meeting.SessionID(testOrg, testURL),
		OrgID:       testOrg,
		UserID:      "u1",
		FSMeetingID: "m1",
		GCSPath:     "recordings/u1/m1",
		SessionID:   meeting.SessionID(testOrg, testURL),
		BotName:     "AdviseWell",
	}
}

func activeJob(name, orgID, url string) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "bots",
			Labels: map[string]string{
				AppLabel:     AppLabelValue,
				OrgHashLabel: meeting.OrgHash(orgID),
				URLHashLabel: meeting.URLHash(url),
			},
		},
	}
}

func terminalJob(name, orgID, url string) *batchv1.Job {
	job := activeJob(name, orgID, url)
	job.Status.Conditions = []batchv1.JobCondition{
		{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
	}
	return job
}

func TestSelector(t *testing.T) {
	sel := Selector(testOrg, testURL)
	assert.Contains(t, sel, "app=meeting-bot")
	assert.Contains(t, sel, OrgHashLabel+"="+meeting.OrgHash(testOrg))
	assert.Contains(t, sel, URLHashLabel+"="+meeting.URLHash(testURL))
}

func TestJobTerminal(t *testing.T) {
	assert.False(t, JobTerminal(activeJob("j", testOrg, testURL)))
	assert.True(t, JobTerminal(terminalJob("j", testOrg, testURL)))

	failed := activeJob("j", testOrg, testURL)
	failed.Status.Conditions = []batchv1.JobCondition{
		{Type: batchv1.JobFailed, Status: corev1.ConditionTrue},
	}
	assert.True(t, JobTerminal(failed))

	// A False condition is not terminal.
	pending := activeJob("j", testOrg, testURL)
	pending.Status.Conditions = []batchv1.JobCondition{
		{Type: batchv1.JobComplete, Status: corev1.ConditionFalse},
	}
	assert.False(t, JobTerminal(pending))
}

func TestActiveBotJob(t *testing.T) {
	ctx := context.Background()

	t.Run("no jobs", func(t *testing.T) {
		l := NewLauncher(fake.NewClientset(), testOptions())
		assigned, name, err := l.ActiveBotJob(ctx, testOrg, testURL)
		require.NoError(t, err)
		assert.False(t, assigned)
		assert.Empty(t, name)
	})

	t.Run("active job found", func(t *testing.T) {
		l := NewLauncher(fake.NewClientset(activeJob("bot-1", testOrg, testURL)), testOptions())
		assigned, name, err := l.ActiveBotJob(ctx, testOrg, testURL)
		require.NoError(t, err)
		assert.True(t, assigned)
		assert.Equal(t, "bot-1", name)
	})

	t.Run("terminal job ignored", func(t *testing.T) {
		l := NewLauncher(fake.NewClientset(terminalJob("bot-1", testOrg, testURL)), testOptions())
		assigned, _, err := l.ActiveBotJob(ctx, testOrg, testURL)
		require.NoError(t, err)
		assert.False(t, assigned)
	})

	t.Run("different url not matched", func(t *testing.T) {
		l := NewLauncher(fake.NewClientset(activeJob("bot-1", testOrg, "https://teams.example.com/other")), testOptions())
		assigned, _, err := l.ActiveBotJob(ctx, testOrg, testURL)
		require.NoError(t, err)
		assert.False(t, assigned)
	})

	t.Run("legacy no-org fallback", func(t *testing.T) {
		l := NewLauncher(fake.NewClientset(activeJob("bot-legacy", "", testURL)), testOptions())
		assigned, name, err := l.ActiveBotJob(ctx, testOrg, testURL)
		require.NoError(t, err)
		assert.True(t, assigned)
		assert.Equal(t, "bot-legacy", name)
	})

	t.Run("dry run never reports assigned", func(t *testing.T) {
		opts := testOptions()
		opts.DryRun = true
		l := NewLauncher(fake.NewClientset(activeJob("bot-1", testOrg, testURL)), opts)
		assigned, _, err := l.ActiveBotJob(ctx, testOrg, testURL)
		require.NoError(t, err)
		assert.False(t, assigned)
	})
}

func TestLaunchCreatesJobWithContracts(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset()
	l := NewLauncher(clientset, testOptions())

	name, err := l.Launch(ctx, testPayload())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "meeting-bot-"))

	job, err := clientset.BatchV1().Jobs("bots").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)

	// Dedup labels.
	assert.Equal(t, AppLabelValue, job.Labels[AppLabel])
	assert.Equal(t, meeting.OrgHash(testOrg), job.Labels[OrgHashLabel])
	assert.Equal(t, meeting.URLHash(testURL), job.Labels[URLHashLabel])

	// Spec contracts: no retry, 11h cap, 1h post-completion TTL.
	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	require.NotNil(t, job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int64(39600), *job.Spec.ActiveDeadlineSeconds)
	require.NotNil(t, job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int32(3600), *job.Spec.TTLSecondsAfterFinished)

	pod := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	assert.Equal(t, "meeting-bot-job", pod.ServiceAccountName)
	require.Len(t, pod.Containers, 2)

	env := map[string]string{}
	for _, e := range pod.Containers[1].Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, testURL, env["MEETING_URL"])
	assert.Equal(t, testOrg, env["ORG_ID"])
	assert.Equal(t, "u1", env["USER_ID"])
	assert.Equal(t, "m1", env["FS_MEETING_ID"])
	assert.Equal(t, "recordings/u1/m1", env["GCS_PATH"])
	assert.Equal(t, "test-bucket", env["GCS_BUCKET"])
	assert.Equal(t, meeting.SessionID(testOrg, testURL), env["MEETING_SESSION_ID"])

	// Scratch volume exists with the Job as controlling owner.
	pvc, err := clientset.CoreV1().PersistentVolumeClaims("bots").Get(ctx, name+"-scratch", metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, pvc.OwnerReferences, 1)
	assert.Equal(t, "Job", pvc.OwnerReferences[0].Kind)
	assert.Equal(t, name, pvc.OwnerReferences[0].Name)
}

func TestLaunchAbortsWhenBotAlreadyAssigned(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset(activeJob("bot-existing", testOrg, testURL))
	l := NewLauncher(clientset, testOptions())

	name, err := l.Launch(ctx, testPayload())
	require.NoError(t, err)
	assert.Equal(t, "bot-existing", name)

	jobs, err := clientset.BatchV1().Jobs("bots").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 1, "no new job must be created when one is active")
}

func TestLaunchReplacesStalePVC(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset()
	l := NewLauncher(clientset, testOptions())

	// A leftover claim from a partial prior attempt. Launch generates a fresh
	// job name, so it is unaffected by the leftover.
	stale := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "meeting-bot-old-scratch", Namespace: "bots"},
	}
	_, err := clientset.CoreV1().PersistentVolumeClaims("bots").Create(ctx, stale, metav1.CreateOptions{})
	require.NoError(t, err)

	name, err := l.Launch(ctx, testPayload())
	require.NoError(t, err)

	_, err = clientset.CoreV1().PersistentVolumeClaims("bots").Get(ctx, name+"-scratch", metav1.GetOptions{})
	assert.NoError(t, err)

	// Ensuring a scratch volume under the leftover's name deletes it and
	// recreates it with the launcher's spec.
	require.NoError(t, l.ensureScratchPVC(ctx, stale.Name, map[string]string{AppLabel: AppLabelValue}))
	replaced, err := clientset.CoreV1().PersistentVolumeClaims("bots").Get(ctx, stale.Name, metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, replaced.Spec.StorageClassName)
	assert.Equal(t, "standard-rwo", *replaced.Spec.StorageClassName)
	assert.Equal(t, AppLabelValue, replaced.Labels[AppLabel])
}

func TestLaunchDryRun(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewClientset()
	opts := testOptions()
	opts.DryRun = true
	l := NewLauncher(clientset, opts)

	name, err := l.Launch(ctx, testPayload())
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	jobs, err := clientset.BatchV1().Jobs("bots").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs.Items)
}

func TestLaunchRejectsEmptyURL(t *testing.T) {
	l := NewLauncher(fake.NewClientset(), testOptions())
	_, err := l.Launch(context.Background(), meeting.JobPayload{})
	assert.Error(t, err)
}
