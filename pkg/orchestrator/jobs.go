package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
)

// Label schema shared by Jobs and their scratch volumes. The org and URL
// hashes are the cluster-wide deduplication key.
const (
	AppLabel      = "app"
	AppLabelValue = "meeting-bot"
	OrgHashLabel  = "org_id_hash"
	URLHashLabel  = "url_hash"
)

// Job spec contracts.
const (
	jobActiveDeadlineSeconds = int64(39600) // 11h hard runtime cap
	jobTTLSecondsAfterFinish = int32(3600)
	recorderContainerName    = "meeting-bot"
	managerContainerName     = "manager"
	defaultScratchMountPath  = "/scratch"
)

// Options configures the launcher once at startup.
type Options struct {
	Namespace            string
	ServiceAccount       string
	ManagerImage         string
	MeetingBotImage      string
	GCSBucket            string
	ScratchStorageClass  string
	ScratchStorageSize   string
	MaxRecordingDuration int
	InactivityMinutes    int
	InactivityDelay      int
	DryRun               bool
}

// Launcher creates and inspects worker Jobs.
type Launcher struct {
	clientset kubernetes.Interface
	opts      Options
}

// NewLauncher wires a Launcher over an existing clientset.
func NewLauncher(clientset kubernetes.Interface, opts Options) *Launcher {
	return &Launcher{clientset: clientset, opts: opts}
}

// Selector builds the label selector that identifies bot Jobs for one
// (org, normalized URL) tuple.
func Selector(orgID, meetingURL string) string {
	return fmt.Sprintf("%s=%s,%s=%s,%s=%s",
		AppLabel, AppLabelValue,
		OrgHashLabel, meeting.SanitizeLabel(meeting.OrgHash(orgID)),
		URLHashLabel, meeting.SanitizeLabel(meeting.URLHash(meetingURL)))
}

// ActiveBotJob reports whether a non-terminal worker Job exists for the org
// and URL, and its name if so. Legacy jobs created without an org fall back
// to the "no-org" hash.
func (l *Launcher) ActiveBotJob(ctx context.Context, orgID, meetingURL string) (bool, string, error) {
	if l.opts.DryRun {
		return false, "", nil
	}

	jobs, err := l.listJobs(ctx, Selector(orgID, meetingURL))
	if err != nil {
		return false, "", err
	}
	if len(jobs) == 0 && orgID != "" {
		jobs, err = l.listJobs(ctx, Selector("", meetingURL))
		if err != nil {
			return false, "", err
		}
	}

	for i := range jobs {
		if !JobTerminal(&jobs[i]) {
			return true, jobs[i].Name, nil
		}
	}
	return false, "", nil
}

// JobsMatching lists all Jobs for a selector, terminal or not.
func (l *Launcher) JobsMatching(ctx context.Context, selector string) ([]batchv1.Job, error) {
	return l.listJobs(ctx, selector)
}

func (l *Launcher) listJobs(ctx context.Context, selector string) ([]batchv1.Job, error) {
	list, err := l.clientset.BatchV1().Jobs(l.opts.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs (%s): %w", selector, err)
	}
	return list.Items, nil
}

// JobTerminal reports whether a Job has reached Complete or Failed.
func JobTerminal(job *batchv1.Job) bool {
	for _, cond := range job.Status.Conditions {
		if (cond.Type == batchv1.JobComplete || cond.Type == batchv1.JobFailed) &&
			cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// Launch creates the worker Job for a payload: a fresh scratch volume, the
// two-container pod, and the owner-reference patch that makes the volume
// cascade with the Job. The final label-selector re-check guards the
// singleton-bot invariant against races with other controllers.
func (l *Launcher) Launch(ctx context.Context, payload meeting.JobPayload) (string, error) {
	if payload.MeetingURL == "" {
		return "", fmt.Errorf("payload missing meeting url")
	}

	jobName := "meeting-bot-" + uuid.NewString()
	labels := map[string]string{
		AppLabel:     AppLabelValue,
		OrgHashLabel: meeting.SanitizeLabel(meeting.OrgHash(payload.OrgID)),
		URLHashLabel: meeting.SanitizeLabel(meeting.URLHash(payload.MeetingURL)),
	}

	// Final singleton re-check immediately before creation. Losing this race
	// is not an error: the session stays processing and the winner's worker
	// finishes it.
	assigned, existing, err := l.ActiveBotJob(ctx, payload.OrgID, payload.MeetingURL)
	if err != nil {
		return "", err
	}
	if assigned {
		slog.Warn("DUPLICATE_PREVENTED",
			"org_id", payload.OrgID,
			"existing_job", existing,
			"url_hash", labels[URLHashLabel])
		return existing, nil
	}

	if l.opts.DryRun {
		slog.Info("DRY_RUN: would create job",
			"job_name", jobName,
			"session_id", truncate(payload.SessionID, 16),
			"gcs_path", payload.GCSPath)
		return jobName, nil
	}

	scratchName := jobName + "-scratch"
	if err := l.ensureScratchPVC(ctx, scratchName, labels); err != nil {
		return "", err
	}

	job := l.buildJob(jobName, scratchName, labels, payload)
	created, err := l.clientset.BatchV1().Jobs(l.opts.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("creating job %s: %w", jobName, err)
	}

	if err := l.adoptPVC(ctx, scratchName, created); err != nil {
		// The Job is running; a dangling PVC is recoverable, so warn only.
		slog.Warn("Failed to patch scratch volume owner reference",
			"job_name", jobName, "pvc", scratchName, "error", err)
	}

	slog.Info("BOT_JOB_CREATED",
		"job_name", jobName,
		"session_id", truncate(payload.SessionID, 16),
		"org_id", payload.OrgID,
		"user_id", payload.UserID,
		"gcs_path", payload.GCSPath)
	return jobName, nil
}

// ensureScratchPVC creates the per-job scratch volume, deleting a leftover
// claim from a prior failed attempt first.
func (l *Launcher) ensureScratchPVC(ctx context.Context, name string, labels map[string]string) error {
	pvcs := l.clientset.CoreV1().PersistentVolumeClaims(l.opts.Namespace)

	if existing, err := pvcs.Get(ctx, name, metav1.GetOptions{}); err == nil {
		slog.Warn("PVC_CLEANUP: deleting leftover scratch volume",
			"pvc", name, "phase", existing.Status.Phase)
		if err := pvcs.Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("deleting stale pvc %s: %w", name, err)
		}
		time.Sleep(time.Second)
	} else if !apierrors.IsNotFound(err) {
		return fmt.Errorf("checking pvc %s: %w", name, err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: l.opts.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			StorageClassName: ptr.To(l.opts.ScratchStorageClass),
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(l.opts.ScratchStorageSize),
				},
			},
		},
	}
	if _, err := pvcs.Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("creating pvc %s: %w", name, err)
	}
	return nil
}

// adoptPVC points the scratch volume's owner reference at the Job so deletion
// cascades when the Job is garbage collected.
func (l *Launcher) adoptPVC(ctx context.Context, pvcName string, job *batchv1.Job) error {
	patch := map[string]interface{}{
		"metadata": map[string]interface{}{
			"ownerReferences": []metav1.OwnerReference{{
				APIVersion:         "batch/v1",
				Kind:               "Job",
				Name:               job.Name,
				UID:                job.UID,
				Controller:         ptr.To(true),
				BlockOwnerDeletion: ptr.To(true),
			}},
		},
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = l.clientset.CoreV1().PersistentVolumeClaims(l.opts.Namespace).
		Patch(ctx, pvcName, types.MergePatchType, data, metav1.PatchOptions{})
	return err
}

func (l *Launcher) buildJob(jobName, scratchName string, labels map[string]string, payload meeting.JobPayload) *batchv1.Job {
	env := l.managerEnv(payload)

	recorder := corev1.Container{
		Name:            recorderContainerName,
		Image:           l.opts.MeetingBotImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Env: []corev1.EnvVar{
			{Name: "PORT", Value: "3000"},
			{Name: "TMPDIR", Value: defaultScratchMountPath + "/tmp"},
			{Name: "TEMPVIDEO_DIR", Value: defaultScratchMountPath + "/tempvideo"},
			{Name: "MAX_RECORDING_DURATION_MINUTES", Value: strconv.Itoa(l.opts.MaxRecordingDuration)},
			{Name: "MEETING_INACTIVITY_MINUTES", Value: strconv.Itoa(l.opts.InactivityMinutes)},
			{Name: "INACTIVITY_DETECTION_START_DELAY_MINUTES", Value: strconv.Itoa(l.opts.InactivityDelay)},
			{Name: "GCP_MISC_BUCKET", Value: l.opts.GCSBucket},
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "scratch", MountPath: defaultScratchMountPath},
			{Name: "dshm", MountPath: "/dev/shm"},
			{Name: "tmp", MountPath: "/tmp"},
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:              resource.MustParse("3000m"),
				corev1.ResourceMemory:           resource.MustParse("2Gi"),
				corev1.ResourceEphemeralStorage: resource.MustParse("8Gi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:              resource.MustParse("4000m"),
				corev1.ResourceMemory:           resource.MustParse("3Gi"),
				corev1.ResourceEphemeralStorage: resource.MustParse("8Gi"),
			},
		},
	}

	manager := corev1.Container{
		Name:            managerContainerName,
		Image:           l.opts.ManagerImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Env: append(env,
			corev1.EnvVar{Name: "MEETING_BOT_API_URL", Value: "http://localhost:3000"},
			corev1.EnvVar{Name: "TMPDIR", Value: defaultScratchMountPath + "/tmp"},
		),
		VolumeMounts: []corev1.VolumeMount{
			{Name: "recordings", MountPath: "/recordings"},
			{Name: "scratch", MountPath: defaultScratchMountPath},
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:              resource.MustParse("2500m"),
				corev1.ResourceMemory:           resource.MustParse("4Gi"),
				corev1.ResourceEphemeralStorage: resource.MustParse("2Gi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:              resource.MustParse("3750m"),
				corev1.ResourceMemory:           resource.MustParse("8Gi"),
				corev1.ResourceEphemeralStorage: resource.MustParse("2Gi"),
			},
		},
	}

	initScratch := corev1.Container{
		Name:    "init-scratch-dirs",
		Image:   "busybox:1.36",
		Command: []string{"sh", "-c", "mkdir -p /scratch/tmp /scratch/tempvideo && chmod 1777 /scratch/tmp && chmod 0777 /scratch/tempvideo"},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "scratch", MountPath: defaultScratchMountPath},
		},
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: l.opts.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To(int32(0)),
			ActiveDeadlineSeconds:   ptr.To(jobActiveDeadlineSeconds),
			TTLSecondsAfterFinished: ptr.To(jobTTLSecondsAfterFinish),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
					Annotations: map[string]string{
						"cluster-autoscaler.kubernetes.io/safe-to-evict": "false",
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: l.opts.ServiceAccount,
					InitContainers:     []corev1.Container{initScratch},
					Containers:         []corev1.Container{recorder, manager},
					SecurityContext: &corev1.PodSecurityContext{
						RunAsUser:  ptr.To(int64(1001)),
						RunAsGroup: ptr.To(int64(1001)),
						FSGroup:    ptr.To(int64(1001)),
					},
					Volumes: []corev1.Volume{
						{
							Name: "recordings",
							VolumeSource: corev1.VolumeSource{
								EmptyDir: &corev1.EmptyDirVolumeSource{},
							},
						},
						{
							Name: "scratch",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: scratchName,
								},
							},
						},
						{
							Name: "dshm",
							VolumeSource: corev1.VolumeSource{
								EmptyDir: &corev1.EmptyDirVolumeSource{
									Medium:    corev1.StorageMediumMemory,
									SizeLimit: ptr.To(resource.MustParse("2Gi")),
								},
							},
						},
						{
							Name: "tmp",
							VolumeSource: corev1.VolumeSource{
								EmptyDir: &corev1.EmptyDirVolumeSource{},
							},
						},
					},
				},
			},
		},
	}
}

// managerEnv serializes the payload into the env contract the worker reads.
func (l *Launcher) managerEnv(payload meeting.JobPayload) []corev1.EnvVar {
	env := []corev1.EnvVar{
		{Name: "MEETING_URL", Value: payload.MeetingURL},
		{Name: "MEETING_ID", Value: payload.MeetingID},
		{Name: "ORG_ID", Value: payload.OrgID},
		{Name: "TEAM_ID", Value: payload.OrgID},
		{Name: "USER_ID", Value: payload.UserID},
		{Name: "FS_MEETING_ID", Value: payload.FSMeetingID},
		{Name: "GCS_PATH", Value: payload.GCSPath},
		{Name: "GCS_BUCKET", Value: l.opts.GCSBucket},
		{Name: "MEETING_SESSION_ID", Value: payload.SessionID},
		{Name: "MEETING_BOT_IMAGE", Value: l.opts.MeetingBotImage},
		{Name: "MEETING_BOT_NAME", Value: payload.BotName},
		{Name: "MAX_RECORDING_DURATION_MINUTES", Value: strconv.Itoa(l.opts.MaxRecordingDuration)},
		{Name: "MEETING_INACTIVITY_MINUTES", Value: strconv.Itoa(l.opts.InactivityMinutes)},
		{Name: "INACTIVITY_DETECTION_START_DELAY_MINUTES", Value: strconv.Itoa(l.opts.InactivityDelay)},
	}
	if payload.Title != "" {
		env = append(env, corev1.EnvVar{Name: "MEETING_TITLE", Value: payload.Title})
	}
	if payload.Organizer != "" {
		env = append(env, corev1.EnvVar{Name: "MEETING_ORGANIZER", Value: payload.Organizer})
	}
	if payload.StartTime != "" {
		env = append(env, corev1.EnvVar{Name: "MEETING_START_TIME", Value: payload.StartTime})
	}
	if payload.Timezone != "" {
		env = append(env, corev1.EnvVar{Name: "MEETING_TIMEZONE", Value: payload.Timezone})
	}
	if payload.InitiatedAt != "" {
		env = append(env, corev1.EnvVar{Name: "INITIATED_AT", Value: payload.InitiatedAt})
	}
	for k, v := range payload.Extra {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	return env
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
