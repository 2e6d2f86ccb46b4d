// Package config loads and validates the controller configuration from
// environment variables. Values are read once at startup; changing them
// requires a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// QueryMode selects how the meetings collection is addressed.
const (
	QueryModeCollection      = "collection"
	QueryModeCollectionGroup = "collection_group"
)

// Config holds every tunable the controller reads at startup.
type Config struct {
	// GCP wiring.
	ProjectID         string
	GCSBucket         string
	FirestoreDatabase string

	// Worker images.
	ManagerImage    string
	MeetingBotImage string

	// Scheduling.
	PollInterval    time.Duration
	ClaimTTL        time.Duration
	MaxClaimPerPoll int
	DiscoveryLead   time.Duration
	DiscoveryWindow time.Duration

	// Leader election.
	ControllerID       string
	LeaderLease        time.Duration
	SkipLeaderElection bool

	// Kubernetes.
	Namespace           string
	JobServiceAccount   string
	ScratchStorageClass string
	ScratchStorageSize  string

	// Meeting discovery.
	MeetingsCollectionPath string
	MeetingsQueryMode      string
	MeetingStatusValues    []string
	AllowedMeetingDomains  []string

	// Ad-hoc ingest. Empty disables the Pub/Sub listener.
	PubSubSubscription string

	// Worker recording limits, passed through to the Job environment.
	MaxRecordingDuration     int
	MeetingInactivityMinutes int
	InactivityDetectionDelay int

	HTTPPort string
	DryRun   bool
}

// LoadFromEnv builds a Config from the environment with production defaults,
// then validates it.
func LoadFromEnv() (Config, error) {
	pollSeconds, err := strconv.Atoi(getEnvOrDefault("POLL_INTERVAL", "10"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid POLL_INTERVAL: %w", err)
	}
	claimTTLSeconds, err := strconv.Atoi(getEnvOrDefault("CLAIM_TTL_SECONDS", "600"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid CLAIM_TTL_SECONDS: %w", err)
	}
	maxClaim, err := strconv.Atoi(getEnvOrDefault("MAX_CLAIM_PER_POLL", "10"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid MAX_CLAIM_PER_POLL: %w", err)
	}
	lead, err := time.ParseDuration(getEnvOrDefault("DISCOVERY_LEAD", "7m30s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DISCOVERY_LEAD: %w", err)
	}
	window, err := time.ParseDuration(getEnvOrDefault("DISCOVERY_WINDOW", "1m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DISCOVERY_WINDOW: %w", err)
	}

	maxRecording, _ := strconv.Atoi(getEnvOrDefault("MAX_RECORDING_DURATION_MINUTES", "600"))
	inactivity, _ := strconv.Atoi(getEnvOrDefault("MEETING_INACTIVITY_MINUTES", "15"))
	inactivityDelay, _ := strconv.Atoi(getEnvOrDefault("INACTIVITY_DETECTION_START_DELAY_MINUTES", "5"))

	controllerID := os.Getenv("CONTROLLER_ID")
	if controllerID == "" {
		if host, err := os.Hostname(); err == nil {
			controllerID = host
		} else {
			controllerID = "controller"
		}
	}

	cfg := Config{
		ProjectID:         os.Getenv("GCP_PROJECT_ID"),
		GCSBucket:         os.Getenv("GCS_BUCKET"),
		FirestoreDatabase: getEnvOrDefault("FIRESTORE_DATABASE", "(default)"),

		ManagerImage:    os.Getenv("MANAGER_IMAGE"),
		MeetingBotImage: os.Getenv("MEETING_BOT_IMAGE"),

		PollInterval:    time.Duration(pollSeconds) * time.Second,
		ClaimTTL:        time.Duration(claimTTLSeconds) * time.Second,
		MaxClaimPerPoll: maxClaim,
		DiscoveryLead:   lead,
		DiscoveryWindow: window,

		ControllerID:       controllerID,
		LeaderLease:        30 * time.Second,
		SkipLeaderElection: boolEnv("SKIP_LEADER_ELECTION"),

		Namespace:           getEnvOrDefault("KUBERNETES_NAMESPACE", "default"),
		JobServiceAccount:   getEnvOrDefault("JOB_SERVICE_ACCOUNT", "meeting-bot-job"),
		ScratchStorageClass: getEnvOrDefault("SCRATCH_STORAGE_CLASS", "standard-rwo"),
		ScratchStorageSize:  getEnvOrDefault("SCRATCH_STORAGE_SIZE", "50Gi"),

		MeetingsCollectionPath: getEnvOrDefault("MEETINGS_COLLECTION_PATH", "meetings"),
		MeetingsQueryMode:      strings.ToLower(strings.TrimSpace(getEnvOrDefault("MEETINGS_QUERY_MODE", QueryModeCollection))),
		MeetingStatusValues:    splitList(getEnvOrDefault("MEETING_STATUS_VALUES", "scheduled")),
		AllowedMeetingDomains:  splitList(getEnvOrDefault("ALLOWED_MEETING_DOMAINS", "teams.microsoft.com,meet.google.com,zoom.us")),

		PubSubSubscription: os.Getenv("PUBSUB_SUBSCRIPTION"),

		MaxRecordingDuration:     maxRecording,
		MeetingInactivityMinutes: inactivity,
		InactivityDetectionDelay: inactivityDelay,

		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),
		DryRun:   boolEnv("DRY_RUN"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	var missing []string
	if c.ProjectID == "" {
		missing = append(missing, "GCP_PROJECT_ID")
	}
	if c.GCSBucket == "" {
		missing = append(missing, "GCS_BUCKET")
	}
	if c.ManagerImage == "" {
		missing = append(missing, "MANAGER_IMAGE")
	}
	if c.MeetingBotImage == "" {
		missing = append(missing, "MEETING_BOT_IMAGE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("CLAIM_TTL_SECONDS must be positive")
	}
	if c.MaxClaimPerPoll < 1 {
		return fmt.Errorf("MAX_CLAIM_PER_POLL must be at least 1")
	}
	if c.DiscoveryWindow <= 0 {
		return fmt.Errorf("DISCOVERY_WINDOW must be positive")
	}
	if c.MeetingsQueryMode != QueryModeCollection && c.MeetingsQueryMode != QueryModeCollectionGroup {
		return fmt.Errorf("MEETINGS_QUERY_MODE must be %q or %q, got %q",
			QueryModeCollection, QueryModeCollectionGroup, c.MeetingsQueryMode)
	}
	if len(c.AllowedMeetingDomains) == 0 {
		return fmt.Errorf("ALLOWED_MEETING_DOMAINS must list at least one domain")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
