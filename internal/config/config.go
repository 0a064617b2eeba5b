package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server       ServerConfig       `mapstructure:"server" validate:"required"`
	Database     DatabaseConfig     `mapstructure:"database" validate:"required"`
	Dedup        DedupConfig        `mapstructure:"dedup" validate:"required"`
	Retry        RetryConfig        `mapstructure:"retry" validate:"required"`
	Phases       PhaseConfig        `mapstructure:"phases" validate:"required"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline" validate:"required"`
	Fanout       FanoutConfig       `mapstructure:"fanout" validate:"required"`
	AI           AIConfig           `mapstructure:"ai" validate:"required"`
	FailureRetry FailureRetryConfig `mapstructure:"failure_retry" validate:"required"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" validate:"required"`
}

// ServerConfig contains the dashboard HTTP server and logging settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// DedupConfig configures the TTL key-value store backing dedup and
// completion markers.
type DedupConfig struct {
	// Dir is the on-disk directory for the badger store.
	Dir string `mapstructure:"dir" validate:"required"`

	// MarkerTTL bounds the window in which identical enqueues collapse
	// to one job.
	MarkerTTL time.Duration `mapstructure:"marker_ttl" validate:"required"`

	// JobKeyTTL bounds the reverse jobID-to-key mapping used for
	// cleanup on job completion.
	JobKeyTTL time.Duration `mapstructure:"job_key_ttl" validate:"required"`

	// CompletionTTL bounds how long an executeOnce completion marker
	// remains effective.
	CompletionTTL time.Duration `mapstructure:"completion_ttl" validate:"required"`
}

// RetryCategoryConfig tunes backoff for one error category.
type RetryCategoryConfig struct {
	Base           time.Duration `mapstructure:"base" validate:"required"`
	MaxInterval    time.Duration `mapstructure:"max_interval" validate:"required"`
	Multiplier     float64       `mapstructure:"multiplier" validate:"required,gte=1"`
	JitterFraction float64       `mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"required,gt=0"`
}

// RetryConfig holds per-category retry tuples plus the global hard
// attempt ceiling that no category may exceed.
type RetryConfig struct {
	Network          RetryCategoryConfig `mapstructure:"network" validate:"required"`
	Database         RetryCategoryConfig `mapstructure:"database" validate:"required"`
	AIService        RetryCategoryConfig `mapstructure:"ai_service" validate:"required"`
	Resource         RetryCategoryConfig `mapstructure:"resource" validate:"required"`
	HardAttemptLimit int                 `mapstructure:"hard_attempt_limit" validate:"required,gt=0"`
}

// PhaseConfig holds per-phase scheduling intervals.
type PhaseConfig struct {
	StorySyncInterval   time.Duration `mapstructure:"story_sync_interval" validate:"required"`
	FeedCaptureInterval time.Duration `mapstructure:"feed_capture_interval" validate:"required"`
	ProfileScanInterval time.Duration `mapstructure:"profile_scan_interval" validate:"required"`
}

// PipelineConfig holds pipeline state machine settings.
type PipelineConfig struct {
	// ReinitializeCaps maps step names to the maximum number of
	// explicit re-queue attempts for a failed step. Steps absent from
	// the map are never reinitialized.
	ReinitializeCaps map[string]int `mapstructure:"reinitialize_caps" validate:"required"`
}

// FanoutConfig holds batch fan-out scheduler settings.
type FanoutConfig struct {
	BatchSize           int           `mapstructure:"batch_size" validate:"required,gt=0"`
	MaxBatchSize        int           `mapstructure:"max_batch_size" validate:"required,gt=0"`
	StaggerSeconds      int           `mapstructure:"stagger_seconds" validate:"gte=0"`
	JitterSeconds       int           `mapstructure:"jitter_seconds" validate:"gte=0"`
	MaxDelay            time.Duration `mapstructure:"max_delay" validate:"required"`
	MaxContinuationWait time.Duration `mapstructure:"max_continuation_wait" validate:"required"`
}

// AIConfig holds local AI sidecar and health probe settings.
type AIConfig struct {
	// BaseURL is the local AI sidecar's HTTP API, used by the analysis
	// step executor.
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`

	// HealthURL is the health endpoint of the local AI sidecar. When
	// set, the HTTP probe is used.
	HealthURL string `mapstructure:"health_url" validate:"omitempty,url"`

	// GeminiAPIKey enables the Gemini-backed probe when no local
	// sidecar is configured.
	GeminiAPIKey string `mapstructure:"gemini_api_key"`

	ProbeModel   string        `mapstructure:"probe_model"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"required"`

	// RequestTimeout bounds one analysis request; transcription and
	// video analysis can run long.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"required"`
}

// FailureRetryConfig holds automatic failure retry settings.
type FailureRetryConfig struct {
	Limit       int           `mapstructure:"limit" validate:"required,gt=0"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"required,gt=0"`
	Cooldown    time.Duration `mapstructure:"cooldown" validate:"required"`
	Interval    time.Duration `mapstructure:"interval" validate:"required"`
}

// SchedulerConfig holds the coordinator tick loop settings.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"required"`

	// StaleJobAge bounds how long a queued lifecycle row may sit
	// before startup recovery marks it failed.
	StaleJobAge time.Duration `mapstructure:"stale_job_age" validate:"required"`
}
