package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for all environment variable overrides,
// e.g. CADENCE_SERVER_PORT overrides server.port.
const envPrefix = "CADENCE"

// Load configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take
// precedence over values from config files, which take precedence over
// the built-in defaults. Returns a populated Config struct or an error
// if loading or validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything can come from
		// defaults and the environment.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Fanout.BatchSize > cfg.Fanout.MaxBatchSize {
		return nil, fmt.Errorf(
			"config validation failed: fanout.batch_size %d exceeds fanout.max_batch_size %d",
			cfg.Fanout.BatchSize, cfg.Fanout.MaxBatchSize)
	}

	return &cfg, nil
}

// setDefaults registers the built-in defaults for every setting.
// Retry category defaults are tuned to the expected recovery time of
// each failure class: network failures recover quickly and retry
// aggressively, resource exhaustion recovers slowly and retries
// conservatively.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.log_level", "info")

	// Keys without a meaningful default still need to be registered so
	// AutomaticEnv resolves their environment variables; validation
	// enforces presence where required.
	v.SetDefault("database.url", "")
	v.SetDefault("ai.gemini_api_key", "")

	v.SetDefault("dedup.dir", "data/dedup")
	v.SetDefault("dedup.marker_ttl", "1h")
	v.SetDefault("dedup.job_key_ttl", "24h")
	v.SetDefault("dedup.completion_ttl", "24h")

	v.SetDefault("retry.network.base", "5s")
	v.SetDefault("retry.network.max_interval", "5m")
	v.SetDefault("retry.network.multiplier", 2.0)
	v.SetDefault("retry.network.jitter_fraction", 0.25)
	v.SetDefault("retry.network.max_attempts", 8)

	v.SetDefault("retry.database.base", "10s")
	v.SetDefault("retry.database.max_interval", "10m")
	v.SetDefault("retry.database.multiplier", 2.0)
	v.SetDefault("retry.database.jitter_fraction", 0.2)
	v.SetDefault("retry.database.max_attempts", 6)

	v.SetDefault("retry.ai_service.base", "30s")
	v.SetDefault("retry.ai_service.max_interval", "30m")
	v.SetDefault("retry.ai_service.multiplier", 2.5)
	v.SetDefault("retry.ai_service.jitter_fraction", 0.3)
	v.SetDefault("retry.ai_service.max_attempts", 5)

	v.SetDefault("retry.resource.base", "1m")
	v.SetDefault("retry.resource.max_interval", "1h")
	v.SetDefault("retry.resource.multiplier", 3.0)
	v.SetDefault("retry.resource.jitter_fraction", 0.5)
	v.SetDefault("retry.resource.max_attempts", 4)

	v.SetDefault("retry.hard_attempt_limit", 10)

	v.SetDefault("phases.story_sync_interval", "15m")
	v.SetDefault("phases.feed_capture_interval", "30m")
	v.SetDefault("phases.profile_scan_interval", "6h")

	// Expensive steps get no re-queue attempts; lightweight steps
	// allow several.
	v.SetDefault("pipeline.reinitialize_caps", map[string]int{
		"transcription": 0,
		"video_summary": 0,
		"vision_tags":   3,
		"ocr":           3,
		"face_match":    2,
	})

	v.SetDefault("fanout.batch_size", 200)
	v.SetDefault("fanout.max_batch_size", 500)
	v.SetDefault("fanout.stagger_seconds", 3)
	v.SetDefault("fanout.jitter_seconds", 10)
	v.SetDefault("fanout.max_delay", "30m")
	v.SetDefault("fanout.max_continuation_wait", "5m")

	v.SetDefault("ai.base_url", "http://127.0.0.1:8000")
	v.SetDefault("ai.health_url", "http://127.0.0.1:8000/health")
	v.SetDefault("ai.probe_timeout", "5s")
	v.SetDefault("ai.request_timeout", "3m")
	v.SetDefault("ai.probe_model", "gemini-2.0-flash")

	v.SetDefault("failure_retry.limit", 50)
	v.SetDefault("failure_retry.max_attempts", 5)
	v.SetDefault("failure_retry.cooldown", "10m")
	v.SetDefault("failure_retry.interval", "5m")

	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.stale_job_age", "30m")
}
