package config

import (
	"time"

	"github.com/spf13/viper"
)

type GenerationConfig struct {
	DefaultDeadline        time.Duration
	MaxDeadline            time.Duration
	MaxConcurrentProviders int64
	CompensationAttempts   int
	CompensationBackoff    time.Duration
	CompensationMaxBackoff time.Duration
	StaleJobGrace          time.Duration
	SweepSchedule          string
	SweepBatchSize         int
	AlertChannel           string
}

type ProviderConfig struct {
	Driver         string
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float64
	AttemptTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestsPerSec float64
	Burst          int
	DownloadLimit  int64
}

type LedgerConfig struct {
	StoreDriver        string
	MaxConflictRetries int
	ConflictBackoff    time.Duration
}

type ArtifactConfig struct {
	RootDir       string
	PublicBaseURL string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func LoadGenerationConfig() *GenerationConfig {
	viper.SetDefault("generation.default_deadline", 90*time.Second)
	viper.SetDefault("generation.max_deadline", 5*time.Minute)
	viper.SetDefault("generation.max_concurrent_providers", 16)
	viper.SetDefault("generation.compensation_attempts", 8)
	viper.SetDefault("generation.compensation_backoff", 100*time.Millisecond)
	viper.SetDefault("generation.compensation_max_backoff", 5*time.Second)
	viper.SetDefault("generation.stale_job_grace", 2*time.Minute)
	viper.SetDefault("generation.sweep_schedule", "@every 1m")
	viper.SetDefault("generation.sweep_batch_size", 100)
	viper.SetDefault("generation.alert_channel", "generation:alerts")

	return &GenerationConfig{
		DefaultDeadline:        viper.GetDuration("generation.default_deadline"),
		MaxDeadline:            viper.GetDuration("generation.max_deadline"),
		MaxConcurrentProviders: viper.GetInt64("generation.max_concurrent_providers"),
		CompensationAttempts:   viper.GetInt("generation.compensation_attempts"),
		CompensationBackoff:    viper.GetDuration("generation.compensation_backoff"),
		CompensationMaxBackoff: viper.GetDuration("generation.compensation_max_backoff"),
		StaleJobGrace:          viper.GetDuration("generation.stale_job_grace"),
		SweepSchedule:          viper.GetString("generation.sweep_schedule"),
		SweepBatchSize:         viper.GetInt("generation.sweep_batch_size"),
		AlertChannel:           viper.GetString("generation.alert_channel"),
	}
}

func LoadProviderConfig() *ProviderConfig {
	viper.SetDefault("provider.driver", "openai")
	viper.SetDefault("provider.base_url", "https://aihubmix.com/v1")
	viper.SetDefault("provider.model", "gemini-2.5-flash-image")
	viper.SetDefault("provider.temperature", 0.7)
	viper.SetDefault("provider.attempt_timeout", 60*time.Second)
	viper.SetDefault("provider.max_attempts", 3)
	viper.SetDefault("provider.initial_backoff", 500*time.Millisecond)
	viper.SetDefault("provider.max_backoff", 8*time.Second)
	viper.SetDefault("provider.requests_per_sec", 5.0)
	viper.SetDefault("provider.burst", 5)
	viper.SetDefault("provider.download_limit", 20<<20)

	return &ProviderConfig{
		Driver:         viper.GetString("provider.driver"),
		BaseURL:        viper.GetString("provider.base_url"),
		APIKey:         viper.GetString("provider.api_key"),
		Model:          viper.GetString("provider.model"),
		Temperature:    viper.GetFloat64("provider.temperature"),
		AttemptTimeout: viper.GetDuration("provider.attempt_timeout"),
		MaxAttempts:    viper.GetInt("provider.max_attempts"),
		InitialBackoff: viper.GetDuration("provider.initial_backoff"),
		MaxBackoff:     viper.GetDuration("provider.max_backoff"),
		RequestsPerSec: viper.GetFloat64("provider.requests_per_sec"),
		Burst:          viper.GetInt("provider.burst"),
		DownloadLimit:  viper.GetInt64("provider.download_limit"),
	}
}

func LoadLedgerConfig() *LedgerConfig {
	viper.SetDefault("ledger.store_driver", "postgres")
	viper.SetDefault("ledger.max_conflict_retries", 5)
	viper.SetDefault("ledger.conflict_backoff", 10*time.Millisecond)

	return &LedgerConfig{
		StoreDriver:        viper.GetString("ledger.store_driver"),
		MaxConflictRetries: viper.GetInt("ledger.max_conflict_retries"),
		ConflictBackoff:    viper.GetDuration("ledger.conflict_backoff"),
	}
}

func LoadArtifactConfig() *ArtifactConfig {
	viper.SetDefault("artifacts.root_dir", "./generated")
	viper.SetDefault("artifacts.public_base_url", "/api/v1/artifacts")

	return &ArtifactConfig{
		RootDir:       viper.GetString("artifacts.root_dir"),
		PublicBaseURL: viper.GetString("artifacts.public_base_url"),
	}
}

func LoadLogConfig() *LogConfig {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.pretty", false)

	return &LogConfig{
		Level:  viper.GetString("log.level"),
		Pretty: viper.GetBool("log.pretty"),
	}
}

// ToolCostOverrides returns per-tool cost overrides from "catalog.costs".
func ToolCostOverrides() map[string]int64 {
	raw := viper.GetStringMap("catalog.costs")
	out := make(map[string]int64, len(raw))
	for tool := range raw {
		out[tool] = viper.GetInt64("catalog.costs." + tool)
	}
	return out
}
