package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`

	// Shared secret for the telephony provider's webhook signatures
	TelephonyWebhookSecret string `mapstructure:"telephony_webhook_secret"`

	// Transcription provider (Deepgram)
	Transcription TranscriptionConfig `mapstructure:"transcription"`

	// Analysis provider (OpenAI-compatible chat API)
	Analysis AnalysisConfig `mapstructure:"analysis"`

	// Global confidence threshold for committing a disposition without
	// human review, 0-100
	AutoApplyThreshold float64 `mapstructure:"auto_apply_threshold"`

	// Pipeline worker tuning
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// HS256 secret for agent session tokens
	JWTSecret string `mapstructure:"jwt_secret"`
}

type TranscriptionConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`

	// Limits enforced before the external call is made
	MaxRecordingBytes   int64 `mapstructure:"max_recording_bytes"`
	MaxRecordingSeconds int   `mapstructure:"max_recording_seconds"`
}

type AnalysisConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`

	// Transcripts longer than this are rejected before the external call
	MaxTranscriptChars int `mapstructure:"max_transcript_chars"`

	// Token pricing in cents per million tokens, for per-job cost tracking
	PromptCostCentsPer1M     float64 `mapstructure:"prompt_cost_cents_per_1m"`
	CompletionCostCentsPer1M float64 `mapstructure:"completion_cost_cents_per_1m"`
}

type PipelineConfig struct {
	WorkerCount         int `mapstructure:"worker_count"`
	LeaseTimeoutSeconds int `mapstructure:"lease_timeout_seconds"`
	MaxRetries          int `mapstructure:"max_retries"`
	BackoffBaseSeconds  int `mapstructure:"backoff_base_seconds"`
	BackoffCapSeconds   int `mapstructure:"backoff_cap_seconds"`
	JobRetentionDays    int `mapstructure:"job_retention_days"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present (Local Development Convenience)
	// This makes 'go run' work without manually exporting env vars
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env doesn't exist (e.g. in Production/Docker)
	} else {
		log.Println("✅ Loaded .env file")
	}

	v := viper.New()

	// Set default values
	v.SetDefault("port", "8080")
	v.SetDefault("auto_apply_threshold", 80.0)
	v.SetDefault("transcription.model", "nova-2")
	v.SetDefault("transcription.language", "en-US")
	v.SetDefault("transcription.max_recording_bytes", 100*1024*1024)
	v.SetDefault("transcription.max_recording_seconds", 3600)
	v.SetDefault("analysis.base_url", "https://api.openai.com/v1")
	v.SetDefault("analysis.model", "gpt-4o-mini")
	v.SetDefault("analysis.max_transcript_chars", 48000)
	v.SetDefault("analysis.prompt_cost_cents_per_1m", 15.0)
	v.SetDefault("analysis.completion_cost_cents_per_1m", 60.0)
	v.SetDefault("pipeline.worker_count", 4)
	v.SetDefault("pipeline.lease_timeout_seconds", 300)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.backoff_base_seconds", 5)
	v.SetDefault("pipeline.backoff_cap_seconds", 300)
	v.SetDefault("pipeline.job_retention_days", 30)

	// Config file settings
	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Try to find config file in multiple locations
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("dev.config") // Look for dev.config.yaml
		v.SetConfigType("yaml")
	}

	// Environment variable settings
	v.SetEnvPrefix("voicedesk")

	// Bind standard environment variables (Docker/deploy compatibility)
	// This allows using standard keys like DATABASE_URL instead of VOICEDESK_DATABASE_URL
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("telephony_webhook_secret", "TELEPHONY_WEBHOOK_SECRET")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("auto_apply_threshold", "AUTO_APPLY_THRESHOLD")

	// Bind transcription provider env vars
	_ = v.BindEnv("transcription.api_key", "DEEPGRAM_API_KEY")
	_ = v.BindEnv("transcription.model", "DEEPGRAM_MODEL")
	_ = v.BindEnv("transcription.language", "DEEPGRAM_LANGUAGE")
	_ = v.BindEnv("transcription.max_recording_bytes", "MAX_RECORDING_BYTES")
	_ = v.BindEnv("transcription.max_recording_seconds", "MAX_RECORDING_SECONDS")

	// Bind analysis provider env vars
	_ = v.BindEnv("analysis.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("analysis.base_url", "OPENAI_BASE_URL")
	_ = v.BindEnv("analysis.model", "OPENAI_MODEL")
	_ = v.BindEnv("analysis.max_transcript_chars", "MAX_TRANSCRIPT_CHARS")
	_ = v.BindEnv("analysis.prompt_cost_cents_per_1m", "OPENAI_PROMPT_COST_CENTS_PER_1M")
	_ = v.BindEnv("analysis.completion_cost_cents_per_1m", "OPENAI_COMPLETION_COST_CENTS_PER_1M")

	// Bind pipeline tuning env vars
	_ = v.BindEnv("pipeline.worker_count", "PIPELINE_WORKER_COUNT")
	_ = v.BindEnv("pipeline.lease_timeout_seconds", "JOB_LEASE_TIMEOUT_SECONDS")
	_ = v.BindEnv("pipeline.max_retries", "JOB_MAX_RETRIES")
	_ = v.BindEnv("pipeline.backoff_base_seconds", "JOB_BACKOFF_BASE_SECONDS")
	_ = v.BindEnv("pipeline.backoff_cap_seconds", "JOB_BACKOFF_CAP_SECONDS")
	_ = v.BindEnv("pipeline.job_retention_days", "JOB_RETENTION_DAYS")

	v.AutomaticEnv()

	// 1. Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("ℹ️  No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("✅ Loaded config from: %s", v.ConfigFileUsed())
	}

	// 2. Unmarshal into struct
	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	// 3. Backfill environment variables for code that reads os.Getenv()
	// (the Deepgram SDK falls back to DEEPGRAM_API_KEY on an empty key).
	setEnvIfEmpty("DATABASE_URL", App.DatabaseURL)
	setEnvIfEmpty("REDIS_URL", App.RedisURL)
	setEnvIfEmpty("PORT", App.Port)
	setEnvIfEmpty("TELEPHONY_WEBHOOK_SECRET", App.TelephonyWebhookSecret)
	setEnvIfEmpty("DEEPGRAM_API_KEY", App.Transcription.APIKey)
	setEnvIfEmpty("OPENAI_API_KEY", App.Analysis.APIKey)
	setEnvIfEmpty("JWT_SECRET", App.JWTSecret)

	return nil
}

func setEnvIfEmpty(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
