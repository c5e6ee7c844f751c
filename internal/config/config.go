// Package config provides the configuration structure for the narrator-service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Quota backends.
const (
	QuotaBackendRedis  = "redis"
	QuotaBackendMemory = "memory"
)

var (
	// ErrNonPositiveSetting indicates a pool or size setting that must be positive.
	ErrNonPositiveSetting = errors.New("setting must be positive")
	// ErrUnknownQuotaBackend indicates a quota backend other than redis or memory.
	ErrUnknownQuotaBackend = errors.New("unknown quota backend")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                       string `toml:"url"`
	SubmitSubject             string `toml:"submit_subject"`
	StatusSubject             string `toml:"status_subject"`
	CancelSubject             string `toml:"cancel_subject"`
	CompletedSubject          string `toml:"completed_subject"`
	AudioObjectStoreBucket    string `toml:"audio_object_store_bucket"`
	DocumentObjectStoreBucket string `toml:"document_object_store_bucket"`
}

// PipelineConfig tunes the conversion pipeline.
type PipelineConfig struct {
	Workers             int  `toml:"workers"`
	QueueSize           int  `toml:"queue_size"`
	MaxChunkChars       int  `toml:"max_chunk_chars"`
	ChunkConcurrency    int  `toml:"chunk_concurrency"`
	MaxAttempts         int  `toml:"max_attempts"`
	InitialBackoffMS    int  `toml:"initial_backoff_ms"`
	MaxBackoffMS        int  `toml:"max_backoff_ms"`
	ChunkTimeoutSeconds int  `toml:"chunk_timeout_seconds"`
	TaskTimeoutMinutes  int  `toml:"task_timeout_minutes"`
	NormalizeSpeech     bool `toml:"normalize_speech"`
}

// InitialBackoff returns the first retry delay.
func (p PipelineConfig) InitialBackoff() time.Duration {
	return time.Duration(p.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff returns the retry delay ceiling.
func (p PipelineConfig) MaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffMS) * time.Millisecond
}

// ChunkTimeout returns the per-attempt synthesis timeout.
func (p PipelineConfig) ChunkTimeout() time.Duration {
	return time.Duration(p.ChunkTimeoutSeconds) * time.Second
}

// TaskTimeout returns how long a task may go without progress.
func (p PipelineConfig) TaskTimeout() time.Duration {
	return time.Duration(p.TaskTimeoutMinutes) * time.Minute
}

// QuotaConfig holds the per-user conversion quota settings.
type QuotaConfig struct {
	Backend            string `toml:"backend"`
	ConversionsPerHour int    `toml:"conversions_per_hour"`
	RedisAddr          string `toml:"redis_addr"`
	RedisPassword      string `toml:"redis_password"`
	RedisDB            int    `toml:"redis_db"`
}

// GTTSConfig configures the free Google Translate engine.
type GTTSConfig struct {
	BaseURL           string  `toml:"base_url"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ElevenLabsConfig configures the premium engine.
type ElevenLabsConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	ModelID string `toml:"model_id"`
}

// OuteTTSConfig configures the generative model served over HTTP.
type OuteTTSConfig struct {
	ServiceURL     string  `toml:"service_url"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	Temperature    float64 `toml:"temperature"`
}

// ChatLLMConfig configures the generative model run as a local binary.
type ChatLLMConfig struct {
	Binary        string `toml:"binary"`
	ModelPath     string `toml:"model_path"`
	SnacModelPath string `toml:"snac_model_path"`
}

// EnginesConfig holds per-engine settings.
type EnginesConfig struct {
	Default    string           `toml:"default"`
	Languages  []string         `toml:"languages"`
	GTTS       GTTSConfig       `toml:"gtts"`
	ElevenLabs ElevenLabsConfig `toml:"elevenlabs"`
	OuteTTS    OuteTTSConfig    `toml:"outetts"`
	ChatLLM    ChatLLMConfig    `toml:"chatllm"`
}

// StorageConfig holds the durable record store settings.
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"`
}

// HTTPConfig holds the HTTP API settings.
type HTTPConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// RetentionConfig controls how long completed audio is kept.
type RetentionConfig struct {
	AudioRetentionDays   int `toml:"audio_retention_days"`
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Quota     QuotaConfig     `toml:"quota"`
	Engines   EnginesConfig   `toml:"engines"`
	Storage   StorageConfig   `toml:"storage"`
	HTTP      HTTPConfig      `toml:"http"`
	Retention RetentionConfig `toml:"retention"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the narrator-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

// ApplyDefaults fills every zero-valued setting with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.URL, "nats://127.0.0.1:4222")
	setString(&c.NATS.SubmitSubject, "narrator.conversions.submit")
	setString(&c.NATS.StatusSubject, "narrator.conversions.status")
	setString(&c.NATS.CancelSubject, "narrator.conversions.cancel")
	setString(&c.NATS.CompletedSubject, "narrator.conversions.completed")
	setString(&c.NATS.AudioObjectStoreBucket, "NARRATOR_AUDIO")
	setString(&c.NATS.DocumentObjectStoreBucket, "NARRATOR_DOCUMENTS")

	setInt(&c.Pipeline.Workers, 4)
	setInt(&c.Pipeline.QueueSize, 256)
	setInt(&c.Pipeline.MaxChunkChars, 2000)
	setInt(&c.Pipeline.ChunkConcurrency, 4)
	setInt(&c.Pipeline.MaxAttempts, 3)
	setInt(&c.Pipeline.InitialBackoffMS, 500)
	setInt(&c.Pipeline.MaxBackoffMS, 8000)
	setInt(&c.Pipeline.ChunkTimeoutSeconds, 60)
	setInt(&c.Pipeline.TaskTimeoutMinutes, 15)

	setString(&c.Quota.Backend, QuotaBackendRedis)
	setInt(&c.Quota.ConversionsPerHour, 10)
	setString(&c.Quota.RedisAddr, "127.0.0.1:6379")

	setString(&c.Engines.Default, "gtts")

	if len(c.Engines.Languages) == 0 {
		c.Engines.Languages = []string{"en", "es", "fr", "de", "it", "pt"}
	}

	setString(&c.Engines.GTTS.BaseURL, "https://translate.google.com")

	if c.Engines.GTTS.RequestsPerSecond == 0 {
		c.Engines.GTTS.RequestsPerSecond = 2
	}

	setString(&c.Engines.ElevenLabs.BaseURL, "https://api.elevenlabs.io")
	setString(&c.Engines.ElevenLabs.ModelID, "eleven_multilingual_v2")
	setString(&c.Engines.OuteTTS.ServiceURL, "http://127.0.0.1:8000")
	setInt(&c.Engines.OuteTTS.TimeoutSeconds, 120)

	if c.Engines.OuteTTS.Temperature == 0 {
		c.Engines.OuteTTS.Temperature = 0.75
	}

	setString(&c.Engines.ChatLLM.Binary, "chatllm")

	setString(&c.Storage.SQLitePath, "narrator.db")
	setString(&c.HTTP.ListenAddr, ":8080")
	setInt(&c.Retention.AudioRetentionDays, 30)
	setInt(&c.Retention.SweepIntervalMinutes, 60)
	setString(&c.Paths.BaseLogsDir, "logs")
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	positive := map[string]int{
		"pipeline.workers":               c.Pipeline.Workers,
		"pipeline.queue_size":            c.Pipeline.QueueSize,
		"pipeline.max_chunk_chars":       c.Pipeline.MaxChunkChars,
		"pipeline.chunk_concurrency":     c.Pipeline.ChunkConcurrency,
		"pipeline.max_attempts":          c.Pipeline.MaxAttempts,
		"pipeline.chunk_timeout_seconds": c.Pipeline.ChunkTimeoutSeconds,
		"pipeline.task_timeout_minutes":  c.Pipeline.TaskTimeoutMinutes,
		"quota.conversions_per_hour":     c.Quota.ConversionsPerHour,
	}

	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%w: %s = %d", ErrNonPositiveSetting, name, value)
		}
	}

	if c.Quota.Backend != QuotaBackendRedis && c.Quota.Backend != QuotaBackendMemory {
		return fmt.Errorf("%w: %q", ErrUnknownQuotaBackend, c.Quota.Backend)
	}

	return nil
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}
