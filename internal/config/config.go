// Package config loads and validates tokenlens configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Loader    LoaderConfig    `mapstructure:"loader"`
	Collector CollectorConfig `mapstructure:"collector"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Insight   InsightConfig   `mapstructure:"insight"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig governs the scan pipeline workers.
type WorkerConfig struct {
	Concurrency        int    `mapstructure:"concurrency"`
	ScanTimeoutSeconds int    `mapstructure:"scan_timeout_seconds"`
	CompletionTopic    string `mapstructure:"completion_topic"`
}

// LoaderConfig tunes the progressive loading state machine.
type LoaderConfig struct {
	SkeletonTimeoutMs     int  `mapstructure:"skeleton_timeout_ms"`
	MinSkeletonDurationMs int  `mapstructure:"min_skeleton_duration_ms"`
	TransitionDurationMs  int  `mapstructure:"transition_duration_ms"`
	StreamingEnabled      bool `mapstructure:"streaming_enabled"`
}

// CollectorConfig governs stylesheet collection over plain HTTP.
type CollectorConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxSheets      int    `mapstructure:"max_sheets"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs   int  `mapstructure:"settle_delay_ms"`
	ScriptThreshold int  `mapstructure:"script_threshold"`
}

// ExtractorConfig selects and configures the token extraction backend.
type ExtractorConfig struct {
	Mode           string `mapstructure:"mode"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StorageConfig sets paths for stylesheet archive persistence.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// QueueConfig selects the scan queue backing.
type QueueConfig struct {
	Provider     string `mapstructure:"provider"`
	Capacity     int    `mapstructure:"capacity"`
	TopicName    string `mapstructure:"topic_name"`
	Subscription string `mapstructure:"subscription"`
}

// InsightConfig configures the optional AI validation pass.
type InsightConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// RateLimitConfig bounds outbound request rates per site.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TOKENLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.scan_timeout_seconds", 300)
	v.SetDefault("worker.completion_topic", "scan-complete")
	v.SetDefault("loader.skeleton_timeout_ms", 5000)
	v.SetDefault("loader.min_skeleton_duration_ms", 500)
	v.SetDefault("loader.transition_duration_ms", 300)
	v.SetDefault("loader.streaming_enabled", true)
	v.SetDefault("collector.user_agent", "tokenlens-bot/0.1")
	v.SetDefault("collector.timeout_seconds", 15)
	v.SetDefault("collector.max_sheets", 30)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_delay_ms", 500)
	v.SetDefault("headless.script_threshold", 10)
	v.SetDefault("extractor.mode", "static")
	v.SetDefault("extractor.timeout_seconds", 30)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "stylesheets")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("insight.provider", "none")
	v.SetDefault("rate_limit.rps", 2)
	v.SetDefault("rate_limit.burst", 4)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Extractor.Mode == "remote" && c.Extractor.BaseURL == "" {
		return fmt.Errorf("extractor.base_url must be set in remote mode")
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db is enabled")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for gcs storage")
	}
	if c.Queue.Provider == "pubsub" {
		if !c.PubSub.Enabled {
			return fmt.Errorf("pubsub must be enabled for the pubsub queue")
		}
		if c.Queue.TopicName == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("queue.topic_name and queue.subscription must be set for the pubsub queue")
		}
	}
	if c.Insight.Provider == "openai" && c.Insight.APIKey == "" {
		return fmt.Errorf("insight.api_key must be set for the openai provider")
	}
	return nil
}

// ScanBudget converts the worker scan timeout into a duration.
func (c Config) ScanBudget() time.Duration {
	return time.Duration(c.Worker.ScanTimeoutSeconds) * time.Second
}
