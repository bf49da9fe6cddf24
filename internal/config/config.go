package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the content radar processes.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Analysis  AnalysisConfig
	Jobs      JobsConfig
	Media     MediaConfig
	ReadModel ReadModelConfig
	Feed      FeedConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
	Embedding        EmbeddingConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// EmbeddingConfig configures the optional embedding capability. An empty
// APIKey disables the embedding stage.
type EmbeddingConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Enabled reports whether an embedding credential is configured.
func (e EmbeddingConfig) Enabled() bool {
	return e.APIKey != ""
}

// AnalysisConfig drives the admission decision between inline and queued work.
type AnalysisConfig struct {
	MaxSyncBytes  int64
	InlineTimeout time.Duration
}

type JobsConfig struct {
	Concurrency       int
	PollInterval      time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
}

type MediaConfig struct {
	FFmpegPath     string
	FFprobePath    string
	SceneThreshold float64
}

type ReadModelConfig struct {
	RefreshInterval time.Duration
}

type FeedConfig struct {
	PollInterval      time.Duration
	KeepaliveInterval time.Duration
}

var validProviders = map[string]bool{
	"mock":   true,
	"openai": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	openAIKey := os.Getenv("OPENAI_API_KEY")
	openAIBase := envString("OPENAI_BASE_URL", "https://api.openai.com/v1")

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("RADAR_PORT", 8080),
			Env:                envString("RADAR_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "mock"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			OpenAI: OpenAIConfig{
				APIKey:  openAIKey,
				BaseURL: openAIBase,
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
			Embedding: EmbeddingConfig{
				APIKey:  envString("EMBEDDING_API_KEY", openAIKey),
				BaseURL: envString("EMBEDDING_BASE_URL", openAIBase),
				Model:   envString("EMBEDDING_MODEL", "text-embedding-3-small"),
			},
		},
		Analysis: AnalysisConfig{
			MaxSyncBytes:  int64(envInt("ANALYSIS_MAX_SYNC_BYTES", 5*1024*1024)),
			InlineTimeout: envDurationSecs("ANALYSIS_INLINE_TIMEOUT_SECS", 30*time.Second),
		},
		Jobs: JobsConfig{
			Concurrency:       envInt("WORKER_CONCURRENCY", 2),
			PollInterval:      envDuration("JOB_POLL_INTERVAL", 2*time.Second),
			MaxAttempts:       envInt("JOB_MAX_ATTEMPTS", 3),
			RetryBackoff:      envDuration("JOB_RETRY_BACKOFF", 5*time.Second),
			HeartbeatInterval: envDuration("JOB_HEARTBEAT_INTERVAL", 15*time.Second),
			StaleTimeout:      envDuration("JOB_STALE_TIMEOUT", 5*time.Minute),
		},
		Media: MediaConfig{
			FFmpegPath:     envString("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:    envString("FFPROBE_PATH", "ffprobe"),
			SceneThreshold: envFloat("SCENE_THRESHOLD", 0.3),
		},
		ReadModel: ReadModelConfig{
			RefreshInterval: envDuration("MOMENTS_REFRESH_INTERVAL", 2*time.Minute),
		},
		Feed: FeedConfig{
			PollInterval:      envDuration("FEED_POLL_INTERVAL", 10*time.Second),
			KeepaliveInterval: envDuration("FEED_KEEPALIVE_INTERVAL", 25*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of mock, openai; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if !strings.HasPrefix(c.AI.OpenAI.BaseURL, "http://") && !strings.HasPrefix(c.AI.OpenAI.BaseURL, "https://") {
		return fmt.Errorf("OPENAI_BASE_URL must start with http:// or https://, got %q", c.AI.OpenAI.BaseURL)
	}

	if c.Analysis.MaxSyncBytes < 0 {
		return fmt.Errorf("ANALYSIS_MAX_SYNC_BYTES must not be negative, got %d", c.Analysis.MaxSyncBytes)
	}

	if c.Jobs.Concurrency < 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must not be negative, got %d", c.Jobs.Concurrency)
	}
	if c.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.Jobs.MaxAttempts)
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("JOB_POLL_INTERVAL must be positive, got %s", c.Jobs.PollInterval)
	}
	// A worker that heartbeats less often than the stale timeout is reclaimed
	// while still running.
	if c.Jobs.HeartbeatInterval <= 0 || c.Jobs.HeartbeatInterval >= c.Jobs.StaleTimeout {
		return fmt.Errorf("JOB_HEARTBEAT_INTERVAL must be positive and below JOB_STALE_TIMEOUT, got %s and %s",
			c.Jobs.HeartbeatInterval, c.Jobs.StaleTimeout)
	}

	if c.ReadModel.RefreshInterval <= 0 {
		return fmt.Errorf("MOMENTS_REFRESH_INTERVAL must be positive, got %s", c.ReadModel.RefreshInterval)
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("FEED_POLL_INTERVAL must be positive, got %s", c.Feed.PollInterval)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
