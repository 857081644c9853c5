package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the retina-batch server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ImageStore ImageStoreConfig
	Analyzer   AnalyzerConfig
	Worker     WorkerConfig
	Dispatch   DispatchConfig
}

type ServerConfig struct {
	Port int
	Env  string
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

type ImageStoreConfig struct {
	BaseURL string
	Timeout time.Duration
}

type AnalyzerConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Aura             AuraConfig
}

// AuraConfig points at the AURA AI-core model service.
type AuraConfig struct {
	BaseURL      string
	ModelVersion string
}

type WorkerConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	ClaimBatchSize int
	LeaseDuration  time.Duration
	MaxAttempts    int
}

type DispatchConfig struct {
	MaxBatchSize    int
	RateLimitPerMin int
}

var validProviders = map[string]bool{
	"aura": true,
	"mock": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("RETINA_PORT", 8080),
			Env:  envString("RETINA_ENV", "development"),
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
		ImageStore: ImageStoreConfig{
			BaseURL: os.Getenv("IMAGE_STORE_BASE_URL"),
			Timeout: envDuration("IMAGE_STORE_TIMEOUT", 10*time.Second),
		},
		Analyzer: AnalyzerConfig{
			Provider:         os.Getenv("ANALYZER_PROVIDER"),
			InferenceTimeout: envDurationSecs("ANALYZER_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			Aura: AuraConfig{
				BaseURL:      envString("AURA_AI_BASE_URL", "http://localhost:8000"),
				ModelVersion: envString("AURA_AI_MODEL_VERSION", ""),
			},
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", 4),
			PollInterval:   envDuration("WORKER_POLL_INTERVAL", 1*time.Second),
			ClaimBatchSize: envInt("WORKER_CLAIM_BATCH_SIZE", 10),
			LeaseDuration:  envDuration("WORKER_LEASE_DURATION", 5*time.Minute),
			MaxAttempts:    envInt("WORKER_MAX_ATTEMPTS", 3),
		},
		Dispatch: DispatchConfig{
			MaxBatchSize:    envInt("DISPATCH_MAX_BATCH_SIZE", 1000),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
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

	if c.ImageStore.BaseURL == "" {
		return fmt.Errorf("IMAGE_STORE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.ImageStore.BaseURL, "http://") && !strings.HasPrefix(c.ImageStore.BaseURL, "https://") {
		return fmt.Errorf("IMAGE_STORE_BASE_URL must start with http:// or https://, got %q", c.ImageStore.BaseURL)
	}

	if c.Analyzer.Provider == "" {
		return fmt.Errorf("ANALYZER_PROVIDER is required")
	}
	if !validProviders[c.Analyzer.Provider] {
		return fmt.Errorf("ANALYZER_PROVIDER must be one of aura, mock; got %q", c.Analyzer.Provider)
	}
	if c.Analyzer.Provider == "aura" {
		if !strings.HasPrefix(c.Analyzer.Aura.BaseURL, "http://") && !strings.HasPrefix(c.Analyzer.Aura.BaseURL, "https://") {
			return fmt.Errorf("AURA_AI_BASE_URL must start with http:// or https://, got %q", c.Analyzer.Aura.BaseURL)
		}
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.ClaimBatchSize < 1 {
		return fmt.Errorf("WORKER_CLAIM_BATCH_SIZE must be at least 1, got %d", c.Worker.ClaimBatchSize)
	}
	if c.Worker.LeaseDuration < time.Second {
		return fmt.Errorf("WORKER_LEASE_DURATION must be at least 1s, got %s", c.Worker.LeaseDuration)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be at least 1, got %d", c.Worker.MaxAttempts)
	}

	if c.Dispatch.MaxBatchSize < 1 {
		return fmt.Errorf("DISPATCH_MAX_BATCH_SIZE must be at least 1, got %d", c.Dispatch.MaxBatchSize)
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
